package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for default config, got: %v", err)
	}
}

func TestValidate_Registration(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name       string
		mutate     func(c *Configuration)
		errContain string
	}{
		{"empty subject", func(c *Configuration) { c.Registration.Subject = "" }, "subject"},
		{"zero timeout", func(c *Configuration) { c.Registration.TimeoutMS = 0 }, "registration timeout"},
		{"negative admission", func(c *Configuration) { c.Registration.AdmissionTimeoutMS = -1 }, "admission timeout"},
		{"admission shorter than registration", func(c *Configuration) {
			c.Registration.TimeoutMS = 5000
			c.Registration.AdmissionTimeoutMS = 1000
		}, "must be 0 or >="},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = Default()
			tc.mutate(Config)

			err := Validate()
			if err == nil {
				t.Fatalf("Expected error containing %q", tc.errContain)
			}
			if !strings.Contains(err.Error(), tc.errContain) {
				t.Errorf("Expected error containing %q, got: %v", tc.errContain, err)
			}
		})
	}
}

func TestValidate_UnboundedAdmissionAllowed(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Registration.AdmissionTimeoutMS = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected 0 admission timeout to be valid, got: %v", err)
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = Default()
		Config.Admin.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid admin port %d", port)
		}
	}

	// Disabled admin server ignores the port
	Config = Default()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestValidate_Mirrors(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name    string
		mirrors []MirrorConfiguration
		wantErr bool
	}{
		{"nats ok", []MirrorConfiguration{{Name: "a", Type: "nats", NatsURL: "nats://x:4222"}}, false},
		{"kafka ok", []MirrorConfiguration{{Name: "a", Type: "kafka", Brokers: []string{"k:9092"}}}, false},
		{"nats missing url", []MirrorConfiguration{{Name: "a", Type: "nats"}}, true},
		{"kafka missing brokers", []MirrorConfiguration{{Name: "a", Type: "kafka"}}, true},
		{"unknown type", []MirrorConfiguration{{Name: "a", Type: "http"}}, true},
		{"missing name", []MirrorConfiguration{{Type: "nats", NatsURL: "nats://x:4222"}}, true},
		{"duplicate name", []MirrorConfiguration{
			{Name: "a", Type: "nats", NatsURL: "nats://x:4222"},
			{Name: "a", Type: "kafka", Brokers: []string{"k:9092"}},
		}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = Default()
			Config.Mirrors = tc.mirrors

			err := Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestValidate_Subscriptions(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Subscriptions = []SubscriptionConfiguration{
		{Name: "orders", Query: "subscription { orders { id } }"},
		{Name: "orders", Query: "subscription { orders { id total } }"},
	}
	if err := Validate(); err == nil {
		t.Error("Expected error for duplicate subscription name")
	}

	Config.Subscriptions = []SubscriptionConfiguration{{Name: "orders"}}
	if err := Validate(); err == nil {
		t.Error("Expected error for subscription without query")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.ClientID = 7
	Config.DataDir = filepath.Join(t.TempDir(), "data")

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.NATS.Name != "liveq-7" {
		t.Errorf("Expected derived connection name liveq-7, got %s", Config.NATS.Name)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := `
client_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[nats]
url = "nats://broker:4222"

[registration]
subject = "svc.subscribe"
timeout_ms = 1000
admission_timeout_ms = 0

[cache]
id_fields = ["uuid"]

[[mirror]]
name = "audit"
type = "kafka"
brokers = ["k1:9092", "k2:9092"]
filter_keys = ["Order:*"]

[[subscription]]
name = "orders"
query = "subscription { orders { id } }"
[subscription.variables]
region = "eu"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	Config = Default()
	if err := Load(configPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.ClientID != 42 {
		t.Errorf("Expected client ID 42, got %d", Config.ClientID)
	}
	if Config.NATS.URL != "nats://broker:4222" {
		t.Errorf("Expected NATS url override, got %s", Config.NATS.URL)
	}
	if Config.NATS.ReconnectWaitMS != 1000 {
		t.Errorf("Expected default reconnect wait to survive, got %d", Config.NATS.ReconnectWaitMS)
	}
	if Config.Registration.Subject != "svc.subscribe" || Config.Registration.AdmissionTimeoutMS != 0 {
		t.Errorf("Unexpected registration section: %+v", Config.Registration)
	}
	if len(Config.Cache.IDFields) != 1 || Config.Cache.IDFields[0] != "uuid" {
		t.Errorf("Unexpected id fields: %v", Config.Cache.IDFields)
	}
	if len(Config.Mirrors) != 1 || len(Config.Mirrors[0].Brokers) != 2 {
		t.Errorf("Unexpected mirrors: %+v", Config.Mirrors)
	}
	if len(Config.Subscriptions) != 1 || Config.Subscriptions[0].Variables["region"] != "eu" {
		t.Errorf("Unexpected subscriptions: %+v", Config.Subscriptions)
	}
	if err := Validate(); err != nil {
		t.Errorf("Loaded config should validate, got: %v", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "override")

	*DataDirFlag = tempDir
	*ClientIDFlag = 12345
	*NATSURLFlag = "nats://override:4222"
	*AdminPortFlag = 9999

	defer func() {
		*DataDirFlag = ""
		*ClientIDFlag = 0
		*NATSURLFlag = ""
		*AdminPortFlag = 0
	}()

	Config = Default()

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.ClientID != 12345 {
		t.Errorf("Expected client ID 12345, got %d", Config.ClientID)
	}
	if Config.NATS.URL != "nats://override:4222" {
		t.Errorf("Expected NATS url override, got %s", Config.NATS.URL)
	}
	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestGetCachePath(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.DataDir = "/var/lib/liveq"
	if got := GetCachePath(); got != "/var/lib/liveq/cache" {
		t.Errorf("Expected /var/lib/liveq/cache, got %s", got)
	}

	Config.Cache.Dir = "/mnt/fast/cache"
	if got := GetCachePath(); got != "/mnt/fast/cache" {
		t.Errorf("Expected absolute cache dir to win, got %s", got)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
