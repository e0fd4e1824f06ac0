package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// NATSConfiguration controls the pub/sub connection used for registration and delivery
type NATSConfiguration struct {
	URL             string `toml:"url"`
	Name            string `toml:"name"`              // Connection name shown by the server (defaults to liveq-{client_id})
	ReconnectWaitMS int    `toml:"reconnect_wait_ms"` // Delay between reconnect attempts
	MaxReconnects   int    `toml:"max_reconnects"`    // -1 = forever
	FlushTimeoutMS  int    `toml:"flush_timeout_ms"`  // How long Bind waits for the server to acknowledge SUBs
}

// RegistrationConfiguration controls how subscriptions are registered with the query service
type RegistrationConfiguration struct {
	Subject            string `toml:"subject"`              // Request subject of the query service
	TimeoutMS          int    `toml:"timeout_ms"`           // Upper bound of one registration request
	AdmissionTimeoutMS int    `toml:"admission_timeout_ms"` // Max wait behind earlier tickets (0 = unbounded)
}

// CacheConfiguration controls the shared normalized cache
type CacheConfiguration struct {
	Dir        string   `toml:"dir"`         // Relative to data_dir unless absolute
	MemoSize   int      `toml:"memo_size"`   // Decoded records kept in memory
	IDFields   []string `toml:"id_fields"`   // Fields tried, in order, to derive a record key
	SyncWrites bool     `toml:"sync_writes"` // fsync every committed transaction
}

// MirrorConfiguration describes an external sink that receives every published record
type MirrorConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"` // "nats" or "kafka"
	NatsURL     string   `toml:"nats_url"`
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	BatchSize   int      `toml:"batch_size"`
	FilterKeys  []string `toml:"filter_keys"` // Glob patterns over record keys (empty = all)

	QueueSize      int `toml:"queue_size"`       // Record sets buffered before Forward rejects
	RetryInitialMS int `toml:"retry_initial_ms"` // First publish retry delay
	RetryMaxMS     int `toml:"retry_max_ms"`     // Backoff cap
	MaxRetries     int `toml:"max_retries"`      // Attempts before a record is dropped
}

// SubscriptionConfiguration is a live query the daemon subscribes at startup
type SubscriptionConfiguration struct {
	Name      string                 `toml:"name"`
	Query     string                 `toml:"query"`
	Variables map[string]interface{} `toml:"variables"`
}

// AdminConfiguration for the admin HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // When set, requests must carry it (X-Liveq-Secret or Bearer)
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID uint64 `toml:"client_id"`
	DataDir  string `toml:"data_dir"`

	NATS          NATSConfiguration           `toml:"nats"`
	Registration  RegistrationConfiguration   `toml:"registration"`
	Cache         CacheConfiguration          `toml:"cache"`
	Mirrors       []MirrorConfiguration       `toml:"mirror"`
	Subscriptions []SubscriptionConfiguration `toml:"subscription"`
	Admin         AdminConfiguration          `toml:"admin"`
	Logging       LoggingConfiguration        `toml:"logging"`
	Prometheus    PrometheusConfiguration     `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ClientIDFlag   = flag.Uint64("client-id", 0, "Client ID (overrides config, 0=auto)")
	NATSURLFlag    = flag.String("nats-url", "", "NATS server URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		ClientID: 0, // Auto-generate
		DataDir:  "./liveq-data",

		NATS: NATSConfiguration{
			URL:             "nats://127.0.0.1:4222",
			ReconnectWaitMS: 1000,
			MaxReconnects:   -1,
			FlushTimeoutMS:  2000,
		},

		Registration: RegistrationConfiguration{
			Subject:            "liveq.register",
			TimeoutMS:          30000,  // 30 second bound on a single registration
			AdmissionTimeoutMS: 120000, // 2 minutes behind earlier tickets
		},

		Cache: CacheConfiguration{
			Dir:        "cache",
			MemoSize:   4096,
			IDFields:   []string{"id", "_id"},
			SyncWrites: false,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8470,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ClientIDFlag != 0 {
		Config.ClientID = *ClientIDFlag
	}
	if *NATSURLFlag != "" {
		Config.NATS.URL = *NATSURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.ClientID == 0 {
		var err error
		Config.ClientID, err = generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		log.Info().Uint64("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	if Config.NATS.Name == "" {
		Config.NATS.Name = fmt.Sprintf("liveq-%d", Config.ClientID)
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateClientID creates a stable client ID based on machine ID
func generateClientID() (uint64, error) {
	id, err := machineid.ProtectedID("liveq")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.NATS.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	if Config.NATS.FlushTimeoutMS < 1 {
		return fmt.Errorf("nats flush timeout must be >= 1ms")
	}

	if Config.Registration.Subject == "" {
		return fmt.Errorf("registration subject is required")
	}

	if Config.Registration.TimeoutMS < 1 {
		return fmt.Errorf("registration timeout must be >= 1ms")
	}

	if Config.Registration.AdmissionTimeoutMS < 0 {
		return fmt.Errorf("admission timeout must be >= 0")
	}

	// A waiter must outlive at least one predecessor's registration bound,
	// otherwise a slow but healthy service fails every queued subscription.
	if Config.Registration.AdmissionTimeoutMS > 0 &&
		Config.Registration.AdmissionTimeoutMS < Config.Registration.TimeoutMS {
		return fmt.Errorf("admission timeout (%dms) must be 0 or >= registration timeout (%dms)",
			Config.Registration.AdmissionTimeoutMS, Config.Registration.TimeoutMS)
	}

	if Config.Cache.MemoSize < 1 {
		return fmt.Errorf("cache memo size must be >= 1")
	}

	if len(Config.Cache.IDFields) == 0 {
		return fmt.Errorf("cache id_fields must not be empty")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	mirrorNames := make(map[string]bool, len(Config.Mirrors))
	for _, m := range Config.Mirrors {
		if m.Name == "" {
			return fmt.Errorf("mirror name is required")
		}
		if mirrorNames[m.Name] {
			return fmt.Errorf("duplicate mirror name: %s", m.Name)
		}
		mirrorNames[m.Name] = true

		switch m.Type {
		case "nats":
			if m.NatsURL == "" {
				return fmt.Errorf("mirror %s: nats_url is required", m.Name)
			}
		case "kafka":
			if len(m.Brokers) == 0 {
				return fmt.Errorf("mirror %s: at least one broker is required", m.Name)
			}
		default:
			return fmt.Errorf("mirror %s: unknown type %q", m.Name, m.Type)
		}
	}

	subNames := make(map[string]bool, len(Config.Subscriptions))
	for _, s := range Config.Subscriptions {
		if s.Name == "" || s.Query == "" {
			return fmt.Errorf("subscription entries need both name and query")
		}
		if subNames[s.Name] {
			return fmt.Errorf("duplicate subscription name: %s", s.Name)
		}
		subNames[s.Name] = true
	}

	return nil
}

// GetCachePath returns the directory of the pebble-backed cache
func GetCachePath() string {
	if path.IsAbs(Config.Cache.Dir) {
		return Config.Cache.Dir
	}
	return path.Join(Config.DataDir, Config.Cache.Dir)
}
