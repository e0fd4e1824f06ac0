package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/liveq/admin"
	"github.com/maxpert/liveq/cache"
	"github.com/maxpert/liveq/cfg"
	"github.com/maxpert/liveq/client"
	"github.com/maxpert/liveq/normalize"
	"github.com/maxpert/liveq/publisher"
	_ "github.com/maxpert/liveq/publisher/sink"
	"github.com/maxpert/liveq/telemetry"
	"github.com/maxpert/liveq/transport"
	"github.com/maxpert/liveq/watcher"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("LiveQ - ordered live query client")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	log.Info().Str("path", cfg.GetCachePath()).Msg("Opening record cache")
	store, err := cache.Open(cache.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record cache")
		return
	}
	defer store.Close()

	mirrors, err := publisher.NewRegistry(cfg.Config.Mirrors)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize record mirrors")
		return
	}
	for _, m := range mirrors.Mirrors() {
		store.AddMirror(m)
	}
	mirrors.Start()
	defer mirrors.Stop()

	nc, err := transport.Connect(cfg.Config.NATS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
		return
	}
	defer nc.Close()

	c := client.New(nc, store, client.OptionsFromConfig(cfg.Config))

	collector := telemetry.NewMetricsCollector(c, c, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(c, store, mirrors)
		adminServer = admin.NewServer(handlers, cfg.Config.Admin.Secret, telemetry.GetMetricsHandler())
		address := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		if err := adminServer.Start(address); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
	}

	subs := subscribeConfigured(c)

	log.Info().
		Uint64("client_id", cfg.Config.ClientID).
		Int("subscriptions", len(subs)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("LiveQ started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server did not stop cleanly")
		}
	}
	for _, sub := range subs {
		sub.Close()
	}
	if err := c.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Watchers did not finish before shutdown deadline")
	}
}

// subscribeConfigured starts every [[subscription]] from the config in file order,
// which is also their registration order
func subscribeConfigured(c *client.Client) []*client.Subscription {
	subs := make([]*client.Subscription, 0, len(cfg.Config.Subscriptions))
	for _, sc := range cfg.Config.Subscriptions {
		op := watcher.Operation{Name: sc.Name, Query: sc.Query, Variables: sc.Variables}
		sub, err := c.Subscribe(op, logResults(sc.Name))
		if err != nil {
			log.Error().Err(err).Str("subscription", sc.Name).Msg("Failed to subscribe")
			continue
		}
		subs = append(subs, sub)

		go func(name string, sub *client.Subscription) {
			topics, err := sub.Ready().Get()
			if err != nil {
				log.Error().Err(err).Str("subscription", name).Msg("Subscription failed to register")
				return
			}
			log.Info().Str("subscription", name).Strs("topics", topics).Msg("Subscription active")
		}(sc.Name, sub)
	}
	return subs
}

func logResults(name string) watcher.Handler {
	return func(result *normalize.Result, _ cache.Txn, err error) {
		if err != nil {
			log.Warn().Err(err).Str("subscription", name).Msg("Subscription error")
			return
		}
		log.Info().Str("subscription", name).Strs("records", result.Keys).Msg("Result received")
	}
}
