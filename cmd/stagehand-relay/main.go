// Stagehand Relay - AV Orchestration
//
// This is the entry point for the Stagehand relay. The relay runs on the
// orchestrator host and is the single coordination point of the stack:
// it forwards orchestrator commands to device agents over MQTT, owns the
// reservation registry and command audit trail in SQLite, tracks device
// presence, schedules commands, records telemetry and serves the HTTP
// API with its WebSocket event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/stagehand-av/stagehand/migrations"

	"github.com/stagehand-av/stagehand/internal/audit"
	"github.com/stagehand-av/stagehand/internal/discovery"
	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
	"github.com/stagehand-av/stagehand/internal/infrastructure/database"
	"github.com/stagehand-av/stagehand/internal/infrastructure/logging"
	"github.com/stagehand-av/stagehand/internal/infrastructure/mqtt"
	"github.com/stagehand-av/stagehand/internal/registry"
	"github.com/stagehand-av/stagehand/internal/relay"
	"github.com/stagehand-av/stagehand/internal/relay/api"
	"github.com/stagehand-av/stagehand/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/relay.yaml"

// leaseSweepInterval is how often expired reservations are purged.
const leaseSweepInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Stagehand relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Registry and audit trail share the relay database
	reg := registry.New(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker with a crash-detected offline will on the
	// orchestrator's retained status topic.
	var topics mqtt.Topics
	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   topics.OrchestratorStatus(),
		Payload: relay.OfflinePayload(),
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect telemetry (optional)
	telemetryWriter, err := telemetry.Connect(cfg.Relay.Telemetry)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
		log.Info("telemetry disabled")
	case err != nil:
		return fmt.Errorf("connecting telemetry: %w", err)
	default:
		defer func() {
			log.Info("closing telemetry connection")
			if closeErr := telemetryWriter.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
		telemetryWriter.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry connected",
			"url", cfg.Relay.Telemetry.URL,
			"bucket", cfg.Relay.Telemetry.Bucket,
		)
	}

	// Source discovery (optional, command-driven)
	var sources api.SourceLister
	if cfg.Relay.Discovery.Command != "" {
		finder := discovery.NewExecFinder(cfg.Relay.Discovery.Command, log)
		sources = discovery.NewCache(finder, discovery.CacheConfig{
			TTL:            cfg.Relay.Discovery.CacheTTL,
			Timeout:        cfg.Relay.Discovery.Timeout,
			RefreshTimeout: cfg.Relay.Discovery.RefreshTimeout,
		})
		log.Info("source discovery enabled", "command", cfg.Relay.Discovery.Command)
	} else {
		log.Info("source discovery disabled")
	}

	// Build the relay
	r, err := relay.New(relay.Deps{
		Modules:  cfg.Relay.Modules,
		Bus:      mqttClient,
		Registry: reg,
		Audit:    auditRepo,
		Recorder: telemetryWriter,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	defer r.Close()

	// Build the API server and wire the event stream before either side
	// starts moving traffic.
	server, err := api.New(api.Deps{
		Config:     cfg.Relay.API,
		Logger:     log,
		Registry:   reg,
		Dispatcher: r,
		Sources:    sources,
		Audit:      auditRepo,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	r.SetOnAck(server.Hub().BroadcastAck)
	r.SetOnEvent(server.Hub().BroadcastEvent)

	if err := r.Start(); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	if err := r.PublishStatus(true); err != nil {
		log.Warn("initial status publish failed", "error", err)
	}

	// Refresh the retained status after every broker reconnect; the will
	// may have flipped it to offline in between.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if pubErr := r.PublishStatus(true); pubErr != nil {
			log.Warn("status republish failed", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Periodically purge expired reservations
	go sweepLeases(ctx, reg, log)

	log.Info("initialisation complete, waiting for shutdown signal",
		"modules", cfg.Relay.Modules,
		"api", fmt.Sprintf("%s:%d", cfg.Relay.API.Host, cfg.Relay.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Flip the retained status to offline while the connection is still up.
	if err := r.PublishStatus(false); err != nil {
		log.Warn("offline status publish failed", "error", err)
	}

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. Relay (scheduler)
	// 3. Telemetry (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("Stagehand relay stopped")
	return nil
}

// sweepLeases purges expired reservations on a fixed interval until the
// context is cancelled.
func sweepLeases(ctx context.Context, reg *registry.Registry, log *logging.Logger) {
	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reg.Sweep(ctx)
			if err != nil {
				log.Warn("lease sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("expired leases purged", "count", n)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses STAGEHAND_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("STAGEHAND_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
