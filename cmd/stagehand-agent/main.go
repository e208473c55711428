// Stagehand Agent - AV Device Control
//
// This is the entry point for the Stagehand device agent. One agent runs
// on each controlled device (NDI display host, projector host) and fronts
// that device's modules over MQTT: it subscribes each module's command
// topic, executes commands in arrival order, publishes result events and
// keeps a retained presence document up to date.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stagehand-av/stagehand/internal/agent"
	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
	"github.com/stagehand-av/stagehand/internal/infrastructure/logging"
	"github.com/stagehand-av/stagehand/internal/infrastructure/mqtt"
	"github.com/stagehand-av/stagehand/internal/module"
	"github.com/stagehand-av/stagehand/internal/module/ndi"
	"github.com/stagehand-av/stagehand/internal/module/projector"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/agent.yaml"

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
	log.Info("starting Stagehand agent",
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
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Export the NDI runtime path for the agent process itself; spawned
	// viewers and recorders get their own copy per process.
	if cfg.Modules.NDI.NDIPath != "" {
		if envErr := os.Setenv("NDI_PATH", cfg.Modules.NDI.NDIPath); envErr != nil {
			return fmt.Errorf("setting NDI_PATH: %w", envErr)
		}
	}

	deviceID := cfg.Agent.DeviceID
	var topics mqtt.Topics

	// Connect to MQTT broker with a crash-detected offline will on the
	// device's retained status topic.
	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   topics.DeviceStatus(deviceID),
		Payload: agent.OfflinePayload(deviceID),
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

	// Build the agent and its modules
	a := agent.New(deviceID, cfg.Agent.Labels, mqttClient, log)
	for _, name := range cfg.Agent.Modules {
		m, buildErr := buildModule(name, deviceID, cfg, log)
		if buildErr != nil {
			return buildErr
		}
		if regErr := a.Register(m); regErr != nil {
			return fmt.Errorf("registering module %q: %w", name, regErr)
		}
		log.Info("module registered", "module", name)
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}

	// Refresh retained presence after every broker reconnect; the will
	// may have flipped it to offline in between.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if pubErr := a.PublishPresence(); pubErr != nil {
			log.Warn("presence republish failed", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("initialisation complete, waiting for shutdown signal",
		"device_id", deviceID,
		"modules", cfg.Agent.Modules,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. Agent (drains workers, offline presence, module shutdown)
	// 2. MQTT

	log.Info("Stagehand agent stopped")
	return nil
}

// buildModule constructs one configured device module by name.
func buildModule(name, deviceID string, cfg *config.Config, log *logging.Logger) (module.Module, error) {
	switch name {
	case ndi.ModuleName:
		return ndi.New(deviceID, cfg.Modules.NDI, log), nil
	case projector.ModuleName:
		return projector.New(deviceID, cfg.Modules.Projector, log), nil
	default:
		return nil, fmt.Errorf("unknown module %q", name)
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
