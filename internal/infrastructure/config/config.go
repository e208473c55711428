package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure shared by the Stagehand agent
// and relay binaries. All configuration is loaded from YAML and can be
// overridden by environment variables.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Relay    RelayConfig    `yaml:"relay"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Modules  ModulesConfig  `yaml:"modules"`
}

// AgentConfig identifies a device agent and selects the modules it runs.
type AgentConfig struct {
	// DeviceID is the unique identifier of the device this agent fronts.
	// It appears in MQTT topics and reservation keys.
	DeviceID string `yaml:"device_id"`

	// Labels are free-form capability tags advertised in the agent's
	// presence message (e.g. "ndi", "projector", "rack-3").
	Labels []string `yaml:"labels"`

	// Modules lists the device modules to activate: "ndi", "projector".
	Modules []string `yaml:"modules"`
}

// RelayConfig configures the orchestrator-side relay.
type RelayConfig struct {
	// Modules lists the relays to run: "ndi", "projector".
	Modules []string `yaml:"modules"`

	API       APIConfig       `yaml:"api"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// AuthToken, when set, is required as a Bearer token on every
	// non-health endpoint. Set via STAGEHAND_API_AUTH_TOKEN in production.
	AuthToken string `yaml:"auth_token"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DiscoveryConfig configures network video source discovery for the relay.
// The query itself is delegated to an external command; Stagehand only
// caches and serves its output.
type DiscoveryConfig struct {
	// Command is the external query executed to list sources, one
	// identifier per line (e.g. "ndi-directory list"). Empty disables
	// discovery; the sources endpoints then return an empty list.
	Command string `yaml:"command"`

	// Timeout bounds a normal discovery query.
	Timeout time.Duration `yaml:"timeout"`

	// RefreshTimeout bounds a forced refresh query.
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`

	// CacheTTL is how long a discovery result is reused before the
	// command is run again.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// TelemetryConfig contains InfluxDB settings for command telemetry.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DatabaseConfig contains SQLite database settings for the relay's
// reservation registry and command audit trail.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings. Rotation of the
// file itself is owned by the host's log management, not by Stagehand.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// ModulesConfig contains per-module device settings.
type ModulesConfig struct {
	NDI       NDIConfig       `yaml:"ndi"`
	Projector ProjectorConfig `yaml:"projector"`
}

// NDIConfig configures the NDI video module.
type NDIConfig struct {
	// StartCmdTemplate is the viewer launch command. Placeholders
	// {source} and {device_id} are substituted at spawn time.
	StartCmdTemplate string `yaml:"start_cmd_template"`

	// RecordCmdTemplate is the recorder launch command. Placeholders
	// {source}, {device_id} and {output_path} are substituted at spawn
	// time.
	RecordCmdTemplate string `yaml:"record_cmd_template"`

	// RecordDir is where derived recording paths are placed when the
	// caller does not supply output_path.
	RecordDir string `yaml:"record_dir"`

	// SetInputRestart selects whether set_input restarts the viewer with
	// the new source (true) or only updates the remembered input (false).
	SetInputRestart bool `yaml:"set_input_restart"`

	// NDIPath is exported as NDI_PATH in the environment of every
	// spawned process (and of the agent itself at startup).
	NDIPath string `yaml:"ndi_path"`

	// Env holds additional environment overrides merged into spawned
	// process environments.
	Env map[string]string `yaml:"env"`

	// StopGrace is the window allowed for a viewer or recorder process
	// group to exit after the polite signal before it is killed.
	StopGrace time.Duration `yaml:"stop_grace"`
}

// ProjectorConfig configures the serial projector module.
type ProjectorConfig struct {
	// SerialPort is the transport endpoint. Empty with AutoDiscoverPort
	// enabled means the first matching USB serial device is used.
	SerialPort string `yaml:"serial_port"`

	// AutoDiscoverPort enables scanning for a USB serial device when no
	// port is configured.
	AutoDiscoverPort bool `yaml:"auto_discover_port"`

	// BaudRate is the serial symbol rate.
	BaudRate int `yaml:"baud_rate"`

	// ReadTimeout bounds a single serial read while collecting a
	// response.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: STAGEHAND_SECTION_KEY
// For example: STAGEHAND_DATABASE_PATH, STAGEHAND_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Modules: []string{"ndi"},
		},
		Relay: RelayConfig{
			Modules: []string{"ndi", "projector"},
			API: APIConfig{
				Host: "0.0.0.0",
				Port: 8080,
				Timeouts: APITimeoutConfig{
					Read:  30,
					Write: 30,
					Idle:  60,
				},
			},
			Discovery: DiscoveryConfig{
				Timeout:        3 * time.Second,
				RefreshTimeout: 5 * time.Second,
				CacheTTL:       time.Second,
			},
			Telemetry: TelemetryConfig{
				BatchSize:     100,
				FlushInterval: 10,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "stagehand",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/stagehand.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Modules: ModulesConfig{
			NDI: NDIConfig{
				RecordDir:       "/tmp",
				SetInputRestart: true,
				StopGrace:       2 * time.Second,
			},
			Projector: ProjectorConfig{
				AutoDiscoverPort: true,
				BaudRate:         9600,
				ReadTimeout:      time.Second,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern:
// STAGEHAND_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	// Agent
	if v := os.Getenv("STAGEHAND_DEVICE_ID"); v != "" {
		cfg.Agent.DeviceID = v
	}

	// Database
	if v := os.Getenv("STAGEHAND_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("STAGEHAND_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("STAGEHAND_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("STAGEHAND_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("STAGEHAND_API_HOST"); v != "" {
		cfg.Relay.API.Host = v
	}
	if v := os.Getenv("STAGEHAND_API_AUTH_TOKEN"); v != "" {
		cfg.Relay.API.AuthToken = v
	}

	// Telemetry
	if v := os.Getenv("STAGEHAND_TELEMETRY_TOKEN"); v != "" {
		cfg.Relay.Telemetry.Token = v
	}
}

// Validate checks the configuration sections shared by both binaries.
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateAgent checks the sections the device agent requires.
func (c *Config) ValidateAgent() error {
	var errs []string

	if c.Agent.DeviceID == "" {
		errs = append(errs, "agent.device_id is required (set STAGEHAND_DEVICE_ID environment variable)")
	}
	if len(c.Agent.Modules) == 0 {
		errs = append(errs, "agent.modules must list at least one module")
	}
	for _, m := range c.Agent.Modules {
		if m != "ndi" && m != "projector" {
			errs = append(errs, fmt.Sprintf("agent.modules: unknown module %q", m))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateRelay checks the sections the relay requires.
func (c *Config) ValidateRelay() error {
	var errs []string

	if c.Relay.API.Port < 1 || c.Relay.API.Port > 65535 {
		errs = append(errs, "relay.api.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	for _, m := range c.Relay.Modules {
		if m != "ndi" && m != "projector" {
			errs = append(errs, fmt.Sprintf("relay.modules: unknown module %q", m))
		}
	}
	if c.Relay.Telemetry.Enabled {
		if c.Relay.Telemetry.URL == "" {
			errs = append(errs, "relay.telemetry.url is required when telemetry is enabled")
		}
		if c.Relay.Telemetry.Bucket == "" {
			errs = append(errs, "relay.telemetry.bucket is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Relay.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Relay.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Relay.API.Timeouts.Idle) * time.Second
}
