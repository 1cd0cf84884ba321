package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Serialization models for device command execution.
const (
	SerialByDevice = "by_device"
	SerialByClass  = "by_class"
	SerialNoSync   = "no_sync"
)

// Transport backends.
const (
	TransportMQTT     = "mqtt"
	TransportHTTP     = "http"
	TransportLoopback = "loopback"
)

// Config is the root configuration structure for the device server.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Polling   PollingConfig   `yaml:"polling"`
	Async     AsyncConfig     `yaml:"async"`
	Registry  RegistryConfig  `yaml:"registry"`
	Transport TransportConfig `yaml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig identifies this process and selects its runtime policies.
type ServerConfig struct {
	// Exec is the executable name, the first half of the server name.
	Exec string `yaml:"exec"`

	// Instance is the instance name given on the command line. Required.
	Instance string `yaml:"instance"`

	// Host overrides the host name published to the registry.
	Host string `yaml:"host"`

	// NoRegistry runs without a registry; export and import become local.
	NoRegistry bool `yaml:"no_registry"`

	// PropertiesFile seeds properties in no-registry mode.
	PropertiesFile string `yaml:"properties_file"`

	// Devices maps class name to device names. Required in no-registry mode,
	// otherwise read from the registry.
	Devices map[string][]string `yaml:"devices"`

	// SerialModel is one of by_device (default), by_class, no_sync.
	SerialModel string `yaml:"serial_model"`

	// CommandTimeout bounds the wait for a device monitor (milliseconds).
	CommandTimeout int `yaml:"command_timeout"`

	// TraceLevel is the 0..5 verbosity given on the command line.
	TraceLevel int `yaml:"trace_level"`
}

// PollingConfig contains polling engine settings.
type PollingConfig struct {
	// RingDepth is the default history depth per polled object.
	RingDepth int `yaml:"ring_depth"`

	// TriggerTimeout bounds how long Trigger waits for the loop (milliseconds).
	TriggerTimeout int `yaml:"trigger_timeout"`

	// TimestampSkew is subtracted from sample timestamps (seconds).
	// Nil selects the engine default.
	TimestampSkew *int64 `yaml:"timestamp_skew"`

	// Tick is the scheduling loop resolution (milliseconds).
	Tick int `yaml:"tick"`

	// Disabled prevents the loop from starting at boot.
	Disabled bool `yaml:"disabled"`
}

// AsyncConfig contains asynchronous call settings.
type AsyncConfig struct {
	// CallbackMode is "push" (default) or "pull".
	CallbackMode string `yaml:"callback_mode"`

	// DrainTimeout is the default timeout for reply draining (milliseconds).
	DrainTimeout int `yaml:"drain_timeout"`
}

// RegistryConfig contains the SQLite-backed registry settings.
type RegistryConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// StartupJitter is the maximum random delay before the duplicate-run
	// check (milliseconds).
	StartupJitter int `yaml:"startup_jitter"`

	// ProbeTimeout bounds the liveness probe of a possibly running twin
	// (milliseconds).
	ProbeTimeout int `yaml:"probe_timeout"`
}

// TransportConfig selects the request/reply backend.
type TransportConfig struct {
	// Backend is mqtt (default), http or loopback.
	Backend string `yaml:"backend"`

	// RequestTimeout bounds a synchronous remote call (milliseconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP transport settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains poll event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains the optional polling history export settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains HTTP transport authentication settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings. An empty secret disables auth.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVSERVER_SECTION_KEY
// For example: DEVSERVER_REGISTRY_PATH, DEVSERVER_MQTT_HOST
//
// An empty path skips step 2, which suits no-registry runs driven purely
// by command line flags.
//
// Parameters:
//   - path: Path to the YAML configuration file, or ""
//
// Returns:
//   - *Config: Loaded configuration (not yet validated, see Validate)
//   - error: If file cannot be read or parsed
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Exec:           "devserver",
			SerialModel:    SerialByDevice,
			CommandTimeout: 3200,
			TraceLevel:     2,
		},
		Polling: PollingConfig{
			RingDepth:      10,
			TriggerTimeout: 3200,
			Tick:           100,
		},
		Async: AsyncConfig{
			CallbackMode: "push",
			DrainTimeout: 0,
		},
		Registry: RegistryConfig{
			Path:          "./data/registry.db",
			WALMode:       true,
			BusyTimeout:   5,
			StartupJitter: 1000,
			ProbeTimeout:  3000,
		},
		Transport: TransportConfig{
			Backend:        TransportMQTT,
			RequestTimeout: 3000,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "devserver",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 10000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVSERVER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Registry location; read once here and consumed by the registry client only.
	if v := os.Getenv("DEVSERVER_REGISTRY_PATH"); v != "" {
		cfg.Registry.Path = v
	}

	if v := os.Getenv("DEVSERVER_INSTANCE"); v != "" {
		cfg.Server.Instance = v
	}
	if v := os.Getenv("DEVSERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DEVSERVER_SERIAL_MODEL"); v != "" {
		cfg.Server.SerialModel = v
	}

	if v := os.Getenv("DEVSERVER_POLL_RING_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Polling.RingDepth = n
		}
	}

	if v := os.Getenv("DEVSERVER_TRANSPORT"); v != "" {
		cfg.Transport.Backend = v
	}

	// MQTT
	if v := os.Getenv("DEVSERVER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVSERVER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVSERVER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("DEVSERVER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("DEVSERVER_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Exec == "" {
		errs = append(errs, "server.exec is required")
	}
	if c.Server.Instance == "" {
		errs = append(errs, "server.instance is required")
	}
	if strings.Contains(c.Server.Instance, "/") || strings.Contains(c.Server.Exec, "/") {
		errs = append(errs, "server.exec and server.instance must not contain '/'")
	}

	// A device list only makes sense when nothing can be read from a registry.
	if len(c.Server.Devices) > 0 && !c.Server.NoRegistry {
		errs = append(errs, "server.devices is only valid with server.no_registry")
	}
	if c.Server.NoRegistry && len(c.Server.Devices) == 0 {
		errs = append(errs, "server.devices is required with server.no_registry")
	}

	switch c.Server.SerialModel {
	case SerialByDevice, SerialByClass, SerialNoSync:
	default:
		errs = append(errs, "server.serial_model must be by_device, by_class or no_sync")
	}

	if c.Server.TraceLevel < 0 || c.Server.TraceLevel > 5 {
		errs = append(errs, "server.trace_level must be between 0 and 5")
	}

	if c.Polling.RingDepth < 1 {
		errs = append(errs, "polling.ring_depth must be at least 1")
	}
	if c.Polling.TriggerTimeout < 1 {
		errs = append(errs, "polling.trigger_timeout must be positive")
	}
	if c.Polling.Tick < 1 {
		errs = append(errs, "polling.tick must be positive")
	}

	switch c.Async.CallbackMode {
	case "push", "pull":
	default:
		errs = append(errs, "async.callback_mode must be push or pull")
	}

	if !c.Server.NoRegistry && c.Registry.Path == "" {
		errs = append(errs, "registry.path is required unless server.no_registry is set")
	}

	switch c.Transport.Backend {
	case TransportMQTT, TransportHTTP, TransportLoopback:
	default:
		errs = append(errs, "transport.backend must be mqtt, http or loopback")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Port 0 listens on an ephemeral port.
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ServerName returns "<exec>/<instance>".
func (c *Config) ServerName() string {
	return c.Server.Exec + "/" + c.Server.Instance
}

// CommandTimeout returns the device monitor wait as a Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Server.CommandTimeout) * time.Millisecond
}

// TriggerTimeout returns the polling trigger wait as a Duration.
func (c *Config) TriggerTimeout() time.Duration {
	return time.Duration(c.Polling.TriggerTimeout) * time.Millisecond
}

// PollTick returns the polling loop resolution as a Duration.
func (c *Config) PollTick() time.Duration {
	return time.Duration(c.Polling.Tick) * time.Millisecond
}

// StartupJitter returns the duplicate-run jitter bound as a Duration.
func (c *Config) StartupJitter() time.Duration {
	return time.Duration(c.Registry.StartupJitter) * time.Millisecond
}

// ProbeTimeout returns the liveness probe bound as a Duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Registry.ProbeTimeout) * time.Millisecond
}

// RequestTimeout returns the synchronous remote call bound as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Transport.RequestTimeout) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
