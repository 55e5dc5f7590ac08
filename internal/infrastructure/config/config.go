package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the IoT routing core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Cache       CacheConfig       `yaml:"cache"`
	DeviceState DeviceStateConfig `yaml:"device_state"`
	Directory   DirectoryConfig   `yaml:"directory"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Actions     ActionsConfig     `yaml:"actions"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServiceConfig identifies this process instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains MQTT broker connection settings.
// The same shape describes the central broker and every tenant's private broker.
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// CacheConfig selects and configures the device state backend.
type CacheConfig struct {
	// Driver is "redis" or "sqlite".
	Driver string            `yaml:"driver"`
	Redis  RedisCacheConfig  `yaml:"redis"`
	SQLite SQLiteCacheConfig `yaml:"sqlite"`
}

// RedisCacheConfig contains Redis connection settings.
type RedisCacheConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

// SQLiteCacheConfig contains settings for the embedded SQLite backend.
type SQLiteCacheConfig struct {
	Path            string `yaml:"path"`
	WALMode         bool   `yaml:"wal_mode"`
	BusyTimeout     int    `yaml:"busy_timeout"`
	JanitorInterval int    `yaml:"janitor_interval"`
}

// DeviceStateConfig contains cache eviction policy.
type DeviceStateConfig struct {
	// OfflineExpiry is how long (hours) an offline gateway's data survives.
	OfflineExpiry int `yaml:"offline_expiry"`
	// MaxChildren caps the number of devices tracked under one gateway.
	MaxChildren int `yaml:"max_children"`
}

// DirectoryConfig points at the asset directory and action backend.
type DirectoryConfig struct {
	URL      string `yaml:"url"`
	AuthCode string `yaml:"auth_code"`
	Timeout  int    `yaml:"timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string   `yaml:"path"`
	MaxMessageSize int      `yaml:"max_message_size"`
	PingInterval   int      `yaml:"ping_interval"`
	PongTimeout    int      `yaml:"pong_timeout"`
	SendBuffer     int      `yaml:"send_buffer"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// IngestConfig controls the central broker ingest loop.
type IngestConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BridgeConfig controls per-tenant broker bridging.
type BridgeConfig struct {
	Enabled bool `yaml:"enabled"`
	// SyncInterval is how often (seconds) the tenant list is refreshed.
	SyncInterval int `yaml:"sync_interval"`
	// ReconcileInterval is how often (seconds) each bridge refreshes its device roster.
	ReconcileInterval int `yaml:"reconcile_interval"`
	// ClientIDPrefix prefixes the central-broker client id of each bridge.
	ClientIDPrefix string `yaml:"client_id_prefix"`
	// DefaultPrivateClientID is used when a tenant URL carries no user part.
	DefaultPrivateClientID string `yaml:"default_private_client_id"`
	// MaxParallelStarts bounds concurrent bridge start-ups during one sync.
	MaxParallelStarts int `yaml:"max_parallel_starts"`
}

// ActionsConfig controls the action coordinator.
type ActionsConfig struct {
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
	Timeout         int `yaml:"timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
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
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IOTCORE_SECTION_KEY
// For example: IOTCORE_MQTT_HOST, IOTCORE_DIRECTORY_AUTH_CODE
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
		Service: ServiceConfig{
			ID:   "iotcore-001",
			Name: "IoT Core",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "iotcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Cache: CacheConfig{
			Driver: "redis",
			Redis: RedisCacheConfig{
				URL:      "redis://localhost:6379/0",
				PoolSize: 20,
			},
			SQLite: SQLiteCacheConfig{
				Path:            "./data/iotcore.db",
				WALMode:         true,
				BusyTimeout:     5,
				JanitorInterval: 300,
			},
		},
		DeviceState: DeviceStateConfig{
			OfflineExpiry: 7 * 24,
			MaxChildren:   1000,
		},
		Directory: DirectoryConfig{
			Timeout: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 17654,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     256,
		},
		Ingest: IngestConfig{
			Enabled: true,
		},
		Bridge: BridgeConfig{
			SyncInterval:           60,
			ReconcileInterval:      60,
			ClientIDPrefix:         "IOTCORE_BRIDGE",
			DefaultPrivateClientID: "IOTCORE_MQTT_BRIDGE",
			MaxParallelStarts:      4,
		},
		Actions: ActionsConfig{
			SweepIntervalMS: 200,
			Timeout:         5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: IOTCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("IOTCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("IOTCORE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("IOTCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("IOTCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Cache
	if v := os.Getenv("IOTCORE_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}
	if v := os.Getenv("IOTCORE_REDIS_URL"); v != "" {
		cfg.Cache.Redis.URL = v
	}
	if v := os.Getenv("IOTCORE_SQLITE_PATH"); v != "" {
		cfg.Cache.SQLite.Path = v
	}

	// Directory - the auth code is a credential, keep it out of config files
	if v := os.Getenv("IOTCORE_DIRECTORY_URL"); v != "" {
		cfg.Directory.URL = v
	}
	if v := os.Getenv("IOTCORE_DIRECTORY_AUTH_CODE"); v != "" {
		cfg.Directory.AuthCode = v
	}

	// API
	if v := os.Getenv("IOTCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("IOTCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.Cache.Driver {
	case "redis":
		if c.Cache.Redis.URL == "" {
			errs = append(errs, "cache.redis.url is required for the redis driver")
		}
	case "sqlite":
		if c.Cache.SQLite.Path == "" {
			errs = append(errs, "cache.sqlite.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be redis or sqlite", c.Cache.Driver))
	}

	if c.DeviceState.OfflineExpiry <= 0 {
		errs = append(errs, "device_state.offline_expiry must be positive")
	}
	if c.DeviceState.MaxChildren <= 0 {
		errs = append(errs, "device_state.max_children must be positive")
	}

	if c.Directory.URL == "" {
		errs = append(errs, "directory.url is required")
	}
	if c.Bridge.Enabled && c.Directory.AuthCode == "" {
		errs = append(errs, "directory.auth_code is required when bridging is enabled (set IOTCORE_DIRECTORY_AUTH_CODE)")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Actions.SweepIntervalMS <= 0 {
		errs = append(errs, "actions.sweep_interval_ms must be positive")
	}
	if c.Actions.Timeout <= 0 {
		errs = append(errs, "actions.timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetOfflineExpiry returns the cascading eviction window.
func (c *Config) GetOfflineExpiry() time.Duration {
	return time.Duration(c.DeviceState.OfflineExpiry) * time.Hour
}

// GetSweepInterval returns the action polling interval.
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Actions.SweepIntervalMS) * time.Millisecond
}

// GetActionTimeout returns the absolute action deadline.
func (c *Config) GetActionTimeout() time.Duration {
	return time.Duration(c.Actions.Timeout) * time.Second
}

// GetSyncInterval returns the bridge tenant sync interval.
func (c *Config) GetSyncInterval() time.Duration {
	return time.Duration(c.Bridge.SyncInterval) * time.Second
}

// GetReconcileInterval returns the per-bridge roster reconcile interval.
func (c *Config) GetReconcileInterval() time.Duration {
	return time.Duration(c.Bridge.ReconcileInterval) * time.Second
}
