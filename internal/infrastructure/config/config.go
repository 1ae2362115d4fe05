package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override.
const envPrefix = "HOMELINK_"

// Config is the root configuration structure for Homelink Core.
// Values come from defaults, then YAML, then HOMELINK_* environment variables.
type Config struct {
	Tenant       TenantConfig       `yaml:"tenant"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
	Sync         SyncConfig         `yaml:"sync"`
	Automation   AutomationConfig   `yaml:"automation"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Bridges      BridgesConfig      `yaml:"bridges"`
}

// TenantConfig names the tenant used when a caller carries no tenant scope.
type TenantConfig struct {
	Default string `yaml:"default"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains broker connection settings shared by all tenant sessions.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// PublishQueueSize bounds the publishes held while a session reconnects.
	// Zero disables queueing: publishes fail fast with ErrReconnecting.
	PublishQueueSize int `yaml:"publish_queue_size"`

	// ChannelBuffer bounds the per-channel inbound mailbox.
	ChannelBuffer int `yaml:"channel_buffer"`

	// ConnectTimeout and PublishTimeout are in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`
	PublishTimeout int `yaml:"publish_timeout"`

	// Tenants overrides the broker per tenant ID.
	Tenants map[string]MQTTBrokerConfig `yaml:"tenants"`
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

// MQTTReconnectConfig drives the session backoff. Delays are in seconds.
// Retries are unbounded.
type MQTTReconnectConfig struct {
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
}

// BrokerFor returns the broker settings for a tenant, falling back to the default broker.
func (m MQTTConfig) BrokerFor(tenantID string) MQTTBrokerConfig {
	broker := m.Broker
	if override, ok := m.Tenants[tenantID]; ok {
		if override.Host != "" {
			broker.Host = override.Host
		}
		if override.Port != 0 {
			broker.Port = override.Port
		}
		if override.ClientID != "" {
			broker.ClientID = override.ClientID
		}
		broker.TLS = broker.TLS || override.TLS
	}
	return broker
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
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
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT verification settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// SyncConfig controls the device state synchroniser.
type SyncConfig struct {
	// LivenessWindow is how long (seconds) a device may stay silent before it is marked offline.
	LivenessWindow int `yaml:"liveness_window"`

	// SweepInterval is how often (seconds) the offline sweep runs.
	SweepInterval int `yaml:"sweep_interval"`

	// HistoryRetention is how long (hours) state history rows are kept. Zero keeps everything.
	HistoryRetention int `yaml:"history_retention"`
}

// AutomationConfig controls the rule engine.
type AutomationConfig struct {
	// Timezone is used for daily "at" schedules.
	Timezone string `yaml:"timezone"`

	// ExecutionTimeout bounds one rule execution, in seconds.
	ExecutionTimeout int `yaml:"execution_timeout"`
}

// CapabilitiesConfig points at optional catalog overrides.
type CapabilitiesConfig struct {
	CatalogFile string `yaml:"catalog_file"`
}

// BridgesConfig lists vendor bridges to start at boot.
type BridgesConfig struct {
	HealthInterval int                 `yaml:"health_interval"`
	Autostart      []BridgeStartConfig `yaml:"autostart"`
}

// BridgeStartConfig identifies one bridge.
type BridgeStartConfig struct {
	Tenant string `yaml:"tenant"`
	Vendor string `yaml:"vendor"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HOMELINK_SECTION_KEY
// For example: HOMELINK_DATABASE_PATH, HOMELINK_MQTT_HOST
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
		Tenant: TenantConfig{
			Default: "default",
		},
		Database: DatabaseConfig{
			Path:        "./data/homelink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "homelink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				Multiplier:   2,
			},
			PublishQueueSize: 256,
			ChannelBuffer:    1024,
			ConnectTimeout:   10,
			PublishTimeout:   5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
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
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Sync: SyncConfig{
			LivenessWindow:   300,
			SweepInterval:    30,
			HistoryRetention: 24 * 7,
		},
		Automation: AutomationConfig{
			Timezone:         "UTC",
			ExecutionTimeout: 60,
		},
		Bridges: BridgesConfig{
			HealthInterval: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	overrideString("TENANT_DEFAULT", &cfg.Tenant.Default)
	overrideString("DATABASE_PATH", &cfg.Database.Path)

	overrideString("MQTT_HOST", &cfg.MQTT.Broker.Host)
	overrideInt("MQTT_PORT", &cfg.MQTT.Broker.Port)
	overrideString("MQTT_CLIENT_ID", &cfg.MQTT.Broker.ClientID)
	overrideString("MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	overrideString("MQTT_PASSWORD", &cfg.MQTT.Auth.Password)
	overrideInt("MQTT_PUBLISH_QUEUE_SIZE", &cfg.MQTT.PublishQueueSize)

	overrideString("API_HOST", &cfg.API.Host)
	overrideInt("API_PORT", &cfg.API.Port)

	overrideString("INFLUXDB_URL", &cfg.InfluxDB.URL)
	overrideString("INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	overrideString("LOGGING_LEVEL", &cfg.Logging.Level)

	// Always override the secret in production.
	overrideString("JWT_SECRET", &cfg.Security.JWT.Secret)
}

func overrideString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func overrideInt(key string, dst *int) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Tenant.Default == "" {
		errs = append(errs, "tenant.default is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.PublishQueueSize < 0 {
		errs = append(errs, "mqtt.publish_queue_size must not be negative")
	}
	if c.MQTT.ChannelBuffer < 1 {
		errs = append(errs, "mqtt.channel_buffer must be at least 1")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be below initial_delay")
	}
	if c.MQTT.Reconnect.Multiplier < 1 {
		errs = append(errs, "mqtt.reconnect.multiplier must be at least 1")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Sync.LivenessWindow < 1 {
		errs = append(errs, "sync.liveness_window must be at least 1")
	}
	if c.Sync.SweepInterval < 1 {
		errs = append(errs, "sync.sweep_interval must be at least 1")
	}

	if _, err := time.LoadLocation(c.Automation.Timezone); err != nil {
		errs = append(errs, "automation.timezone is not a valid IANA zone")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set HOMELINK_JWT_SECRET)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	for i, b := range c.Bridges.Autostart {
		if b.Tenant == "" || b.Vendor == "" {
			errs = append(errs, fmt.Sprintf("bridges.autostart[%d] needs tenant and vendor", i))
		}
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

// LivenessWindow returns sync.liveness_window as a Duration.
func (c *Config) LivenessWindow() time.Duration {
	return time.Duration(c.Sync.LivenessWindow) * time.Second
}

// SweepInterval returns sync.sweep_interval as a Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sync.SweepInterval) * time.Second
}
