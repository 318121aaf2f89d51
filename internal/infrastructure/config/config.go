package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway service.
// Values are loaded from YAML and may be overridden by environment variables.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Database     DatabaseConfig     `yaml:"database"`
	CommandQueue CommandQueueConfig `yaml:"command_queue"`
	Gateways     GatewaysConfig     `yaml:"gateways"`
	Sync         SyncConfig         `yaml:"sync"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Redis        RedisConfig        `yaml:"redis"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServiceConfig identifies this cloud instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// CommandQueueConfig selects the queue store and tunes the dispatcher.
type CommandQueueConfig struct {
	// Enabled turns the dispatcher on. The queue itself is always constructed
	// and degrades to a no-op when its store is unavailable.
	Enabled bool `yaml:"enabled"`

	// Driver is "sqlite" (shares the main database) or "postgres".
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`

	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`

	Retry RetryConfig `yaml:"retry"`
}

// PostgresConfig contains the shared command-queue database settings.
type PostgresConfig struct {
	URL         string `yaml:"url"`
	MaxConns    int32  `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RetryConfig is the command retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// GatewaysConfig holds transport defaults applied to every gateway, plus an
// optional list of gateways to seed into the configuration store at start-up.
type GatewaysConfig struct {
	HandshakeTimeout     time.Duration    `yaml:"handshake_timeout"`
	KeepAliveInterval    time.Duration    `yaml:"keep_alive_interval"`
	HeartbeatInterval    time.Duration    `yaml:"heartbeat_interval"` // zero: protocol-declared
	ReconnectBaseDelay   time.Duration    `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int              `yaml:"max_reconnect_attempts"`
	RequestTimeout       time.Duration    `yaml:"request_timeout"`
	ResponseTimeout      time.Duration    `yaml:"response_timeout"`
	DefaultPollFrequency time.Duration    `yaml:"default_poll_frequency"`
	Simulation           SimulationConfig `yaml:"simulation"`
	Seed                 []GatewaySeed    `yaml:"seed"`
}

// SimulationConfig tunes the simulated transport.
type SimulationConfig struct {
	MinLatency  time.Duration `yaml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency"`
	Reliability float64       `yaml:"reliability"`
	DeviceCount int           `yaml:"device_count"`
}

// GatewaySeed is a gateway definition written to the store on start-up.
type GatewaySeed struct {
	ID                   string        `yaml:"id"`
	FacilityID           string        `yaml:"facility_id"`
	Name                 string        `yaml:"name"`
	Type                 string        `yaml:"type"`
	ConnectionURL        string        `yaml:"connection_url"`
	BaseURL              string        `yaml:"base_url"`
	APIKey               string        `yaml:"api_key"`
	ProtocolVersion      string        `yaml:"protocol_version"`
	KeyManagementVersion string        `yaml:"key_management_version"`
	PollFrequency        time.Duration `yaml:"poll_frequency"`
	IgnoreTLSValidation  bool          `yaml:"ignore_tls_validation"`
}

// SyncConfig controls serialization of device synchronization.
type SyncConfig struct {
	// LockBackend is "local" (in-process) or "redis" (shared across replicas).
	LockBackend string        `yaml:"lock_backend"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// KafkaConfig contains event producer settings.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	Compression  string   `yaml:"compression"`
	RequiredAcks string   `yaml:"required_acks"`
	BatchSize    int      `yaml:"batch_size"`
	BatchTimeout int      `yaml:"batch_timeout_ms"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
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

// WebSocketConfig contains operator event-stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BLULOK_SECTION_KEY
// For example: BLULOK_DATABASE_PATH, BLULOK_QUEUE_POSTGRES_URL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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
			ID:   "blulok-cloud",
			Name: "BluLok Cloud",
		},
		Database: DatabaseConfig{
			Path:        "./data/blulok.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		CommandQueue: CommandQueueConfig{
			Enabled:      true,
			Driver:       "sqlite",
			Workers:      4,
			PollInterval: 2 * time.Second,
			BatchSize:    20,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   30 * time.Second,
				MaxDelay:    30 * time.Minute,
			},
		},
		Gateways: GatewaysConfig{
			HandshakeTimeout:     10 * time.Second,
			KeepAliveInterval:    30 * time.Second,
			ReconnectBaseDelay:   5 * time.Second,
			MaxReconnectAttempts: 10,
			RequestTimeout:       15 * time.Second,
			ResponseTimeout:      10 * time.Second,
			DefaultPollFrequency: 30 * time.Second,
			Simulation: SimulationConfig{
				MinLatency:  10 * time.Millisecond,
				MaxLatency:  100 * time.Millisecond,
				Reliability: 1.0,
				DeviceCount: 5,
			},
		},
		Sync: SyncConfig{
			LockBackend: "local",
			LockTTL:     30 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "blulok-cloud",
			},
			QoS:         1,
			TopicPrefix: "blulok",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Kafka: KafkaConfig{
			Topic:        "blulok.gateway-events",
			Compression:  "snappy",
			RequiredAcks: "one",
			BatchSize:    100,
			BatchTimeout: 50,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "blulok",
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BLULOK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLULOK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("BLULOK_QUEUE_DRIVER"); v != "" {
		cfg.CommandQueue.Driver = v
	}
	if v := os.Getenv("BLULOK_QUEUE_POSTGRES_URL"); v != "" {
		cfg.CommandQueue.Postgres.URL = v
	}
	if v := os.Getenv("BLULOK_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CommandQueue.Workers = n
		}
	}

	if v := os.Getenv("BLULOK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BLULOK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BLULOK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("BLULOK_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := os.Getenv("BLULOK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BLULOK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("BLULOK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("BLULOK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("BLULOK_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}

	if v := os.Getenv("BLULOK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
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

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.CommandQueue.Driver {
	case "sqlite":
	case "postgres":
		if c.CommandQueue.Postgres.URL == "" {
			errs = append(errs, "command_queue.postgres.url is required when driver is postgres (set BLULOK_QUEUE_POSTGRES_URL)")
		}
	default:
		errs = append(errs, fmt.Sprintf("command_queue.driver must be sqlite or postgres, got %q", c.CommandQueue.Driver))
	}
	if c.CommandQueue.Workers < 1 {
		errs = append(errs, "command_queue.workers must be at least 1")
	}
	if c.CommandQueue.BatchSize < 1 {
		errs = append(errs, "command_queue.batch_size must be at least 1")
	}
	if c.CommandQueue.Retry.MaxAttempts < 1 {
		errs = append(errs, "command_queue.retry.max_attempts must be at least 1")
	}

	sim := c.Gateways.Simulation
	if sim.Reliability < 0 || sim.Reliability > 1 {
		errs = append(errs, "gateways.simulation.reliability must be between 0 and 1")
	}
	if sim.MaxLatency < sim.MinLatency {
		errs = append(errs, "gateways.simulation.max_latency must not be less than min_latency")
	}
	if c.Gateways.MaxReconnectAttempts < 0 {
		errs = append(errs, "gateways.max_reconnect_attempts must not be negative")
	}
	for i, seed := range c.Gateways.Seed {
		if seed.ID == "" {
			errs = append(errs, fmt.Sprintf("gateways.seed[%d].id is required", i))
		}
		if seed.Type == "" {
			errs = append(errs, fmt.Sprintf("gateways.seed[%d].type is required", i))
		}
	}

	switch c.Sync.LockBackend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Sprintf("sync.lock_backend must be local or redis, got %q", c.Sync.LockBackend))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required when kafka is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
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
