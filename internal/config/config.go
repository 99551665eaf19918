// Package config provides configuration loading and management for the order relay.
// It supports loading configuration from YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver identifies the broker client implementation.
type Driver string

const (
	// DriverMemory relays through an in-process queue.
	DriverMemory Driver = "memory"
	// DriverKafka uses a Kafka topic.
	DriverKafka Driver = "kafka"
	// DriverRabbitMQ uses an AMQP 0-9-1 queue.
	DriverRabbitMQ Driver = "rabbitmq"
	// DriverNATS uses a NATS subject with a queue group.
	DriverNATS Driver = "nats"
	// DriverRedis uses a Redis stream with a consumer group.
	DriverRedis Driver = "redis"
)

// IsValid returns true if the driver is supported.
func (d Driver) IsValid() bool {
	switch d {
	case DriverMemory, DriverKafka, DriverRabbitMQ, DriverNATS, DriverRedis:
		return true
	}
	return false
}

// Environment variables that override values from the config file.
const (
	EnvBrokerDriver   = "ORDERRELAY_BROKER_DRIVER"
	EnvBrokerEndpoint = "ORDERRELAY_BROKER_ENDPOINT"
	EnvBrokerUser     = "ORDERRELAY_BROKER_USER"
	EnvBrokerPassword = "ORDERRELAY_BROKER_PASSWORD"
)

// Validation errors returned by Config.Validate.
var (
	ErrUnknownDriver      = errors.New("unknown broker driver")
	ErrEmptyQueue         = errors.New("broker queue is required")
	ErrInvalidConcurrency = errors.New("broker concurrency must be at least 1")
)

// Config represents the complete application configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Relay  RelayConfig  `yaml:"relay"`
	Redis  RedisConfig  `yaml:"redis"`
	Logger LoggerConfig `yaml:"logger"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// BrokerConfig holds the broker connection settings shared by every driver.
// Drivers map the generic names onto their own concepts, e.g. the queue
// manager becomes the AMQP virtual host and the channel becomes the consumer
// group for Kafka, NATS and Redis.
type BrokerConfig struct {
	Driver       Driver `yaml:"driver"`
	QueueManager string `yaml:"queue_manager"`
	Channel      string `yaml:"channel"`
	// Endpoint is the broker address in host:port format. Kafka accepts a
	// comma separated list.
	Endpoint string `yaml:"endpoint"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Queue is the destination that orders are published to and consumed from.
	Queue string `yaml:"queue"`
	// Concurrency is the number of delivery loops run by the listener.
	Concurrency    int           `yaml:"concurrency"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ConsumerGroup overrides the channel as the consumer group name.
	ConsumerGroup string `yaml:"consumer_group"`
}

// Group returns the consumer group shared by the delivery loops.
func (c *BrokerConfig) Group() string {
	if c.ConsumerGroup != "" {
		return c.ConsumerGroup
	}
	return c.Channel
}

// RelayConfig holds settings for reading from the relay buffer over HTTP.
type RelayConfig struct {
	TakeTimeout    time.Duration `yaml:"take_timeout"`
	MaxTakeTimeout time.Duration `yaml:"max_take_timeout"`
}

// RedisConfig holds settings specific to the redis streams driver.
type RedisConfig struct {
	DB        int   `yaml:"db"`
	MaxLen    int64 `yaml:"max_len"`
	BatchSize int   `yaml:"batch_size"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads configuration from the specified YAML file path.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	// Clean the path to prevent path traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes, applies environment
// overrides and defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg, os.LookupEnv)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks that the configuration can be used to start the service.
func (c *Config) Validate() error {
	if !c.Broker.Driver.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Broker.Driver)
	}
	if strings.TrimSpace(c.Broker.Queue) == "" {
		return ErrEmptyQueue
	}
	if c.Broker.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	return nil
}

// applyEnv overlays broker settings from the environment so that
// credentials do not have to live in the config file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBrokerDriver); ok && v != "" {
		cfg.Broker.Driver = Driver(strings.ToLower(v))
	}
	if v, ok := lookup(EnvBrokerEndpoint); ok && v != "" {
		cfg.Broker.Endpoint = v
	}
	if v, ok := lookup(EnvBrokerUser); ok {
		cfg.Broker.User = v
	}
	if v, ok := lookup(EnvBrokerPassword); ok {
		cfg.Broker.Password = v
	}
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 40 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Broker defaults
	if cfg.Broker.Driver == "" {
		cfg.Broker.Driver = DriverMemory
	}
	// RabbitMQ uses the queue manager as the vhost, so it keeps the
	// broker's default "/" unless one is configured.
	if cfg.Broker.QueueManager == "" && cfg.Broker.Driver != DriverRabbitMQ {
		cfg.Broker.QueueManager = "QM1"
	}
	if cfg.Broker.Channel == "" {
		cfg.Broker.Channel = "DEV.APP.SVRCONN"
	}
	if cfg.Broker.Endpoint == "" {
		cfg.Broker.Endpoint = defaultEndpoint(cfg.Broker.Driver)
	}
	if cfg.Broker.User == "" {
		cfg.Broker.User = "app"
	}
	if cfg.Broker.Queue == "" {
		cfg.Broker.Queue = "DEV.QUEUE.1"
	}
	if cfg.Broker.Concurrency == 0 {
		cfg.Broker.Concurrency = 1
	}
	if cfg.Broker.ConnectTimeout == 0 {
		cfg.Broker.ConnectTimeout = 5 * time.Second
	}

	// Relay defaults
	if cfg.Relay.TakeTimeout == 0 {
		cfg.Relay.TakeTimeout = 5 * time.Second
	}
	if cfg.Relay.MaxTakeTimeout == 0 {
		cfg.Relay.MaxTakeTimeout = 30 * time.Second
	}

	// Redis defaults
	if cfg.Redis.BatchSize == 0 {
		cfg.Redis.BatchSize = 1
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// defaultEndpoint returns the conventional local address for a driver.
func defaultEndpoint(d Driver) string {
	switch d {
	case DriverKafka:
		return "localhost:9092"
	case DriverRabbitMQ:
		return "localhost:5672"
	case DriverNATS:
		return "localhost:4222"
	case DriverRedis:
		return "localhost:6379"
	default:
		return ""
	}
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Endpoints splits the endpoint into individual broker addresses.
func (c *BrokerConfig) Endpoints() []string {
	var out []string
	for _, part := range strings.Split(c.Endpoint, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
