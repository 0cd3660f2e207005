// Package config loads zmqnotify configuration from environment variables,
// with an optional YAML file for notification bindings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bardlex/zmqnotify/internal/notify"
)

// DefaultSendHighWaterMark is the per-topic queue bound the daemon uses when
// neither the binding nor the environment sets one
const DefaultSendHighWaterMark = 100000

// Config holds the configuration shared by zmqpubd and zmqsub
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string
	InstanceID  string

	// Notification publishing
	Bindings          []notify.Binding
	ConfigFile        string
	SendHighWaterMark int
	ShutdownTimeout   time.Duration
	StatsInterval     time.Duration

	// Introspection HTTP endpoint, empty disables it
	HTTPListenAddr string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Subscriber
	SubscribeEndpoint string
	SubscribeTopics   []notify.Topic
	ResyncCooldown    time.Duration

	// Bitcoin Core connection
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string

	// Kafka configuration
	KafkaBrokers     []string
	KafkaEngineTopic string
	KafkaGroupID     string

	// PostgreSQL archive, disabled when PostgresHost is empty
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis checkpoints, disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// InfluxDB metrics, disabled when InfluxURL is empty
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "zmqnotify"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),
		InstanceID:  getEnv("INSTANCE_ID", hostname),

		ConfigFile:        getEnv("ZMQ_CONFIG_FILE", ""),
		SendHighWaterMark: getEnvInt("ZMQ_SNDHWM", DefaultSendHighWaterMark),
		ShutdownTimeout:   getEnvDuration("ZMQ_SHUTDOWN_TIMEOUT", 5*time.Second),
		StatsInterval:     getEnvDuration("STATS_INTERVAL", 15*time.Second),

		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 10*time.Second),

		SubscribeEndpoint: getEnv("ZMQ_SUBSCRIBE_ENDPOINT", "tcp://127.0.0.1:28332"),
		ResyncCooldown:    getEnvDuration("ZMQ_RESYNC_COOLDOWN", 5*time.Second),

		BitcoinRPCHost:     getEnv("BITCOIN_RPC_HOST", "localhost"),
		BitcoinRPCPort:     getEnvInt("BITCOIN_RPC_PORT", 8332),
		BitcoinRPCUser:     getEnv("BITCOIN_RPC_USER", ""),
		BitcoinRPCPassword: getEnv("BITCOIN_RPC_PASSWORD", ""),

		KafkaBrokers:     getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaEngineTopic: getEnv("KAFKA_ENGINE_TOPIC", "zmqnotify.engine_events"),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "zmqpubd"),

		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "zmqnotify"),
		PostgresUser:     getEnv("POSTGRES_USER", "zmqnotify"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "zmqnotify"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "notifications"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	bindings, err := LoadBindings(cfg.ConfigFile, os.Getenv("ZMQ_BINDINGS"), cfg.SendHighWaterMark, hwmOverrides())
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.Bindings = bindings

	topics, err := ParseTopics(getEnv("ZMQ_SUBSCRIBE_TOPICS", ""))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.SubscribeTopics = topics

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.SendHighWaterMark < 0 {
		return fmt.Errorf("ZMQ_SNDHWM cannot be negative")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("ZMQ_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.StatsInterval <= 0 {
		return fmt.Errorf("STATS_INTERVAL must be positive")
	}

	if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
	}

	if c.PostgresHost != "" && (c.PostgresPort <= 0 || c.PostgresPort > 65535) {
		return fmt.Errorf("POSTGRES_PORT must be between 1 and 65535")
	}

	if c.SubscribeEndpoint != "" {
		if err := notify.ValidateAddress(c.SubscribeEndpoint); err != nil {
			return fmt.Errorf("ZMQ_SUBSCRIBE_ENDPOINT: %w", err)
		}
	}

	return nil
}

// hwmOverrides reads ZMQ_SNDHWM_<TOPIC> for every known topic
func hwmOverrides() map[notify.Topic]int {
	out := make(map[notify.Topic]int)
	for _, topic := range notify.Topics() {
		key := "ZMQ_SNDHWM_" + strings.ToUpper(string(topic))
		if v := getEnvInt(key, -1); v >= 0 {
			out[topic] = v
		}
	}
	return out
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
