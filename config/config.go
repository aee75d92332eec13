package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      *RedisConfig      `mapstructure:"redis"`
	ServiceBus *ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       *MQTTConfig       `mapstructure:"mqtt"`
	Ingest     IngestConfig      `mapstructure:"ingest"`
	AuthCache  AuthCacheConfig   `mapstructure:"auth_cache"`
	KeyMap     KeyMapConfig      `mapstructure:"key_map"`
	RateLimit  RateLimitConfig   `mapstructure:"rate_limit"`
	Batch      BatchConfig       `mapstructure:"batch"`
	Quarantine QuarantineConfig  `mapstructure:"quarantine"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminAPIKey  string        `mapstructure:"admin_api_key"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig holds the Redis connection settings for the shared
// second-level device cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings for downstream
// batch announcements.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// MQTTConfig holds MQTT broker settings for telemetry ingestion.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	TopicPattern      string        `mapstructure:"topic_pattern"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// IngestConfig holds envelope validation settings.
type IngestConfig struct {
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
	RequireToken    bool          `mapstructure:"require_token"`
	FutureTolerance time.Duration `mapstructure:"future_tolerance"`
}

// AuthCacheConfig holds device auth cache settings.
type AuthCacheConfig struct {
	PositiveTTL time.Duration `mapstructure:"positive_ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
}

// KeyMapConfig holds metric key map cache settings.
type KeyMapConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
}

// RateLimitConfig holds per-device rate limiter settings.
type RateLimitConfig struct {
	Rate       float64 `mapstructure:"rate"`
	Burst      int     `mapstructure:"burst"`
	MaxEntries int     `mapstructure:"max_entries"`
}

// BatchConfig holds batch writer settings.
type BatchConfig struct {
	FlushRows     int           `mapstructure:"flush_rows"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// QuarantineConfig holds quarantine sink settings.
type QuarantineConfig struct {
	QueueSize      int    `mapstructure:"queue_size"`
	DeadLetterPath string `mapstructure:"dead_letter_path"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("INGEST")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.conn_max_idle_time", "10m")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("service_bus.max_retries", 3)
	viper.SetDefault("service_bus.retry_delay", "1s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.clean_session", false)
	viper.SetDefault("mqtt.topic_pattern", "tenant/+/device/+/+")
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("ingest.max_payload_bytes", 65536) // 64KB
	viper.SetDefault("ingest.require_token", true)
	viper.SetDefault("ingest.future_tolerance", "5m")

	viper.SetDefault("auth_cache.positive_ttl", "5m")
	viper.SetDefault("auth_cache.negative_ttl", "10s")
	viper.SetDefault("auth_cache.max_entries", 50000)

	viper.SetDefault("key_map.ttl", "5m")
	viper.SetDefault("key_map.negative_ttl", "30s")
	viper.SetDefault("key_map.max_entries", 50000)

	viper.SetDefault("rate_limit.rate", 10.0)
	viper.SetDefault("rate_limit.burst", 30)
	viper.SetDefault("rate_limit.max_entries", 100000)

	viper.SetDefault("batch.flush_rows", 500)
	viper.SetDefault("batch.flush_interval", "2s")
	viper.SetDefault("batch.max_retries", 3)
	viper.SetDefault("batch.retry_backoff", "500ms")

	viper.SetDefault("quarantine.queue_size", 4096)
	viper.SetDefault("quarantine.dead_letter_path", "/data/dead_letter/batches.log")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
