package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the rule engine service
type Config struct {
	// Common
	Environment string
	LogLevel    string

	// Storage backend: "memory" or "postgres"
	StorageBackend string

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Components
	Engine    EngineConfig
	Indicator IndicatorConfig
	Notify    NotifyConfig
	HTTP      HTTPConfig
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN builds a lib/pq connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	SnapshotTTL  time.Duration
}

// EngineConfig holds rule execution engine configuration
type EngineConfig struct {
	ScanInterval  time.Duration // how often the scheduler runs the batch
	LookupTimeout time.Duration // bound on data-source lookups per execution
}

// IndicatorConfig holds indicator engine configuration
type IndicatorConfig struct {
	HistoryLimit      int           // price points fetched per stock code
	Workers           int           // parallel indicator computations
	RecomputeInterval time.Duration // how often snapshots are recomputed
}

// NotifyConfig holds notification dispatch configuration
type NotifyConfig struct {
	QueueSize       int           // buffered events before drops
	DispatchTimeout time.Duration // bound per sink dispatch
	WriteTimeout    time.Duration // websocket write deadline
	PingInterval    time.Duration // websocket keepalive interval
}

// HTTPConfig holds the metrics/health/websocket listener configuration
type HTTPConfig struct {
	Port int
}

// Load loads configuration from environment variables.
// It automatically loads a .env file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		StorageBackend: getEnv("STORAGE_BACKEND", "postgres"),
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "stock_kanban"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxConnections:  getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", true),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
			SnapshotTTL:  getEnvAsDuration("REDIS_SNAPSHOT_TTL", 10*time.Minute),
		},
		Engine: EngineConfig{
			ScanInterval:  getEnvAsDuration("ENGINE_SCAN_INTERVAL", 5*time.Minute),
			LookupTimeout: getEnvAsDuration("ENGINE_LOOKUP_TIMEOUT", 5*time.Second),
		},
		Indicator: IndicatorConfig{
			HistoryLimit:      getEnvAsInt("INDICATOR_HISTORY_LIMIT", 100),
			Workers:           getEnvAsInt("INDICATOR_WORKERS", 4),
			RecomputeInterval: getEnvAsDuration("INDICATOR_RECOMPUTE_INTERVAL", 5*time.Minute),
		},
		Notify: NotifyConfig{
			QueueSize:       getEnvAsInt("NOTIFY_QUEUE_SIZE", 1000),
			DispatchTimeout: getEnvAsDuration("NOTIFY_DISPATCH_TIMEOUT", 5*time.Second),
			WriteTimeout:    getEnvAsDuration("NOTIFY_WS_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:    getEnvAsDuration("NOTIFY_WS_PING_INTERVAL", 30*time.Second),
		},
		HTTP: HTTPConfig{
			Port: getEnvAsInt("HTTP_PORT", 8080),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\" or \"postgres\", got %q", c.StorageBackend)
	}
	if c.StorageBackend == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Engine.ScanInterval <= 0 {
		return fmt.Errorf("ENGINE_SCAN_INTERVAL must be positive")
	}
	if c.Indicator.Workers < 1 {
		return fmt.Errorf("INDICATOR_WORKERS must be at least 1")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
