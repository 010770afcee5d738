package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Scoring  ScoringConfig
	Kafka    KafkaConfig
	API      APIConfig
	Log      LogConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int
}

// ScoringConfig controls the recompute scheduler
type ScoringConfig struct {
	SweepInterval    time.Duration
	Workers          int
	QueueSize        int
	RecomputeTimeout time.Duration
	RescanEvery      int
	FullMaxPasses    int
	LockTTL          time.Duration
}

// KafkaConfig holds the score event publisher settings. No brokers disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// APIConfig holds submission API settings
type APIConfig struct {
	AuthDisabled    bool
	AdminToken      string
	RateLimitPerSec float64
	RateBurst       int
}

// LogConfig holds logger settings
type LogConfig struct {
	Production bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file from root directory first, then current directory
	if err := godotenv.Load("../.env"); err != nil {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, using environment variables")
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "racesow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Username: getEnv("REDIS_USERNAME", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("BACKEND_PORT", 8000),
		},
		Scoring: ScoringConfig{
			SweepInterval:    getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			Workers:          getEnvAsInt("SWEEP_WORKERS", 4),
			QueueSize:        getEnvAsInt("SWEEP_QUEUE_SIZE", 256),
			RecomputeTimeout: getEnvAsDuration("RECOMPUTE_TIMEOUT", 30*time.Second),
			RescanEvery:      getEnvAsInt("RESCAN_EVERY", 10),
			FullMaxPasses:    getEnvAsInt("FULL_RECOMPUTE_MAX_PASSES", 10),
			LockTTL:          getEnvAsDuration("LOCK_TTL", 2*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "racesow.map-scores"),
		},
		API: APIConfig{
			AuthDisabled:    getEnvAsBool("AUTH_DISABLED", false),
			AdminToken:      getEnv("ADMIN_TOKEN", ""),
			RateLimitPerSec: getEnvAsFloat("RATE_LIMIT_PER_SEC", 20),
			RateBurst:       getEnvAsInt("RATE_BURST", 40),
		},
		Log: LogConfig{
			Production: getEnvAsBool("LOG_PRODUCTION", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with
func (c *Config) Validate() error {
	if c.Scoring.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %v", c.Scoring.SweepInterval)
	}
	if c.Scoring.Workers <= 0 {
		return fmt.Errorf("SWEEP_WORKERS must be positive, got %d", c.Scoring.Workers)
	}
	if c.Scoring.QueueSize <= 0 {
		return fmt.Errorf("SWEEP_QUEUE_SIZE must be positive, got %d", c.Scoring.QueueSize)
	}
	if c.Scoring.RecomputeTimeout <= 0 {
		return fmt.Errorf("RECOMPUTE_TIMEOUT must be positive, got %v", c.Scoring.RecomputeTimeout)
	}
	if c.Scoring.LockTTL < c.Scoring.RecomputeTimeout {
		return fmt.Errorf("LOCK_TTL (%v) must not be shorter than RECOMPUTE_TIMEOUT (%v)",
			c.Scoring.LockTTL, c.Scoring.RecomputeTimeout)
	}
	return nil
}

// GetDSN returns the PostgreSQL DSN
func (c *Config) GetDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings such as "90s" or "5m"
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
