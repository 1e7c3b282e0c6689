// Package config reads server settings from the environment. An optional
// .env file in the working directory is loaded first; real environment
// variables win over it.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App    AppConfig
	DB     DBConfig
	Auth   AuthConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	SMTP   SMTPConfig
	Ledger LedgerConfig
	Notify NotifyConfig
}

type AppConfig struct {
	Env         string // development, production
	Port        int
	LogLevel    string
	CORSOrigins []string
	SeedFunds   string // path to a JSON fund list loaded at startup
}

type DBConfig struct {
	Path string
}

// AuthConfig enables bearer-token auth when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string
}

// RedisConfig enables the Redis sequencer and event channel when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// KafkaConfig enables the Kafka event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// SMTPConfig enables email notifications when Host is set.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type LedgerConfig struct {
	AllowOverdraft     bool
	GenerationAttempts int
	MaxRetries         int
	ReconcileInterval  time.Duration
}

type NotifyConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Load reads the configuration. A missing .env file is not an error.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		App: AppConfig{
			Env:         getEnv("APP_ENV", "development"),
			Port:        getEnvAsInt("PORT", 8080),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
			SeedFunds:   getEnv("SEED_FUNDS", ""),
		},
		DB: DBConfig{
			Path: getEnv("DB_PATH", "bf.db"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANNEL", "ledger_events"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "ledger-events"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", ""),
		},
		Ledger: LedgerConfig{
			AllowOverdraft:     getEnvAsBool("ALLOW_OVERDRAFT", false),
			GenerationAttempts: getEnvAsInt("GENERATION_ATTEMPTS", 5),
			MaxRetries:         getEnvAsInt("LEDGER_MAX_RETRIES", 3),
			ReconcileInterval:  getEnvAsDuration("RECONCILE_INTERVAL", time.Hour),
		},
		Notify: NotifyConfig{
			Workers:   getEnvAsInt("NOTIFY_WORKERS", 2),
			QueueSize: getEnvAsInt("NOTIFY_QUEUE", 1024),
			Timeout:   getEnvAsDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
	}
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

// ============================================================================
// Helper Functions
// ============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
