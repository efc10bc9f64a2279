package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// BusinessID scopes every table and order this device serves.
	BusinessID int64
	// DeviceID identifies this till in lease tokens and realtime echoes.
	DeviceID      string
	SnowflakeNode int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMigrate         bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RealtimeFeed string
	// IngestRate and IngestBurst bound pushed notifications per origin when redis is configured.
	IngestRate  float64
	IngestBurst int

	// OutboxPath is the local sqlite file holding writes made while offline.
	OutboxPath string

	RemoteTimeout        time.Duration
	OutboxReplayInterval time.Duration
	OutboxBatchSize      int
	CloseLockTTL         time.Duration
}

const (
	FeedNone  = "none"
	FeedRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "warung"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		BusinessID:    getenvInt64("BUSINESS_ID", 0),
		DeviceID:      strings.TrimSpace(getenv("DEVICE_ID", hostname)),
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "warung"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBMigrate:         getenvBool("DATABASE_MIGRATE", true),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		RealtimeFeed: normalizeFeed(getenv("REALTIME_FEED", FeedRedis)),
		IngestRate:   getenvFloat("INGEST_RATE", 50),
		IngestBurst:  int(getenvInt64("INGEST_BURST", 100)),

		OutboxPath: getenv("OUTBOX_PATH", "warung-outbox.db"),

		RemoteTimeout:        getenvDuration("REMOTE_TIMEOUT", 5*time.Second),
		OutboxReplayInterval: getenvDuration("OUTBOX_REPLAY_INTERVAL", 5*time.Second),
		OutboxBatchSize:      int(getenvInt64("OUTBOX_BATCH_SIZE", 50)),
		CloseLockTTL:         getenvDuration("CLOSE_LOCK_TTL", 30*time.Second),
	}
	if cfg.RedisAddr == "" {
		cfg.RealtimeFeed = FeedNone
	}

	return cfg
}

// RedisEnabled reports whether a redis server is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func normalizeFeed(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case FeedRedis:
		return FeedRedis
	default:
		return FeedNone
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
