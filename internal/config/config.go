package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var ErrMissingSecret = errors.New("JWT_SECRET must be set")

// Config holds the explicit startup configuration of the service.
type Config struct {
	Port     string
	LogLevel string

	StoreDriver       string // "mongo" or "memory"
	MongoURI          string
	MongoDB           string
	MongoTransactions bool

	JWTSecret string
	JWTExpiry time.Duration

	RedisAddr     string
	RedisPassword string
	LockTimeout   time.Duration
	LockTTL       time.Duration

	ReserveMaxRetries int

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string

	TripLocation *time.Location

	RateLimitMax    int
	RateLimitWindow time.Duration

	AdminEmail    string
	AdminPassword string
}

// Load reads configuration from the environment, after merging a .env file if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		StoreDriver:       strings.ToLower(getEnv("STORE_DRIVER", "mongo")),
		MongoURI:          getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:           getEnv("MONGO_DB", "bus_booking"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		MQTTBroker:        os.Getenv("MQTT_BROKER"),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", "bus-booking"),
		MQTTTopicPrefix:   getEnv("MQTT_TOPIC_PREFIX", "bus-booking"),
		AdminEmail:        os.Getenv("ADMIN_EMAIL"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		ReserveMaxRetries: 5,
		RateLimitMax:      100,
	}

	if cfg.JWTSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.StoreDriver != "mongo" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("STORE_DRIVER must be mongo or memory, got %q", cfg.StoreDriver)
	}
	if (cfg.AdminEmail == "") != (cfg.AdminPassword == "") {
		return nil, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}

	var err error
	if cfg.MongoTransactions, err = getBool("MONGO_TRANSACTIONS", false); err != nil {
		return nil, err
	}
	if cfg.JWTExpiry, err = getDuration("JWT_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = getDuration("LOCK_TTL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReserveMaxRetries, err = getInt("RESERVE_MAX_RETRIES", cfg.ReserveMaxRetries); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getInt("RATE_LIMIT_MAX", cfg.RateLimitMax); err != nil {
		return nil, err
	}

	tz := getEnv("TRIP_TIMEZONE", "UTC")
	if cfg.TripLocation, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("TRIP_TIMEZONE: %w", err)
	}

	return cfg, nil
}

// ConfigureLogger applies the configured level and the JSON formatter to logrus.
func (c *Config) ConfigureLogger() {
	log.SetFormatter(&log.JSONFormatter{})
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("log_level", c.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid non-negative integer %q", key, v)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
