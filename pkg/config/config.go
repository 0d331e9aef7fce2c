package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendHTTP     = "http"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type DB struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// Config is the environment driven configuration shared by the binaries.
type Config struct {
	Port               string
	StoreBackend       string
	StoreURL           string
	StoreAuthToken     string
	StoreTimeout       time.Duration
	DB                 DB
	SQLiteDSN          string
	LifecycleInterval  time.Duration
	LifecycleLocation  *time.Location
	OutboxInterval     time.Duration
	OutboxMaxRetries   int
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
	RedisAddr          string
}

// Load reads the process environment. Every missing or malformed variable is
// reported at once.
func Load(defaultPort string) (Config, error) {
	cfg := Config{
		Port:         getEnv("PORT", defaultPort),
		StoreBackend: getEnv("STORE_BACKEND", BackendSQLite),
		StoreURL:     strings.TrimSpace(os.Getenv("STORE_URL")),
		// The hosted store only accepts the secret as a query parameter.
		StoreAuthToken: os.Getenv("STORE_AUTH_TOKEN"),
		DB: DB{
			Host:     getEnv("DB_HOST", "postgres"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "program"),
			Password: getEnv("DB_PASSWORD", "test"),
			Name:     getEnv("DB_NAME", "bookmarket"),
		},
		SQLiteDSN: getEnv("SQLITE_DSN", "file:bookmarket.db?_busy_timeout=5000"),
		RedisAddr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),
	}

	var missing, invalid []string

	switch cfg.StoreBackend {
	case BackendHTTP:
		if cfg.StoreURL == "" {
			missing = append(missing, "STORE_URL")
		}
	case BackendPostgres, BackendSQLite:
	default:
		invalid = append(invalid, "STORE_BACKEND")
	}

	if port, err := strconv.Atoi(cfg.Port); err != nil || port <= 0 || port > 65535 {
		invalid = append(invalid, "PORT")
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"STORE_TIMEOUT", 10 * time.Second, &cfg.StoreTimeout},
		{"LIFECYCLE_INTERVAL", time.Hour, &cfg.LifecycleInterval},
		{"OUTBOX_INTERVAL", 5 * time.Second, &cfg.OutboxInterval},
		{"BREAKER_TIMEOUT", 30 * time.Second, &cfg.BreakerTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def.String()))
		if err != nil || v <= 0 {
			invalid = append(invalid, d.key)
			continue
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"OUTBOX_MAX_RETRIES", 5, &cfg.OutboxMaxRetries},
		{"BREAKER_MAX_FAILURES", 5, &cfg.BreakerMaxFailures},
	}
	for _, n := range ints {
		v, err := strconv.Atoi(getEnv(n.key, strconv.Itoa(n.def)))
		if err != nil || v <= 0 {
			invalid = append(invalid, n.key)
			continue
		}
		*n.dst = v
	}

	loc, err := time.LoadLocation(getEnv("LIFECYCLE_TZ", "Local"))
	if err != nil {
		invalid = append(invalid, "LIFECYCLE_TZ")
	}
	cfg.LifecycleLocation = loc

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variables: %s", strings.Join(invalid, ", "))
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}
