package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	StoreDriver string
	DatabaseURL string
	SeedFile    string

	NATSURL         string
	SubjectPrefix   string
	QueueGroup      string
	LogNATSSubjects bool

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	TraccarURL      string
	TraccarUser     string
	TraccarPassword string
	TraccarRPS      float64

	SyncInterval        time.Duration
	SyncLookback        time.Duration
	SyncConcurrency     int
	GeofenceSyncOnStart bool

	GeofenceDebounce      time.Duration
	GeofenceDefaultRadius float64

	MetricsAddr string
	LogLevel    zapcore.Level
	Location    *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.StoreDriver = strings.ToLower(getenvDefault("STORE_DRIVER", StorePostgres))
	switch cfg.StoreDriver {
	case StorePostgres:
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	case StoreMemory:
		cfg.SeedFile = os.Getenv("SEED_FILE")
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.SubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "fleet")
	cfg.QueueGroup = getenvDefault("NATS_QUEUE_GROUP", "trip-engine")
	cfg.LogNATSSubjects = envBool("LOG_NATS_SUBJECTS")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	ttl, err := envInt("LOCK_TTL_MS", 15000, 1)
	if err != nil {
		return nil, err
	}
	cfg.LockTTL = time.Duration(ttl) * time.Millisecond

	cfg.TraccarURL = strings.TrimSpace(os.Getenv("TRACCAR_URL"))
	cfg.TraccarUser = os.Getenv("TRACCAR_USER")
	cfg.TraccarPassword = os.Getenv("TRACCAR_PASSWORD")
	if cfg.TraccarRPS, err = envFloat("TRACCAR_RPS", 5); err != nil {
		return nil, err
	}

	// 0 disables the periodic sweep
	interval, err := envInt("SYNC_INTERVAL_SEC", 900, 0)
	if err != nil {
		return nil, err
	}
	cfg.SyncInterval = time.Duration(interval) * time.Second
	lookback, err := envInt("SYNC_LOOKBACK_HOURS", 24, 1)
	if err != nil {
		return nil, err
	}
	cfg.SyncLookback = time.Duration(lookback) * time.Hour
	if cfg.SyncConcurrency, err = envInt("SYNC_CONCURRENCY", 4, 1); err != nil {
		return nil, err
	}
	cfg.GeofenceSyncOnStart = envBool("GEOFENCE_SYNC_ON_START")

	debounce, err := envInt("GEOFENCE_DEBOUNCE_SEC", 60, 1)
	if err != nil {
		return nil, err
	}
	cfg.GeofenceDebounce = time.Duration(debounce) * time.Second
	if cfg.GeofenceDefaultRadius, err = envFloat("GEOFENCE_DEFAULT_RADIUS_M", 15); err != nil {
		return nil, err
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	level := getenvDefault("LOG_LEVEL", "info")
	if cfg.LogLevel, err = zapcore.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", level)
	}

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// TraccarEnabled reports whether the external telemetry source is configured.
func (c *Config) TraccarEnabled() bool { return c.TraccarURL != "" }

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a URL from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (or STORE_DRIVER=memory)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func envInt(k string, def, min int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func envFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func envBool(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
