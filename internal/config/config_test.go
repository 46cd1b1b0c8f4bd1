package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

var allVars = []string{
	"STORE_DRIVER", "DATABASE_URL", "PG_DSN", "PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE",
	"SEED_FILE", "NATS_URL", "NATS_SUBJECT_PREFIX", "NATS_QUEUE_GROUP", "LOG_NATS_SUBJECTS",
	"REDIS_ADDR", "REDIS_PASSWORD", "LOCK_TTL_MS", "TRACCAR_URL", "TRACCAR_USER", "TRACCAR_PASSWORD", "TRACCAR_RPS",
	"SYNC_INTERVAL_SEC", "SYNC_LOOKBACK_HOURS", "SYNC_CONCURRENCY", "GEOFENCE_SYNC_ON_START",
	"GEOFENCE_DEBOUNCE_SEC", "GEOFENCE_DEFAULT_RADIUS_M", "METRICS_ADDR", "LOG_LEVEL", "TZ",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allVars {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	assert.Equal(t, "fleet", cfg.SubjectPrefix)
	assert.Equal(t, "trip-engine", cfg.QueueGroup)
	assert.Equal(t, 15*time.Second, cfg.LockTTL)
	assert.Equal(t, 5.0, cfg.TraccarRPS)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 24*time.Hour, cfg.SyncLookback)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.Equal(t, time.Minute, cfg.GeofenceDebounce)
	assert.Equal(t, 15.0, cfg.GeofenceDefaultRadius)
	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel)
	assert.Equal(t, time.Local, cfg.Location)
	assert.False(t, cfg.TraccarEnabled())
	assert.False(t, cfg.LogNATSSubjects)
}

func TestDatabaseURLFromParts(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGUSER", "fleet")
	t.Setenv("PGPASSWORD", "p@ss:word")
	t.Setenv("PGHOST", "db")
	t.Setenv("PGDATABASE", "shuttle")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, "postgres://fleet:p%40ss%3Aword@db:5432/shuttle?sslmode=disable", cfg.DatabaseURL)
}

func TestDatabaseURLPreferred(t *testing.T) {
	clearEnv(t)
	t.Setenv("PG_DSN", "postgres://a@b/c")
	t.Setenv("PGDATABASE", "ignored")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://a@b/c", cfg.DatabaseURL)
}

func TestPostgresNeedsDatabase(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.ErrorContains(t, err, "PGDATABASE or DATABASE_URL")
}

func TestOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("SEED_FILE", "/etc/shuttle/seed.json")
	t.Setenv("LOG_NATS_SUBJECTS", "yes")
	t.Setenv("TRACCAR_URL", " https://traccar.example ")
	t.Setenv("SYNC_INTERVAL_SEC", "0")
	t.Setenv("GEOFENCE_DEBOUNCE_SEC", "90")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TZ", "Europe/Istanbul")
	t.Setenv("GEOFENCE_SYNC_ON_START", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/etc/shuttle/seed.json", cfg.SeedFile)
	assert.True(t, cfg.LogNATSSubjects)
	assert.True(t, cfg.TraccarEnabled())
	assert.Equal(t, "https://traccar.example", cfg.TraccarURL)
	assert.Zero(t, cfg.SyncInterval)
	assert.Equal(t, 90*time.Second, cfg.GeofenceDebounce)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "Europe/Istanbul", cfg.Location.String())
	assert.True(t, cfg.GeofenceSyncOnStart)
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":              "sqlite",
		"LOCK_TTL_MS":               "0",
		"TRACCAR_RPS":               "-1",
		"SYNC_INTERVAL_SEC":         "-5",
		"SYNC_CONCURRENCY":          "many",
		"GEOFENCE_DEBOUNCE_SEC":     "0",
		"GEOFENCE_DEFAULT_RADIUS_M": "abc",
		"LOG_LEVEL":                 "verbose",
		"TZ":                        "Mars/Olympus",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("STORE_DRIVER", "memory")
			t.Setenv(k, v)
			_, err := Load()
			assert.ErrorContains(t, err, "invalid "+k)
		})
	}
}
