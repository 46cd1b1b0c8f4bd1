package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shuttle-telemetry/internal/clock"
	"shuttle-telemetry/internal/config"
	"shuttle-telemetry/internal/db"
	"shuttle-telemetry/internal/db/memstore"
	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geofence"
	"shuttle-telemetry/internal/ingest"
	"shuttle-telemetry/internal/lock"
	"shuttle-telemetry/internal/metrics"
	"shuttle-telemetry/internal/publisher"
	"shuttle-telemetry/internal/traccar"
	"shuttle-telemetry/internal/trips"
)

// store is everything the engine needs from persistence. Both the postgres
// Store and the in-memory store satisfy it.
type store interface {
	trips.Repository
	trips.ImportRepository
	geofence.Repository
	GetVehicle(ctx context.Context, id int64) (*fleet.Vehicle, error)
}

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("tracker stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.RealClock{}

	st, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SyncInterval, cfg.GeofenceDebounce)
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go mcol.TrackActiveTrips(mctx, 15*time.Second, func(ctx context.Context) (int, error) {
			active, err := st.ActiveTrips(ctx)
			return len(active), err
		}, logger)
	}

	locker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}

	nc, err := publisher.Connect(cfg.NATSURL, "shuttle-tracker", publisherMetrics(mcol), logger)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = nc.Drain() }()
	pub := publisher.NewNATSPublisher(nc, cfg.SubjectPrefix, cfg.LogNATSSubjects, publisherMetrics(mcol), logger)

	controller := trips.NewController(st, locker, clk, tripMetrics(mcol), logger)
	controller.SetNotifier(pub)
	matcher := geofence.NewMatcher(st, locker, clk, geofence.Config{
		Debounce:      cfg.GeofenceDebounce,
		DefaultRadius: cfg.GeofenceDefaultRadius,
	}, geofenceMetrics(mcol), logger)

	consumer := ingest.NewConsumer(ingest.Config{
		Prefix:     cfg.SubjectPrefix,
		QueueGroup: cfg.QueueGroup,
	}, ingest.Deps{
		Trips:     controller,
		Geofences: matcher,
		Vehicles:  st,
		Events:    pub,
		Metrics:   ingestMetrics(mcol),
	}, logger)
	if err := consumer.Subscribe(ctx, nc); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var sweeper *trips.Sweeper
	if cfg.TraccarEnabled() {
		client := traccar.NewClient(cfg.TraccarURL, traccar.Options{
			Username:  cfg.TraccarUser,
			Password:  cfg.TraccarPassword,
			RateLimit: rate.Limit(cfg.TraccarRPS),
		}, logger)

		if cfg.GeofenceSyncOnStart {
			syncer := geofence.NewSyncer(st, client, cfg.GeofenceDefaultRadius, logger)
			res, err := syncer.Sync(ctx, false)
			if err != nil {
				logger.Warn("geofence sync failed", zap.Error(err))
			} else {
				logger.Info("geofences synced",
					zap.Int("created", res.Created),
					zap.Int("updated", res.Updated),
					zap.Int("deleted", res.Deleted),
					zap.Int("linked", res.Linked),
					zap.Int("errors", len(res.Errors)))
			}
		}

		reconciler := trips.NewReconciler(st, client, locker, clk, cfg.SyncConcurrency, syncMetrics(mcol), logger)
		sweeper = trips.NewSweeper(reconciler, cfg.SyncInterval, cfg.SyncLookback, clk, logger)
		if !sweeper.Start(ctx) {
			logger.Info("periodic trip sync disabled")
		}
	}

	logTodaySummary(ctx, controller, cfg.Location, logger)

	// Periodic database health check, postgres only
	var done chan struct{}
	if pool != nil {
		done = make(chan struct{})
		go func() {
			defer close(done)
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if err := db.Ping(ctx, pool); err != nil && ctx.Err() == nil {
					logger.Warn("db ping failed", zap.Error(err))
				}
			}
		}()
	}

	logger.Info("tracker running",
		zap.Strings("subjects", consumer.Subjects()),
		zap.Bool("traccar", cfg.TraccarEnabled()))

	// Block until context cancelled
	<-ctx.Done()
	consumer.Unsubscribe()
	if sweeper != nil {
		sweeper.Stop()
	}
	if done != nil {
		<-done
	}
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, *pgxpool.Pool, error) {
	if cfg.StoreDriver == config.StoreMemory {
		ms := memstore.New()
		if cfg.SeedFile != "" {
			if err := ms.LoadSeed(cfg.SeedFile); err != nil {
				return nil, nil, fmt.Errorf("seed %s: %w", cfg.SeedFile, err)
			}
		}
		logger.Info("using in-memory store", zap.String("seed", cfg.SeedFile))
		return ms, nil, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db migrate: %w", err)
	}
	logger.Info("connected to postgres", zap.String("dsn", db.Redact(cfg.DatabaseURL)))
	return db.NewStore(pool), pool, nil
}

func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lock.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewKeyedMutex(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	if cfg.LockTTL <= ingest.DefaultTimeout {
		logger.Warn("lock lease shorter than message timeout; slow handlers may lose exclusivity",
			zap.Duration("ttl", cfg.LockTTL), zap.Duration("timeout", ingest.DefaultTimeout))
	}
	logger.Info("using redis vehicle locks", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.LockTTL))
	return lock.NewRedisLocker(rdb, cfg.LockTTL), nil
}

func logTodaySummary(ctx context.Context, c *trips.Controller, tz *time.Location, logger *zap.Logger) {
	now := time.Now().In(tz)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, tz)
	sum, err := c.GetTripSummary(ctx, from, now, nil)
	if err != nil {
		logger.Warn("trip summary", zap.Error(err))
		return
	}
	logger.Info("trips today",
		zap.String("date", from.Format("2006-01-02")),
		zap.Int("trips", sum.TotalTrips),
		zap.Float64("km", sum.TotalDistance))
}

// The Collector satisfies every component's metrics interface; a nil
// Collector has to become a nil interface, not a typed nil.

func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

func tripMetrics(c *metrics.Collector) trips.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func syncMetrics(c *metrics.Collector) trips.SyncMetrics {
	if c == nil {
		return nil
	}
	return c
}

func geofenceMetrics(c *metrics.Collector) geofence.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func ingestMetrics(c *metrics.Collector) ingest.Metrics {
	if c == nil {
		return nil
	}
	return c
}
