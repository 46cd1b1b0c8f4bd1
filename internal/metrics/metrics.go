package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTrips prometheus.Gauge

	TripsStarted   prometheus.Counter
	TripsCompleted prometheus.Counter
	TripUpdates    prometheus.Counter
	OpErrors       *prometheus.CounterVec // op label: start|end|update

	GeofenceEnters prometheus.Counter
	GeofenceErrors prometheus.Counter

	SyncImported prometheus.Counter
	SyncErrors   prometheus.Counter
	SyncDuration prometheus.Histogram

	MessagesIn      *prometheus.CounterVec // kind label: position|motion|geofence, result label: ok|invalid|error
	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SyncInterval   prometheus.Gauge // seconds
	DebounceWindow prometheus.Gauge // seconds
}

func NewCollector(syncInterval, debounce time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_trips",
			Help: "Number of trips currently active.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_started_total",
			Help: "Total trips opened from motion signals.",
		}),
		TripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_completed_total",
			Help: "Total trips completed from motion signals.",
		}),
		TripUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trip_updates_total",
			Help: "Total position samples accrued into active trips.",
		}),
		OpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_trip_op_errors_total",
			Help: "Trip lifecycle operations that failed on storage.",
		}, []string{"op"}),
		GeofenceEnters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_geofence_enters_total",
			Help: "Geofence enter events recorded.",
		}),
		GeofenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_geofence_errors_total",
			Help: "Geofence checks that failed on storage.",
		}),
		SyncImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sync_imported_trips_total",
			Help: "Trips imported from the external telemetry source.",
		}),
		SyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sync_errors_total",
			Help: "Per-vehicle or per-trip failures during external sync.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_sync_duration_seconds",
			Help:    "Duration of one external trip sync.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_nats_messages_total",
			Help: "Inbound NATS messages by kind and outcome.",
		}, []string{"kind", "result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SyncInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_sync_interval_seconds",
			Help: "External trip sync interval in seconds.",
		}),
		DebounceWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_geofence_debounce_seconds",
			Help: "Geofence enter debounce window in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveTrips,
		c.TripsStarted, c.TripsCompleted, c.TripUpdates, c.OpErrors,
		c.GeofenceEnters, c.GeofenceErrors,
		c.SyncImported, c.SyncErrors, c.SyncDuration,
		c.MessagesIn, c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SyncInterval, c.DebounceWindow,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c.SyncInterval.Set(syncInterval.Seconds())
	c.DebounceWindow.Set(debounce.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}

// TrackActiveTrips refreshes the active trips gauge from count every
// interval until ctx is done.
func (c *Collector) TrackActiveTrips(ctx context.Context, interval time.Duration, count func(context.Context) (int, error), logger *zap.Logger) {
	update := func() {
		n, err := count(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("count active trips failed", zap.Error(err))
			}
			return
		}
		c.ActiveTrips.Set(float64(n))
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
