package trips

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shuttle-telemetry/internal/clock"
	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/lock"
)

// DefaultSyncWindow is used by on-demand syncs that give no window.
const DefaultSyncWindow = 7 * 24 * time.Hour

// TripSource reports completed trips of one external device in internal units.
// A source may return usable trips together with an error describing rows it
// dropped; those trips are still imported.
type TripSource interface {
	TripsReport(ctx context.Context, deviceID int64, from, to time.Time) ([]fleet.ExternalTrip, error)
}

type ImportRepository interface {
	ListTrackedVehicles(ctx context.Context) ([]fleet.Vehicle, error)
	FindTripByExternalID(ctx context.Context, key int64) (*fleet.Trip, error)
	InsertTrip(ctx context.Context, t *fleet.Trip) error
}

// SyncMetrics receives import counters. A nil SyncMetrics is allowed.
type SyncMetrics interface {
	SyncImportedAdd(n int)
	SyncErrorInc()
	SyncDurationObserve(seconds float64)
}

type SyncResult struct {
	Synced  int       `json:"synced"`
	Skipped int       `json:"skipped"`
	Errors  []string  `json:"errors"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

// Reconciler imports the external source's trip history as completed trips,
// deduplicated by fleet.SyntheticTripKey.
type Reconciler struct {
	repo        ImportRepository
	source      TripSource
	locker      lock.Locker
	clock       clock.Clock
	concurrency int
	metrics     SyncMetrics
	logger      *zap.Logger
}

func NewReconciler(repo ImportRepository, source TripSource, locker lock.Locker, clk clock.Clock, concurrency int, metrics SyncMetrics, logger *zap.Logger) *Reconciler {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{repo: repo, source: source, locker: locker, clock: clk, concurrency: concurrency, metrics: metrics, logger: logger}
}

// SyncExternalTrips imports trips of every tracked vehicle within [from, to].
// A zero to means now and a zero from means DefaultSyncWindow before to.
// Failures of single vehicles or trips are collected in the result; only a
// failure to list vehicles fails the call.
func (r *Reconciler) SyncExternalTrips(ctx context.Context, from, to time.Time) (*SyncResult, error) {
	started := time.Now()
	if to.IsZero() {
		to = r.clock.Now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultSyncWindow)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: sync window ends before it starts", fleet.ErrInvalidInput)
	}

	vehicles, err := r.repo.ListTrackedVehicles(ctx)
	if err != nil {
		r.errInc()
		return nil, fmt.Errorf("list tracked vehicles: %w", err)
	}

	res := &SyncResult{Errors: []string{}, From: from, To: to}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, v := range vehicles {
		g.Go(func() error {
			synced, skipped, errs := r.syncVehicle(ctx, v, from, to)
			mu.Lock()
			res.Synced += synced
			res.Skipped += skipped
			res.Errors = append(res.Errors, errs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Errors)

	if r.metrics != nil {
		r.metrics.SyncImportedAdd(res.Synced)
		r.metrics.SyncDurationObserve(time.Since(started).Seconds())
	}
	r.logger.Info("external trip sync finished",
		zap.Time("from", from), zap.Time("to", to), zap.Int("vehicles", len(vehicles)),
		zap.Int("synced", res.Synced), zap.Int("skipped", res.Skipped), zap.Int("errors", len(res.Errors)))
	return res, nil
}

func (r *Reconciler) syncVehicle(ctx context.Context, v fleet.Vehicle, from, to time.Time) (synced, skipped int, errs []string) {
	if v.ExternalDeviceID == nil {
		return 0, 0, nil
	}
	report, err := r.source.TripsReport(ctx, *v.ExternalDeviceID, from, to)
	if err != nil {
		r.logger.Warn("external trips report failed", zap.Int64("vehicle_id", v.ID),
			zap.Int("usable", len(report)), zap.Error(err))
		for _, e := range splitErrors(err) {
			r.errInc()
			errs = append(errs, fmt.Sprintf("vehicle %s: %v", v.Name, e))
		}
	}
	if len(report) == 0 {
		return 0, 0, errs
	}

	// Held across the inserts so a trip the controller is completing for
	// this vehicle is either visible or not yet started.
	unlock, err := r.locker.Lock(ctx, lock.VehicleKey(v.ID))
	if err != nil {
		r.errInc()
		return 0, 0, append(errs, fmt.Sprintf("vehicle %s: %v", v.Name, err))
	}
	defer unlock()

	for _, et := range report {
		imported, err := r.importTrip(ctx, v, et)
		if err != nil {
			r.errInc()
			errs = append(errs, fmt.Sprintf("vehicle %s trip %s: %v", v.Name, et.StartTime.UTC().Format(time.RFC3339), err))
			continue
		}
		if imported {
			synced++
		} else {
			skipped++
		}
	}
	return synced, skipped, errs
}

func (r *Reconciler) importTrip(ctx context.Context, v fleet.Vehicle, et fleet.ExternalTrip) (bool, error) {
	deviceID := et.DeviceID
	if deviceID == 0 {
		deviceID = *v.ExternalDeviceID
	}
	key := fleet.SyntheticTripKey(deviceID, et.StartTime)

	_, err := r.repo.FindTripByExternalID(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fleet.ErrNotFound) {
		return false, err
	}

	end := et.EndTime
	endLat, endLng := et.End.Lat, et.End.Lng
	trip := &fleet.Trip{
		ID:             uuid.NewString(),
		VehicleID:      v.ID,
		Status:         fleet.TripCompleted,
		StartTime:      et.StartTime,
		StartLat:       et.Start.Lat,
		StartLng:       et.Start.Lng,
		EndTime:        &end,
		EndLat:         &endLat,
		EndLng:         &endLng,
		Distance:       et.Distance,
		MaxSpeed:       et.MaxSpeed,
		AvgSpeed:       et.AvgSpeed,
		Duration:       et.Duration,
		ExternalTripID: &key,
	}
	if err := r.repo.InsertTrip(ctx, trip); err != nil {
		if errors.Is(err, fleet.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	r.logger.Debug("imported external trip",
		zap.Int64("vehicle_id", v.ID), zap.String("trip_id", trip.ID), zap.Int64("external_trip_id", key))
	return true, nil
}

// splitErrors unpacks an errors.Join result so each dropped row is reported
// on its own.
func splitErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func (r *Reconciler) errInc() {
	if r.metrics != nil {
		r.metrics.SyncErrorInc()
	}
}
