// Package trips owns the trip lifecycle: opening and closing trips from
// motion signals, accruing statistics from position samples, importing
// history from the external source and summarizing stored trips.
package trips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shuttle-telemetry/internal/clock"
	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geo"
	"shuttle-telemetry/internal/lock"
)

// Repository is the trip storage used by the controller and the read side.
// UpdateTrip must only succeed while the trip is still active and report
// fleet.ErrNotFound otherwise.
type Repository interface {
	GetActiveTrip(ctx context.Context, vehicleID int64) (*fleet.Trip, error)
	InsertTrip(ctx context.Context, t *fleet.Trip) error
	UpdateTrip(ctx context.Context, id string, p fleet.TripPatch) error
	ActiveTrips(ctx context.Context) ([]fleet.Trip, error)
	VehicleTrips(ctx context.Context, vehicleID int64, limit int) ([]fleet.Trip, error)
	TripsBetween(ctx context.Context, from, to time.Time, vehicleID *int64) ([]fleet.Trip, error)
}

// Metrics receives lifecycle counters. A nil Metrics is allowed.
type Metrics interface {
	TripStartedInc()
	TripCompletedInc()
	TripUpdatedInc()
	OpErrorInc(op string)
}

// Notifier is told about committed lifecycle transitions.
type Notifier interface {
	TripStarted(ctx context.Context, t fleet.Trip)
	TripCompleted(ctx context.Context, t fleet.Trip)
}

type Controller struct {
	repo     Repository
	locker   lock.Locker
	clock    clock.Clock
	metrics  Metrics
	notifier Notifier
	logger   *zap.Logger
}

func NewController(repo Repository, locker lock.Locker, clk clock.Clock, metrics Metrics, logger *zap.Logger) *Controller {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{repo: repo, locker: locker, clock: clk, metrics: metrics, logger: logger}
}

// SetNotifier registers n for trip started/completed notifications.
func (c *Controller) SetNotifier(n Notifier) { c.notifier = n }

func (c *Controller) fail(op string, vehicleID int64, err error) error {
	if c.metrics != nil {
		c.metrics.OpErrorInc(op)
	}
	c.logger.Error("trip operation failed", zap.String("op", op), zap.Int64("vehicle_id", vehicleID), zap.Error(err))
	return fmt.Errorf("%s vehicle %d: %w", op, vehicleID, err)
}

// StartTrip opens an active trip for sig.VehicleID and returns its id. If the
// vehicle already has an active trip, that trip's id is returned unchanged.
func (c *Controller) StartTrip(ctx context.Context, sig fleet.MotionSignal) (string, error) {
	unlock, err := c.locker.Lock(ctx, lock.VehicleKey(sig.VehicleID))
	if err != nil {
		return "", c.fail("start", sig.VehicleID, err)
	}
	defer unlock()

	existing, err := c.repo.GetActiveTrip(ctx, sig.VehicleID)
	switch {
	case err == nil:
		c.logger.Debug("vehicle already has an active trip",
			zap.Int64("vehicle_id", sig.VehicleID), zap.String("trip_id", existing.ID))
		return existing.ID, nil
	case !errors.Is(err, fleet.ErrNotFound):
		return "", c.fail("start", sig.VehicleID, err)
	}

	ts := sig.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	trip := &fleet.Trip{
		ID:          uuid.NewString(),
		VehicleID:   sig.VehicleID,
		Status:      fleet.TripActive,
		StartTime:   ts,
		StartLat:    sig.Position.Lat,
		StartLng:    sig.Position.Lng,
		StartStopID: sig.StopID,
	}
	if err := c.repo.InsertTrip(ctx, trip); err != nil {
		if errors.Is(err, fleet.ErrConflict) {
			// Another writer opened a trip first.
			if winner, rerr := c.repo.GetActiveTrip(ctx, sig.VehicleID); rerr == nil {
				return winner.ID, nil
			}
		}
		return "", c.fail("start", sig.VehicleID, err)
	}

	if c.metrics != nil {
		c.metrics.TripStartedInc()
	}
	c.logger.Info("trip started",
		zap.Int64("vehicle_id", sig.VehicleID), zap.String("trip_id", trip.ID), zap.Time("start", ts))
	if c.notifier != nil {
		c.notifier.TripStarted(ctx, *trip)
	}
	return trip.ID, nil
}

// EndTrip completes the vehicle's active trip. It reports false with a nil
// error when there is no active trip to end. Statistics carried by sig are
// used when present and non-zero, otherwise the accrued values are kept.
func (c *Controller) EndTrip(ctx context.Context, sig fleet.MotionSignal) (bool, error) {
	unlock, err := c.locker.Lock(ctx, lock.VehicleKey(sig.VehicleID))
	if err != nil {
		return false, c.fail("end", sig.VehicleID, err)
	}
	defer unlock()

	active, err := c.repo.GetActiveTrip(ctx, sig.VehicleID)
	if errors.Is(err, fleet.ErrNotFound) {
		c.logger.Info("no active trip to end", zap.Int64("vehicle_id", sig.VehicleID))
		return false, nil
	}
	if err != nil {
		return false, c.fail("end", sig.VehicleID, err)
	}

	ts := sig.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	patch := fleet.TripPatch{
		Status:    fleet.TripCompleted,
		EndTime:   &ts,
		EndLat:    sig.Position.Lat,
		EndLng:    sig.Position.Lng,
		EndStopID: sig.StopID,
		Distance:  orAccrued(sig.Distance, active.Distance),
		MaxSpeed:  orAccrued(sig.MaxSpeed, active.MaxSpeed),
		AvgSpeed:  orAccrued(sig.AvgSpeed, active.AvgSpeed),
		Duration:  wholeSeconds(ts.Sub(active.StartTime)),
	}
	if err := c.repo.UpdateTrip(ctx, active.ID, patch); err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			c.logger.Info("trip completed concurrently", zap.Int64("vehicle_id", sig.VehicleID), zap.String("trip_id", active.ID))
			return false, nil
		}
		return false, c.fail("end", sig.VehicleID, err)
	}

	patch.Apply(active)
	if c.metrics != nil {
		c.metrics.TripCompletedInc()
	}
	c.logger.Info("trip completed",
		zap.Int64("vehicle_id", sig.VehicleID), zap.String("trip_id", active.ID),
		zap.Int64("duration_s", patch.Duration), zap.Float64("distance_m", patch.Distance))
	if c.notifier != nil {
		c.notifier.TripCompleted(ctx, *active)
	}
	return true, nil
}

// UpdateTripStats accrues one position sample into the vehicle's active trip:
// distance from the last known position, running max speed, duration since
// start and the derived average speed. It reports false with a nil error when
// no trip is active.
func (c *Controller) UpdateTripStats(ctx context.Context, vehicleID int64, speed float64, pos geo.Point) (bool, error) {
	unlock, err := c.locker.Lock(ctx, lock.VehicleKey(vehicleID))
	if err != nil {
		return false, c.fail("update", vehicleID, err)
	}
	defer unlock()

	active, err := c.repo.GetActiveTrip(ctx, vehicleID)
	if errors.Is(err, fleet.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, c.fail("update", vehicleID, err)
	}

	distance := active.Distance + geo.DistanceMeters(active.LastPosition(), pos)
	maxSpeed := max(active.MaxSpeed, speed)
	// Recomputed from the start time every sample, never allowed to shrink.
	duration := max(wholeSeconds(c.clock.Now().Sub(active.StartTime)), active.Duration)
	var avg float64
	if duration > 0 {
		avg = geo.Round(distance/1000/(float64(duration)/3600), 1)
	}

	patch := fleet.TripPatch{
		EndLat:   pos.Lat,
		EndLng:   pos.Lng,
		Distance: distance,
		MaxSpeed: maxSpeed,
		AvgSpeed: avg,
		Duration: duration,
	}
	if err := c.repo.UpdateTrip(ctx, active.ID, patch); err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return false, nil
		}
		return false, c.fail("update", vehicleID, err)
	}
	if c.metrics != nil {
		c.metrics.TripUpdatedInc()
	}
	return true, nil
}

func orAccrued(supplied *float64, accrued float64) float64 {
	if supplied != nil && *supplied != 0 {
		return *supplied
	}
	return accrued
}

func wholeSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
