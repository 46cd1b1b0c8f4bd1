// Package geofence decides when a vehicle has entered a stop's geofence and
// mirrors stops into the external telemetry source as geofences.
package geofence

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

const (
	DefaultDebounce = 60 * time.Second
	DefaultRadius   = 15.0
)

// Repository is the storage the matcher reads stops and debounce history from.
type Repository interface {
	ListStops(ctx context.Context, activeOnly bool) ([]fleet.Stop, error)
	GetLastGeofenceEvent(ctx context.Context, vehicleID, stopID int64) (*fleet.GeofenceEvent, error)
	InsertGeofenceEvent(ctx context.Context, ev *fleet.GeofenceEvent) error
}

// Metrics receives matcher counters. A nil Metrics is allowed.
type Metrics interface {
	GeofenceEnterInc()
	GeofenceErrInc()
}

type Config struct {
	Debounce      time.Duration
	DefaultRadius float64
}

type StopResult struct {
	StopID       int64   `json:"stopId"`
	StopName     string  `json:"stopName"`
	Distance     float64 `json:"distance"`
	IsInside     bool    `json:"isInside"`
	EventCreated bool    `json:"eventCreated"`
}

// StopError records a per-stop storage failure that did not abort the check.
type StopError struct {
	StopID int64
	Err    error
}

func (e StopError) Error() string { return fmt.Sprintf("stop %d: %v", e.StopID, e.Err) }

func (e StopError) Unwrap() error { return e.Err }

type CheckResult struct {
	VehicleID   int64       `json:"vehicleId"`
	Position    geo.Point   `json:"position"`
	EnteredStop *fleet.Stop `json:"enteredStop"`
	// EnteredEvent is the event recorded for EnteredStop.
	EnteredEvent *fleet.GeofenceEvent `json:"enteredEvent,omitempty"`
	Stops        []StopResult         `json:"stops"`
	NearestStop  *StopResult          `json:"nearestStop"`
	StopsInside  int                  `json:"stopsInside"`
	Errors       []StopError          `json:"-"`
}

type Matcher struct {
	repo    Repository
	locker  lock.Locker
	clock   clock.Clock
	cfg     Config
	metrics Metrics
	logger  *zap.Logger
}

func NewMatcher(repo Repository, locker lock.Locker, clk clock.Clock, cfg Config, metrics Metrics, logger *zap.Logger) *Matcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = DefaultRadius
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{repo: repo, locker: locker, clock: clk, cfg: cfg, metrics: metrics, logger: logger}
}

// CheckAllStops classifies pos against every active stop in stored order and
// records an enter event for each stop the vehicle is inside, unless the last
// event for that pair is an enter younger than the debounce window. The first
// stop entered is reported as EnteredStop. Per-stop storage errors are kept in
// the result; only a failure to list stops fails the call.
func (m *Matcher) CheckAllStops(ctx context.Context, vehicleID int64, pos geo.Point) (*CheckResult, error) {
	stops, err := m.repo.ListStops(ctx, true)
	if err != nil {
		m.errInc()
		return nil, fmt.Errorf("list stops: %w", err)
	}

	unlock, err := m.locker.Lock(ctx, lock.VehicleKey(vehicleID))
	if err != nil {
		return nil, fmt.Errorf("lock vehicle %d: %w", vehicleID, err)
	}
	defer unlock()

	res := &CheckResult{VehicleID: vehicleID, Position: pos, Stops: make([]StopResult, 0, len(stops))}
	nearest := -1
	for _, stop := range stops {
		d := geo.DistanceMeters(pos, stop.Point())
		sr := StopResult{
			StopID:   stop.ID,
			StopName: stop.Name,
			Distance: d,
			IsInside: d <= stop.Radius(m.cfg.DefaultRadius),
		}
		if sr.IsInside {
			res.StopsInside++
			ev, err := m.enter(ctx, vehicleID, stop, d)
			if err != nil {
				m.errInc()
				m.logger.Warn("geofence check failed for stop",
					zap.Int64("vehicle_id", vehicleID), zap.Int64("stop_id", stop.ID), zap.Error(err))
				res.Errors = append(res.Errors, StopError{StopID: stop.ID, Err: err})
			}
			sr.EventCreated = ev != nil
			if ev != nil && res.EnteredStop == nil {
				entered := stop
				res.EnteredStop = &entered
				res.EnteredEvent = ev
			}
		}
		res.Stops = append(res.Stops, sr)
		if nearest < 0 || sr.Distance < res.Stops[nearest].Distance {
			nearest = len(res.Stops) - 1
		}
	}
	if nearest >= 0 {
		n := res.Stops[nearest]
		res.NearestStop = &n
	}
	return res, nil
}

// enter records an enter event unless debounced; a nil event means none
// was recorded.
func (m *Matcher) enter(ctx context.Context, vehicleID int64, stop fleet.Stop, distance float64) (*fleet.GeofenceEvent, error) {
	now := m.clock.Now()
	last, err := m.repo.GetLastGeofenceEvent(ctx, vehicleID, stop.ID)
	if err != nil && !errors.Is(err, fleet.ErrNotFound) {
		return nil, fmt.Errorf("last event: %w", err)
	}
	if !m.shouldTrigger(last, now) {
		return nil, nil
	}
	ev := &fleet.GeofenceEvent{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		StopID:    stop.ID,
		Type:      fleet.GeofenceEnter,
		Distance:  distance,
		Timestamp: now,
	}
	if err := m.repo.InsertGeofenceEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if m.metrics != nil {
		m.metrics.GeofenceEnterInc()
	}
	m.logger.Info("vehicle entered stop",
		zap.Int64("vehicle_id", vehicleID), zap.Int64("stop_id", stop.ID),
		zap.String("stop", stop.Name), zap.Float64("distance_m", distance))
	return ev, nil
}

func (m *Matcher) shouldTrigger(last *fleet.GeofenceEvent, now time.Time) bool {
	if last == nil || last.Type == fleet.GeofenceExit {
		return true
	}
	return now.Sub(last.Timestamp) > m.cfg.Debounce
}

func (m *Matcher) errInc() {
	if m.metrics != nil {
		m.metrics.GeofenceErrInc()
	}
}

// RecordEvent stores an event reported by the external source (for example an
// exit) so it participates in debounce decisions.
func (m *Matcher) RecordEvent(ctx context.Context, ev fleet.GeofenceEvent) error {
	if ev.Type != fleet.GeofenceEnter && ev.Type != fleet.GeofenceExit {
		return fmt.Errorf("%w: geofence event type %q", fleet.ErrInvalidInput, ev.Type)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}
	unlock, err := m.locker.Lock(ctx, lock.VehicleKey(ev.VehicleID))
	if err != nil {
		return fmt.Errorf("lock vehicle %d: %w", ev.VehicleID, err)
	}
	defer unlock()
	if err := m.repo.InsertGeofenceEvent(ctx, &ev); err != nil {
		m.errInc()
		return fmt.Errorf("record geofence event: %w", err)
	}
	return nil
}
