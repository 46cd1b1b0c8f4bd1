package trips

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shuttle-telemetry/internal/clock"
	"shuttle-telemetry/internal/db/memstore"
	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geo"
)

type fakeSource struct {
	mu      sync.Mutex
	reports map[int64][]fleet.ExternalTrip
	fail    map[int64]error
	dropped map[int64]error
	calls   []time.Time
}

func (f *fakeSource) TripsReport(_ context.Context, deviceID int64, from, to time.Time) ([]fleet.ExternalTrip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, from, to)
	if err := f.fail[deviceID]; err != nil {
		return nil, err
	}
	return f.reports[deviceID], f.dropped[deviceID]
}

type syncCounters struct {
	mu       sync.Mutex
	imported int
	errs     int
	observed int
}

func (s *syncCounters) SyncImportedAdd(n int)       { s.mu.Lock(); s.imported += n; s.mu.Unlock() }
func (s *syncCounters) SyncErrorInc()               { s.mu.Lock(); s.errs++; s.mu.Unlock() }
func (s *syncCounters) SyncDurationObserve(float64) { s.mu.Lock(); s.observed++; s.mu.Unlock() }

func externalTrip(deviceID int64, start time.Time) fleet.ExternalTrip {
	return fleet.ExternalTrip{
		DeviceID:  deviceID,
		StartTime: start,
		EndTime:   start.Add(20 * time.Minute),
		Start:     geo.Point{Lat: 41.0, Lng: 29.0},
		End:       geo.Point{Lat: 41.02, Lng: 29.01},
		Distance:  2500,
		MaxSpeed:  geo.KnotsToKmh(20),
		AvgSpeed:  geo.KnotsToKmh(4),
		Duration:  1200,
	}
}

func trackedStore() *memstore.Store {
	s := memstore.New()
	s.PutVehicle(fleet.Vehicle{ID: 1, Name: "Buggy 1", ExternalDeviceID: ptr(int64(101))})
	s.PutVehicle(fleet.Vehicle{ID: 2, Name: "Buggy 2", ExternalDeviceID: ptr(int64(102))})
	s.PutVehicle(fleet.Vehicle{ID: 3, Name: "Spare"})
	return s
}

func TestSyncExternalTripsImportsOnce(t *testing.T) {
	store := trackedStore()
	src := &fakeSource{reports: map[int64][]fleet.ExternalTrip{
		101: {externalTrip(101, t0), externalTrip(101, t0.Add(time.Hour))},
		102: {externalTrip(102, t0.Add(30*time.Minute))},
	}}
	counters := &syncCounters{}
	r := NewReconciler(store, src, nil, clock.NewMockClock(t0), 2, counters, zaptest.NewLogger(t))
	ctx := context.Background()

	res, err := r.SyncExternalTrips(ctx, t0.Add(-time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.Errors)

	res, err = r.SyncExternalTrips(ctx, t0.Add(-time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
	assert.Equal(t, 3, res.Skipped)

	imported, err := store.VehicleTrips(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, imported, 2)
	trip := imported[1]
	assert.Equal(t, fleet.TripCompleted, trip.Status)
	assert.True(t, trip.StartTime.Equal(t0))
	require.NotNil(t, trip.ExternalTripID)
	assert.Equal(t, fleet.SyntheticTripKey(101, t0), *trip.ExternalTripID)
	assert.InDelta(t, 37.04, trip.MaxSpeed, 0.001)
	assert.Equal(t, int64(1200), trip.Duration)
	assert.Equal(t, 41.02, *trip.EndLat)

	active, err := store.ActiveTrips(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Equal(t, 3, counters.imported)
	assert.Equal(t, 2, counters.observed)
}

func TestSyncExternalTripsSameReportTwiceInOneBatch(t *testing.T) {
	store := trackedStore()
	dup := externalTrip(101, t0)
	src := &fakeSource{reports: map[int64][]fleet.ExternalTrip{101: {dup, dup}}}
	r := NewReconciler(store, src, nil, clock.NewMockClock(t0), 1, nil, zaptest.NewLogger(t))

	res, err := r.SyncExternalTrips(context.Background(), t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Skipped)
}

func TestSyncExternalTripsIsolatesVehicleFailures(t *testing.T) {
	store := trackedStore()
	src := &fakeSource{
		reports: map[int64][]fleet.ExternalTrip{102: {externalTrip(102, t0)}},
		fail:    map[int64]error{101: errors.New("device offline")},
	}
	counters := &syncCounters{}
	r := NewReconciler(store, src, nil, clock.NewMockClock(t0), 4, counters, zaptest.NewLogger(t))

	res, err := r.SyncExternalTrips(context.Background(), t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Buggy 1")
	assert.Contains(t, res.Errors[0], "device offline")
	assert.Equal(t, 1, counters.errs)
}

func TestSyncExternalTripsImportsAroundDroppedRows(t *testing.T) {
	store := trackedStore()
	src := &fakeSource{
		reports: map[int64][]fleet.ExternalTrip{101: {externalTrip(101, t0)}},
		dropped: map[int64]error{101: errors.Join(
			fmt.Errorf("device 101 trip 1: %w: trip ends before it starts", fleet.ErrInvalidInput),
			fmt.Errorf("device 101 trip 2: %w: negative trip statistic", fleet.ErrInvalidInput),
		)},
	}
	counters := &syncCounters{}
	r := NewReconciler(store, src, nil, clock.NewMockClock(t0), 4, counters, zaptest.NewLogger(t))

	res, err := r.SyncExternalTrips(context.Background(), t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, []string{
		"vehicle Buggy 1: device 101 trip 1: invalid input: trip ends before it starts",
		"vehicle Buggy 1: device 101 trip 2: invalid input: negative trip statistic",
	}, res.Errors)
	assert.Equal(t, 2, counters.errs)

	_, err = store.FindTripByExternalID(context.Background(), fleet.SyntheticTripKey(101, t0))
	assert.NoError(t, err)
}

func TestSyncExternalTripsDefaultWindow(t *testing.T) {
	src := &fakeSource{}
	r := NewReconciler(trackedStore(), src, nil, clock.NewMockClock(t0), 1, nil, nil)

	res, err := r.SyncExternalTrips(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.To.Equal(t0))
	assert.True(t, res.From.Equal(t0.Add(-7*24*time.Hour)))
	require.Len(t, src.calls, 4)
	assert.True(t, src.calls[0].Equal(res.From))
}

type failingVehicles struct{ *memstore.Store }

func (failingVehicles) ListTrackedVehicles(context.Context) ([]fleet.Vehicle, error) {
	return nil, errors.New("db down")
}

func TestSyncExternalTripsListFailure(t *testing.T) {
	r := NewReconciler(failingVehicles{memstore.New()}, &fakeSource{}, nil, clock.NewMockClock(t0), 1, nil, nil)
	_, err := r.SyncExternalTrips(context.Background(), t0.Add(-time.Hour), t0)
	assert.ErrorContains(t, err, "db down")
}

func TestSyncImportsAlongsideActiveTrip(t *testing.T) {
	store := trackedStore()
	c, _, _ := newController(t, store)
	ctx := context.Background()

	_, err := c.StartTrip(ctx, moving(1, 41, 29, t0))
	require.NoError(t, err)

	src := &fakeSource{reports: map[int64][]fleet.ExternalTrip{101: {externalTrip(101, t0)}}}
	r := NewReconciler(store, src, nil, clock.NewMockClock(t0), 1, nil, nil)
	res, err := r.SyncExternalTrips(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	// Imported trips are completed, so the vehicle's active trip is untouched.
	active, err := store.GetActiveTrip(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, active.ExternalTripID)
}
