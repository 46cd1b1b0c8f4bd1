package traccar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geofence"
	"shuttle-telemetry/internal/trips"
)

var (
	_ geofence.Remote  = (*Client)(nil)
	_ trips.TripSource = (*Client)(nil)
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", Options{
		Username:  "ops",
		Password:  "secret",
		RateLimit: rate.Inf,
		Backoff:   time.Millisecond,
	}, zaptest.NewLogger(t))
}

const tripsJSON = `[{
	"deviceId": 101,
	"deviceName": "Buggy 1",
	"startTime": "2026-06-01T09:00:00.000+00:00",
	"endTime": "2026-06-01T09:20:30.000+00:00",
	"startLat": 41.0, "startLon": 29.0,
	"endLat": 41.02, "endLon": 29.01,
	"distance": 2500.5,
	"maxSpeed": 20,
	"averageSpeed": 4,
	"duration": 1230999,
	"spentFuel": 0
}]`

func TestTripsReport(t *testing.T) {
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reports/trips", r.URL.Path)
		assert.Equal(t, "101", r.URL.Query().Get("deviceId"))
		assert.Equal(t, "2026-06-01T00:00:00Z", r.URL.Query().Get("from"))
		assert.Equal(t, "2026-06-02T00:00:00Z", r.URL.Query().Get("to"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ops", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(tripsJSON))
	}))

	got, err := c.TripsReport(context.Background(), 101, from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	tr := got[0]
	assert.Equal(t, int64(101), tr.DeviceID)
	assert.True(t, tr.StartTime.Equal(from.Add(9*time.Hour)))
	assert.Equal(t, 41.02, tr.End.Lat)
	assert.Equal(t, 29.01, tr.End.Lng)
	assert.Equal(t, 2500.5, tr.Distance)
	assert.InDelta(t, 37.04, tr.MaxSpeed, 1e-9)
	assert.InDelta(t, 7.408, tr.AvgSpeed, 1e-9)
	assert.Equal(t, int64(1230), tr.Duration)
}

func TestTripsReportSkipsMalformedRows(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"deviceId":1,"startTime":"2026-06-01T09:00:00Z","endTime":"2026-06-01T09:30:00Z","startLat":41,"startLon":29,"endLat":41.01,"endLon":29,"maxSpeed":10,"duration":1800000},
			{"deviceId":1,"startTime":"2026-06-01T10:00:00Z","endTime":"2026-06-01T09:00:00Z","startLat":41,"startLon":29,"endLat":41,"endLon":29},
			{"deviceId":1,"startTime":"2026-06-01T11:00:00Z","endTime":"2026-06-01T11:10:00Z","startLat":141,"startLon":29,"endLat":41,"endLon":29}
		]`))
	}))
	got, err := c.TripsReport(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.Len(t, got, 1)
	assert.True(t, got[0].StartTime.Equal(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(1800), got[0].Duration)
	assert.ErrorIs(t, err, fleet.ErrInvalidInput)
	assert.ErrorContains(t, err, "device 1 trip 1: invalid input: trip ends before it starts")
	assert.ErrorContains(t, err, "device 1 trip 2")

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"a list"}`))
	}))
	got, err = c.TripsReport(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorContains(t, err, "decode")
	assert.Empty(t, got)
}

func TestRetriesServerErrorsOnGet(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))

	got, err := c.TripsReport(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.DeviceIDs(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "Account is disabled", http.StatusUnauthorized)
	}))

	_, err := c.Geofences(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, "Account is disabled", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeofenceEndpoints(t *testing.T) {
	var linked []permission
	var deleted []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/geofences", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":5,"name":"BS_STOP_1_Gate","area":"CIRCLE (41 29, 15)","attributes":{}}]`))
	})
	mux.HandleFunc("POST /api/geofences", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var g geofenceDTO
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&g))
		g.ID = 6
		_ = json.NewEncoder(w).Encode(g)
	})
	mux.HandleFunc("DELETE /api/geofences/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = append(deleted, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":101,"name":"Buggy 1","uniqueId":"866"},{"id":102,"name":"Buggy 2","uniqueId":"867"}]`))
	})
	mux.HandleFunc("POST /api/permissions", func(w http.ResponseWriter, r *http.Request) {
		var p permission
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		linked = append(linked, p)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	gs, err := c.Geofences(ctx)
	require.NoError(t, err)
	assert.Equal(t, []fleet.ExternalGeofence{{ID: 5, Name: "BS_STOP_1_Gate", Area: "CIRCLE (41 29, 15)"}}, gs)

	created, err := c.CreateGeofence(ctx, "BS_STOP_2_Lobby", "CIRCLE (41.1 29.1, 20)")
	require.NoError(t, err)
	assert.Equal(t, fleet.ExternalGeofence{ID: 6, Name: "BS_STOP_2_Lobby", Area: "CIRCLE (41.1 29.1, 20)"}, *created)

	require.NoError(t, c.DeleteGeofence(ctx, 5))
	assert.Equal(t, []string{"5"}, deleted)

	ids, err := c.DeviceIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, ids)

	require.NoError(t, c.LinkDeviceGeofence(ctx, 101, 6))
	assert.Equal(t, []permission{{DeviceID: 101, GeofenceID: 6}}, linked)
}

func TestPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	err := c.LinkDeviceGeofence(context.Background(), 1, 2)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}
