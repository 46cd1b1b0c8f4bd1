package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/trips"
)

var _ trips.Notifier = (*NATSPublisher)(nil)

type captured struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []captured
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, captured{subject, data})
	return nil
}

type counters struct {
	published, errs, observed int
}

func (c *counters) NATSPublishedInc()            { c.published++ }
func (c *counters) NATSPublishErrInc()           { c.errs++ }
func (c *counters) PublishObserve(time.Duration) { c.observed++ }
func (c *counters) NATSSetConnected(bool)        {}

func TestSubjectToken(t *testing.T) {
	cases := map[string]string{
		"fleet":        "fleet",
		" fleet ":      "fleet",
		"a.b":          "a_b",
		"north shore*": "north_shore_",
		"x>y/z":        "x_y_z",
		"":             "_",
	}
	for in, want := range cases {
		assert.Equal(t, want, SubjectToken(in), in)
	}
}

func TestPublishTripCompleted(t *testing.T) {
	conn := &fakeConn{}
	m := &counters{}
	p := NewNATSPublisher(conn, "fleet", true, m, zaptest.NewLogger(t))

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	lat, lng := 41.01, 29.02
	stop := int64(4)
	p.TripCompleted(context.Background(), fleet.Trip{
		ID: "t-1", VehicleID: 7, Status: fleet.TripCompleted,
		StartTime: start, StartLat: 41, StartLng: 29,
		EndTime: &end, EndLat: &lat, EndLng: &lng, EndStopID: &stop,
		Distance: 1500, MaxSpeed: 31.2, AvgSpeed: 9, Duration: 600,
	})

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "fleet.events.trip.completed", conn.msgs[0].subject)
	var msg TripMessage
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &msg))
	assert.Equal(t, EventTripCompleted, msg.Event)
	assert.Equal(t, "completed", msg.Status)
	require.NotNil(t, msg.End)
	assert.Equal(t, 41.01, msg.End.Lat)
	require.NotNil(t, msg.StopID)
	assert.Equal(t, int64(4), *msg.StopID)
	assert.Equal(t, int64(600), msg.Duration)
	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.observed)
}

func TestPublishTripStartedHasNoEnd(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "shuttle.fleet", false, nil, nil)
	p.TripStarted(context.Background(), fleet.Trip{ID: "t-2", VehicleID: 8, Status: fleet.TripActive})

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "shuttle_fleet.events.trip.started", conn.msgs[0].subject)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &raw))
	assert.NotContains(t, raw, "end")
	assert.NotContains(t, raw, "endTime")
}

func TestPublishGeofenceEnter(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "fleet", false, nil, nil)
	ts := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	err := p.PublishGeofenceEnter(fleet.Stop{ID: 3, Name: "Main Gate"},
		fleet.GeofenceEvent{ID: "ev-1", VehicleID: 7, StopID: 3, Type: fleet.GeofenceEnter, Distance: 4.2, Timestamp: ts})
	require.NoError(t, err)
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "fleet.events.geofence.enter", conn.msgs[0].subject)
	assert.JSONEq(t, `{"event":"geofence.enter","eventId":"ev-1","vehicleId":7,"stopId":3,"stopName":"Main Gate","distance":4.2,"timestamp":"2026-06-01T09:00:00Z"}`, string(conn.msgs[0].data))
}

func TestPublishErrorIsCounted(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	m := &counters{}
	p := NewNATSPublisher(conn, "fleet", false, m, zaptest.NewLogger(t))

	err := p.PublishTrip(EventTripStarted, fleet.Trip{ID: "t-3"})
	assert.Error(t, err)
	p.TripStarted(context.Background(), fleet.Trip{ID: "t-3"})
	assert.Equal(t, 2, m.errs)
	assert.Zero(t, m.published)
}
