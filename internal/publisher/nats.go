package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geo"
)

// Conn is the publishing half of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect dials NATS and keeps the connected gauge in step with the
// connection state.
func Connect(url, name string, m PublisherMetrics, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

const (
	EventTripStarted   = "trip.started"
	EventTripCompleted = "trip.completed"
	EventGeofenceEnter = "geofence.enter"
)

// NATSPublisher emits domain events on <prefix>.events.<event>.
type NATSPublisher struct {
	conn        Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *zap.Logger
}

func NewNATSPublisher(conn Conn, prefix string, logSubjects bool, m PublisherMetrics, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: SubjectToken(prefix), logSubjects: logSubjects, metrics: m, logger: logger}
}

type TripMessage struct {
	Event     string     `json:"event"`
	TripID    string     `json:"tripId"`
	VehicleID int64      `json:"vehicleId"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	Start     geo.Point  `json:"start"`
	StopID    *int64     `json:"stopId,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	End       *geo.Point `json:"end,omitempty"`
	Distance  float64    `json:"distance"`
	MaxSpeed  float64    `json:"maxSpeed"`
	AvgSpeed  float64    `json:"avgSpeed"`
	Duration  int64      `json:"duration"`
}

type GeofenceMessage struct {
	Event     string    `json:"event"`
	EventID   string    `json:"eventId"`
	VehicleID int64     `json:"vehicleId"`
	StopID    int64     `json:"stopId"`
	StopName  string    `json:"stopName"`
	Distance  float64   `json:"distance"`
	Timestamp time.Time `json:"timestamp"`
}

func tripMessage(event string, t fleet.Trip) TripMessage {
	msg := TripMessage{
		Event:     event,
		TripID:    t.ID,
		VehicleID: t.VehicleID,
		Status:    string(t.Status),
		StartTime: t.StartTime,
		Start:     geo.Point{Lat: t.StartLat, Lng: t.StartLng},
		StopID:    t.StartStopID,
		EndTime:   t.EndTime,
		Distance:  t.Distance,
		MaxSpeed:  t.MaxSpeed,
		AvgSpeed:  t.AvgSpeed,
		Duration:  t.Duration,
	}
	if t.Status == fleet.TripCompleted {
		end := t.LastPosition()
		msg.End = &end
		msg.StopID = t.EndStopID
	}
	return msg
}

func (p *NATSPublisher) PublishTrip(event string, t fleet.Trip) error {
	return p.publish(event, tripMessage(event, t))
}

func (p *NATSPublisher) PublishGeofenceEnter(stop fleet.Stop, ev fleet.GeofenceEvent) error {
	return p.publish(EventGeofenceEnter, GeofenceMessage{
		Event:     EventGeofenceEnter,
		EventID:   ev.ID,
		VehicleID: ev.VehicleID,
		StopID:    stop.ID,
		StopName:  stop.Name,
		Distance:  ev.Distance,
		Timestamp: ev.Timestamp,
	})
}

// TripStarted and TripCompleted let the publisher act as the trip
// controller's notifier. Failures are logged, never returned.
func (p *NATSPublisher) TripStarted(_ context.Context, t fleet.Trip) {
	if err := p.PublishTrip(EventTripStarted, t); err != nil {
		p.logger.Warn("publish trip started failed", zap.String("trip_id", t.ID), zap.Error(err))
	}
}

func (p *NATSPublisher) TripCompleted(_ context.Context, t fleet.Trip) {
	if err := p.PublishTrip(EventTripCompleted, t); err != nil {
		p.logger.Warn("publish trip completed failed", zap.String("trip_id", t.ID), zap.Error(err))
	}
}

func (p *NATSPublisher) Subject(event string) string {
	return p.prefix + ".events." + event
}

func (p *NATSPublisher) publish(event string, v any) error {
	subject := p.Subject(event)
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", zap.String("subject", subject))
	}
	start := time.Now()
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// SubjectToken makes s safe to use as a single NATS subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
