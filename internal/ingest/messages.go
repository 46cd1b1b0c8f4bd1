package ingest

import (
	"fmt"
	"time"

	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geo"
)

// Inbound payloads. The vehicle id comes from the subject; a vehicleId in the
// body must agree with it. Speeds are km/h.

type positionPayload struct {
	VehicleID *int64     `json:"vehicleId"`
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Speed     float64    `json:"speed"`
	Timestamp *time.Time `json:"timestamp"`
}

type motionPayload struct {
	VehicleID *int64           `json:"vehicleId"`
	Kind      fleet.MotionKind `json:"kind"`
	Lat       *float64         `json:"lat"`
	Lng       *float64         `json:"lng"`
	Timestamp *time.Time       `json:"timestamp"`
	StopID    *int64           `json:"stopId"`
	Distance  *float64         `json:"distance"`
	MaxSpeed  *float64         `json:"maxSpeed"`
	AvgSpeed  *float64         `json:"avgSpeed"`
}

type geofencePayload struct {
	VehicleID *int64                  `json:"vehicleId"`
	Type      fleet.GeofenceEventType `json:"type"`
	StopID    *int64                  `json:"stopId"`
	Distance  float64                 `json:"distance"`
	Timestamp *time.Time              `json:"timestamp"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{fleet.ErrInvalidInput}, args...)...)
}

func checkVehicle(body *int64, subject int64) error {
	if body != nil && *body != subject {
		return invalid("vehicleId %d does not match subject vehicle %d", *body, subject)
	}
	return nil
}

func point(lat, lng *float64) (geo.Point, error) {
	if lat == nil || lng == nil {
		return geo.Point{}, invalid("missing coordinates")
	}
	p := geo.Point{Lat: *lat, Lng: *lng}
	if err := p.Validate(); err != nil {
		return geo.Point{}, invalid("%v", err)
	}
	return p, nil
}

func timestamp(ts *time.Time) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return *ts
}

func nonNegative(name string, v *float64) error {
	if v != nil && *v < 0 {
		return invalid("negative %s", name)
	}
	return nil
}

func (p positionPayload) sample(vehicleID int64) (fleet.PositionSample, error) {
	if err := checkVehicle(p.VehicleID, vehicleID); err != nil {
		return fleet.PositionSample{}, err
	}
	pos, err := point(p.Lat, p.Lng)
	if err != nil {
		return fleet.PositionSample{}, err
	}
	if p.Speed < 0 {
		return fleet.PositionSample{}, invalid("negative speed")
	}
	return fleet.PositionSample{VehicleID: vehicleID, Position: pos, Speed: p.Speed, Timestamp: timestamp(p.Timestamp)}, nil
}

func (m motionPayload) signal(vehicleID int64) (fleet.MotionSignal, error) {
	if err := checkVehicle(m.VehicleID, vehicleID); err != nil {
		return fleet.MotionSignal{}, err
	}
	if m.Kind != fleet.MotionMoving && m.Kind != fleet.MotionStopped {
		return fleet.MotionSignal{}, invalid("motion kind %q", m.Kind)
	}
	pos, err := point(m.Lat, m.Lng)
	if err != nil {
		return fleet.MotionSignal{}, err
	}
	for name, v := range map[string]*float64{"distance": m.Distance, "maxSpeed": m.MaxSpeed, "avgSpeed": m.AvgSpeed} {
		if err := nonNegative(name, v); err != nil {
			return fleet.MotionSignal{}, err
		}
	}
	return fleet.MotionSignal{
		VehicleID: vehicleID,
		Kind:      m.Kind,
		Position:  pos,
		Timestamp: timestamp(m.Timestamp),
		StopID:    m.StopID,
		Distance:  m.Distance,
		MaxSpeed:  m.MaxSpeed,
		AvgSpeed:  m.AvgSpeed,
	}, nil
}

func (g geofencePayload) event(vehicleID int64) (fleet.GeofenceEvent, error) {
	if err := checkVehicle(g.VehicleID, vehicleID); err != nil {
		return fleet.GeofenceEvent{}, err
	}
	if g.Type != fleet.GeofenceEnter && g.Type != fleet.GeofenceExit {
		return fleet.GeofenceEvent{}, invalid("geofence event type %q", g.Type)
	}
	if g.StopID == nil {
		return fleet.GeofenceEvent{}, invalid("missing stopId")
	}
	return fleet.GeofenceEvent{
		VehicleID: vehicleID,
		StopID:    *g.StopID,
		Type:      g.Type,
		Distance:  g.Distance,
		Timestamp: timestamp(g.Timestamp),
	}, nil
}
