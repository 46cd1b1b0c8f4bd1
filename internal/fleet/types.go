// Package fleet holds the domain types shared by the trip engine, the
// geofence matcher, storage and transport.
package fleet

import (
	"errors"
	"time"

	"shuttle-telemetry/internal/geo"
)

var (
	// ErrNotFound reports a missing vehicle, stop or active trip.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput reports a malformed signal rejected before any mutation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict reports a uniqueness race lost against a concurrent writer.
	ErrConflict = errors.New("conflict")
)

type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
)

// Trip is one contiguous interval of vehicle motion.
// Distance is in meters, speeds in km/h, Duration in seconds.
type Trip struct {
	ID             string     `json:"id"`
	VehicleID      int64      `json:"vehicleId"`
	Status         TripStatus `json:"status"`
	StartTime      time.Time  `json:"startTime"`
	StartLat       float64    `json:"startLat"`
	StartLng       float64    `json:"startLng"`
	StartStopID    *int64     `json:"startStopId,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	EndLat         *float64   `json:"endLat,omitempty"`
	EndLng         *float64   `json:"endLng,omitempty"`
	EndStopID      *int64     `json:"endStopId,omitempty"`
	Distance       float64    `json:"distance"`
	MaxSpeed       float64    `json:"maxSpeed"`
	AvgSpeed       float64    `json:"avgSpeed"`
	Duration       int64      `json:"duration"`
	ExternalTripID *int64     `json:"externalTripId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// LastPosition is where distance accrual continues from: the latest sampled
// position when one exists, the start position otherwise.
func (t Trip) LastPosition() geo.Point {
	if t.EndLat != nil && t.EndLng != nil {
		return geo.Point{Lat: *t.EndLat, Lng: *t.EndLng}
	}
	return geo.Point{Lat: t.StartLat, Lng: t.StartLng}
}

// TripPatch is the set of fields written by an update of an active trip.
// An empty Status keeps the trip active; nil pointers keep stored values.
type TripPatch struct {
	Status    TripStatus
	EndTime   *time.Time
	EndLat    float64
	EndLng    float64
	EndStopID *int64
	Distance  float64
	MaxSpeed  float64
	AvgSpeed  float64
	Duration  int64
}

// Apply copies the patch onto t.
func (p TripPatch) Apply(t *Trip) {
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.EndTime != nil {
		et := *p.EndTime
		t.EndTime = &et
	}
	lat, lng := p.EndLat, p.EndLng
	t.EndLat, t.EndLng = &lat, &lng
	if p.EndStopID != nil {
		id := *p.EndStopID
		t.EndStopID = &id
	}
	t.Distance = p.Distance
	t.MaxSpeed = p.MaxSpeed
	t.AvgSpeed = p.AvgSpeed
	t.Duration = p.Duration
}

type Vehicle struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	ExternalDeviceID *int64 `json:"externalDeviceId,omitempty"`
}

// Stop is a known pickup point with a circular geofence.
type Stop struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	GeofenceRadius float64 `json:"geofenceRadius"` // meters, 0 means unset
	IsActive       bool    `json:"isActive"`
}

// Radius returns the stop's geofence radius or def when it is unset.
func (s Stop) Radius(def float64) float64 {
	if s.GeofenceRadius > 0 {
		return s.GeofenceRadius
	}
	return def
}

func (s Stop) Point() geo.Point { return geo.Point{Lat: s.Lat, Lng: s.Lng} }

type GeofenceEventType string

const (
	GeofenceEnter GeofenceEventType = "enter"
	GeofenceExit  GeofenceEventType = "exit"
)

type GeofenceEvent struct {
	ID        string            `json:"id"`
	VehicleID int64             `json:"vehicleId"`
	StopID    int64             `json:"stopId"`
	Type      GeofenceEventType `json:"type"`
	Distance  float64           `json:"distance"`
	Timestamp time.Time         `json:"timestamp"`
}

type MotionKind string

const (
	MotionMoving  MotionKind = "moving"
	MotionStopped MotionKind = "stopped"
)

// MotionSignal reports a vehicle starting or stopping. Stop signals may carry
// whole-trip statistics precomputed upstream.
type MotionSignal struct {
	VehicleID int64      `json:"vehicleId"`
	Kind      MotionKind `json:"kind"`
	Position  geo.Point  `json:"position"`
	Timestamp time.Time  `json:"timestamp"`
	StopID    *int64     `json:"stopId,omitempty"`
	Distance  *float64   `json:"distance,omitempty"`
	MaxSpeed  *float64   `json:"maxSpeed,omitempty"`
	AvgSpeed  *float64   `json:"avgSpeed,omitempty"`
}

// PositionSample is one live position fix. Speed is in km/h.
type PositionSample struct {
	VehicleID int64     `json:"vehicleId"`
	Position  geo.Point `json:"position"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// ExternalTrip is a trip reported by the external telemetry source, already
// converted to internal units (meters, km/h, seconds).
type ExternalTrip struct {
	DeviceID  int64
	StartTime time.Time
	EndTime   time.Time
	Start     geo.Point
	End       geo.Point
	Distance  float64
	MaxSpeed  float64
	AvgSpeed  float64
	Duration  int64
}

// SyntheticTripKey derives the deduplication key for an imported trip:
// deviceID*1e6 + (start epoch ms mod 1e6). Distinct trips of one device whose
// start times share the low six millisecond digits collide.
func SyntheticTripKey(deviceID int64, start time.Time) int64 {
	return deviceID*1_000_000 + start.UnixMilli()%1_000_000
}

// TripSummary is the rollup over a set of trips. TotalDistance is in km,
// TotalDuration in minutes.
type TripSummary struct {
	TotalTrips    int     `json:"totalTrips"`
	TotalDistance float64 `json:"totalDistance"`
	TotalDuration int64   `json:"totalDuration"`
	AvgSpeed      float64 `json:"avgSpeed"`
	MaxSpeed      float64 `json:"maxSpeed"`
}

// ExternalGeofence is a geofence as stored by the external telemetry source.
// Area is a WKT-like shape, for circles "CIRCLE (lat lng, radius)".
type ExternalGeofence struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Area string `json:"area"`
}
