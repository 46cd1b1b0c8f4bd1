package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"shuttle-telemetry/internal/fleet"
)

// Store is the Postgres-backed trip, stop, vehicle and geofence-event repository.
// Updates of trips are compare-and-swap on status='active', and the partial
// unique index on active trips backs the single-active-trip invariant.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

const tripColumns = `id, vehicle_id, status, start_time, start_lat, start_lng, start_stop_id,
	end_time, end_lat, end_lng, end_stop_id, distance, max_speed, avg_speed, duration,
	external_trip_id, created_at, updated_at`

func scanTrip(row pgx.Row) (*fleet.Trip, error) {
	var (
		t                  fleet.Trip
		status             string
		startStop, endStop sql.NullInt64
		endTime            sql.NullTime
		endLat, endLng     sql.NullFloat64
		externalID         sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.VehicleID, &status, &t.StartTime, &t.StartLat, &t.StartLng, &startStop,
		&endTime, &endLat, &endLng, &endStop, &t.Distance, &t.MaxSpeed, &t.AvgSpeed, &t.Duration,
		&externalID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	t.Status = fleet.TripStatus(status)
	t.StartStopID = nullInt(startStop)
	t.EndStopID = nullInt(endStop)
	t.ExternalTripID = nullInt(externalID)
	if endTime.Valid {
		et := endTime.Time
		t.EndTime = &et
	}
	if endLat.Valid && endLng.Valid {
		lat, lng := endLat.Float64, endLng.Float64
		t.EndLat, t.EndLng = &lat, &lng
	}
	return &t, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func (s *Store) queryTrips(ctx context.Context, q string, args ...any) ([]fleet.Trip, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	var trips []fleet.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, *t)
	}
	return trips, rows.Err()
}

// GetActiveTrip returns the vehicle's active trip or fleet.ErrNotFound.
func (s *Store) GetActiveTrip(ctx context.Context, vehicleID int64) (*fleet.Trip, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tripColumns+`
		FROM trips WHERE vehicle_id = $1 AND status = 'active' LIMIT 1`, vehicleID)
	return scanTrip(row)
}

// InsertTrip stores t and fills its CreatedAt/UpdatedAt. A second active trip
// for the vehicle or a repeated external id yields fleet.ErrConflict.
func (s *Store) InsertTrip(ctx context.Context, t *fleet.Trip) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO trips (id, vehicle_id, status, start_time, start_lat, start_lng, start_stop_id,
			end_time, end_lat, end_lng, end_stop_id, distance, max_speed, avg_speed, duration, external_trip_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		t.ID, t.VehicleID, string(t.Status), t.StartTime, t.StartLat, t.StartLng, t.StartStopID,
		t.EndTime, t.EndLat, t.EndLng, t.EndStopID, t.Distance, t.MaxSpeed, t.AvgSpeed, t.Duration, t.ExternalTripID)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("insert trip: %w", mapErr(err))
	}
	return nil
}

// UpdateTrip applies p to trip id only while it is still active. A completed
// or missing trip yields fleet.ErrNotFound.
func (s *Store) UpdateTrip(ctx context.Context, id string, p fleet.TripPatch) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips SET
			status = COALESCE(NULLIF($2, ''), status),
			end_time = COALESCE($3, end_time),
			end_lat = $4,
			end_lng = $5,
			end_stop_id = COALESCE($6, end_stop_id),
			distance = $7,
			max_speed = $8,
			avg_speed = $9,
			duration = $10,
			updated_at = now()
		WHERE id = $1 AND status = 'active'`,
		id, string(p.Status), p.EndTime, p.EndLat, p.EndLng, p.EndStopID, p.Distance, p.MaxSpeed, p.AvgSpeed, p.Duration)
	if err != nil {
		return fmt.Errorf("update trip %s: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update trip %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// FindTripByExternalID looks a trip up by its synthetic import key.
func (s *Store) FindTripByExternalID(ctx context.Context, key int64) (*fleet.Trip, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tripColumns+`
		FROM trips WHERE external_trip_id = $1 LIMIT 1`, key)
	return scanTrip(row)
}

func (s *Store) ActiveTrips(ctx context.Context) ([]fleet.Trip, error) {
	return s.queryTrips(ctx, `SELECT `+tripColumns+`
		FROM trips WHERE status = 'active' ORDER BY start_time DESC`)
}

// VehicleTrips returns the vehicle's most recent trips, newest first.
func (s *Store) VehicleTrips(ctx context.Context, vehicleID int64, limit int) ([]fleet.Trip, error) {
	return s.queryTrips(ctx, `SELECT `+tripColumns+`
		FROM trips WHERE vehicle_id = $1 ORDER BY start_time DESC LIMIT $2`, vehicleID, limit)
}

// TripsBetween returns trips starting within [from, to], optionally for one
// vehicle, newest first.
func (s *Store) TripsBetween(ctx context.Context, from, to time.Time, vehicleID *int64) ([]fleet.Trip, error) {
	return s.queryTrips(ctx, `SELECT `+tripColumns+`
		FROM trips
		WHERE start_time >= $1 AND start_time <= $2 AND ($3::bigint IS NULL OR vehicle_id = $3)
		ORDER BY start_time DESC`, from, to, vehicleID)
}

// ListStops returns stops ordered by id.
func (s *Store) ListStops(ctx context.Context, activeOnly bool) ([]fleet.Stop, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, lat, lng, COALESCE(geofence_radius, 0), is_active
		FROM stops WHERE ($1 = false OR is_active) ORDER BY id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var stops []fleet.Stop
	for rows.Next() {
		var st fleet.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Lat, &st.Lng, &st.GeofenceRadius, &st.IsActive); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// GetLastGeofenceEvent returns the newest event for the pair or fleet.ErrNotFound.
func (s *Store) GetLastGeofenceEvent(ctx context.Context, vehicleID, stopID int64) (*fleet.GeofenceEvent, error) {
	var (
		ev  fleet.GeofenceEvent
		typ string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, vehicle_id, stop_id, type, distance, timestamp
		FROM geofence_events
		WHERE vehicle_id = $1 AND stop_id = $2
		ORDER BY timestamp DESC LIMIT 1`, vehicleID, stopID).
		Scan(&ev.ID, &ev.VehicleID, &ev.StopID, &typ, &ev.Distance, &ev.Timestamp)
	if err != nil {
		return nil, mapErr(err)
	}
	ev.Type = fleet.GeofenceEventType(typ)
	return &ev, nil
}

func (s *Store) InsertGeofenceEvent(ctx context.Context, ev *fleet.GeofenceEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO geofence_events (id, vehicle_id, stop_id, type, distance, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.VehicleID, ev.StopID, string(ev.Type), ev.Distance, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert geofence event: %w", mapErr(err))
	}
	return nil
}

// ListTrackedVehicles returns vehicles linked to an external device, ordered by id.
func (s *Store) ListTrackedVehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, external_device_id FROM vehicles
		WHERE external_device_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()
	var vehicles []fleet.Vehicle
	for rows.Next() {
		var (
			v        fleet.Vehicle
			deviceID sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.Name, &deviceID); err != nil {
			return nil, err
		}
		v.ExternalDeviceID = nullInt(deviceID)
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

func (s *Store) GetVehicle(ctx context.Context, id int64) (*fleet.Vehicle, error) {
	var (
		v        fleet.Vehicle
		deviceID sql.NullInt64
	)
	err := s.db.QueryRow(ctx, `SELECT id, name, external_device_id FROM vehicles WHERE id = $1`, id).
		Scan(&v.ID, &v.Name, &deviceID)
	if err != nil {
		return nil, mapErr(err)
	}
	v.ExternalDeviceID = nullInt(deviceID)
	return &v, nil
}
