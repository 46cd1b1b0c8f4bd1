package db

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id                 BIGINT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		external_device_id BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS stops (
		id              BIGINT PRIMARY KEY,
		name            TEXT NOT NULL,
		lat             DOUBLE PRECISION NOT NULL,
		lng             DOUBLE PRECISION NOT NULL,
		geofence_radius DOUBLE PRECISION,
		is_active       BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		id               UUID PRIMARY KEY,
		vehicle_id       BIGINT NOT NULL,
		status           TEXT NOT NULL,
		start_time       TIMESTAMPTZ NOT NULL,
		start_lat        DOUBLE PRECISION NOT NULL,
		start_lng        DOUBLE PRECISION NOT NULL,
		start_stop_id    BIGINT,
		end_time         TIMESTAMPTZ,
		end_lat          DOUBLE PRECISION,
		end_lng          DOUBLE PRECISION,
		end_stop_id      BIGINT,
		distance         DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_speed        DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_speed        DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration         BIGINT NOT NULL DEFAULT 0,
		external_trip_id BIGINT UNIQUE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS trips_one_active_per_vehicle
		ON trips (vehicle_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS trips_start_time ON trips (start_time DESC)`,
	`CREATE TABLE IF NOT EXISTS geofence_events (
		id         UUID PRIMARY KEY,
		vehicle_id BIGINT NOT NULL,
		stop_id    BIGINT NOT NULL,
		type       TEXT NOT NULL,
		distance   DOUBLE PRECISION NOT NULL DEFAULT 0,
		timestamp  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS geofence_events_last
		ON geofence_events (vehicle_id, stop_id, timestamp DESC)`,
}

// Migrate creates the tables and indexes the store needs. It is idempotent.
func Migrate(ctx context.Context, q Querier) error {
	for i, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
