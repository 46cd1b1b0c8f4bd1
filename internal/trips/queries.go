package trips

import (
	"context"
	"fmt"
	"time"

	"shuttle-telemetry/internal/fleet"
)

// DefaultVehicleTripsLimit caps VehicleTrips when no limit is given.
const DefaultVehicleTripsLimit = 20

func (c *Controller) ActiveTrips(ctx context.Context) ([]fleet.Trip, error) {
	trips, err := c.repo.ActiveTrips(ctx)
	if err != nil {
		return nil, fmt.Errorf("active trips: %w", err)
	}
	return trips, nil
}

// VehicleTrips returns the vehicle's most recent trips, newest first.
func (c *Controller) VehicleTrips(ctx context.Context, vehicleID int64, limit int) ([]fleet.Trip, error) {
	if limit <= 0 {
		limit = DefaultVehicleTripsLimit
	}
	trips, err := c.repo.VehicleTrips(ctx, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("trips of vehicle %d: %w", vehicleID, err)
	}
	return trips, nil
}

// TripsBetween returns trips started within [from, to], newest first,
// optionally restricted to one vehicle.
func (c *Controller) TripsBetween(ctx context.Context, from, to time.Time, vehicleID *int64) ([]fleet.Trip, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: window ends before it starts", fleet.ErrInvalidInput)
	}
	trips, err := c.repo.TripsBetween(ctx, from, to, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("trips between %s and %s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), err)
	}
	return trips, nil
}

// GetTripSummary summarizes the trips started within [from, to].
func (c *Controller) GetTripSummary(ctx context.Context, from, to time.Time, vehicleID *int64) (fleet.TripSummary, error) {
	trips, err := c.TripsBetween(ctx, from, to, vehicleID)
	if err != nil {
		return fleet.TripSummary{}, err
	}
	return Summarize(trips), nil
}
