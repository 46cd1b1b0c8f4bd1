// Package memstore is an in-memory repository with the same uniqueness and
// compare-and-swap rules as the Postgres store. It backs engine tests and
// STORE_DRIVER=memory dry runs.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"shuttle-telemetry/internal/fleet"
)

type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	trips    map[string]*fleet.Trip
	stops    map[int64]fleet.Stop
	vehicles map[int64]fleet.Vehicle
	events   []fleet.GeofenceEvent
}

func New() *Store {
	return &Store{
		now:      time.Now,
		trips:    make(map[string]*fleet.Trip),
		stops:    make(map[int64]fleet.Stop),
		vehicles: make(map[int64]fleet.Vehicle),
	}
}

// Seed is the JSON layout accepted by LoadSeed.
type Seed struct {
	Vehicles []fleet.Vehicle `json:"vehicles"`
	Stops    []fleet.Stop    `json:"stops"`
}

// LoadSeed reads vehicles and stops from a JSON file.
func (s *Store) LoadSeed(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("parse seed %s: %w", path, err)
	}
	for _, v := range seed.Vehicles {
		s.PutVehicle(v)
	}
	for _, st := range seed.Stops {
		s.PutStop(st)
	}
	return nil
}

func (s *Store) PutVehicle(v fleet.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[v.ID] = v
}

func (s *Store) PutStop(st fleet.Stop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[st.ID] = st
}

func cloneTrip(t *fleet.Trip) *fleet.Trip {
	c := *t
	if t.StartStopID != nil {
		v := *t.StartStopID
		c.StartStopID = &v
	}
	if t.EndTime != nil {
		v := *t.EndTime
		c.EndTime = &v
	}
	if t.EndLat != nil {
		v := *t.EndLat
		c.EndLat = &v
	}
	if t.EndLng != nil {
		v := *t.EndLng
		c.EndLng = &v
	}
	if t.EndStopID != nil {
		v := *t.EndStopID
		c.EndStopID = &v
	}
	if t.ExternalTripID != nil {
		v := *t.ExternalTripID
		c.ExternalTripID = &v
	}
	return &c
}

func (s *Store) GetActiveTrip(_ context.Context, vehicleID int64) (*fleet.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trips {
		if t.VehicleID == vehicleID && t.Status == fleet.TripActive {
			return cloneTrip(t), nil
		}
	}
	return nil, fleet.ErrNotFound
}

func (s *Store) InsertTrip(_ context.Context, t *fleet.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[t.ID]; ok {
		return fmt.Errorf("insert trip: %w: trips_pkey", fleet.ErrConflict)
	}
	for _, existing := range s.trips {
		if t.Status == fleet.TripActive && existing.VehicleID == t.VehicleID && existing.Status == fleet.TripActive {
			return fmt.Errorf("insert trip: %w: trips_one_active_per_vehicle", fleet.ErrConflict)
		}
		if t.ExternalTripID != nil && existing.ExternalTripID != nil && *existing.ExternalTripID == *t.ExternalTripID {
			return fmt.Errorf("insert trip: %w: trips_external_trip_id_key", fleet.ErrConflict)
		}
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.trips[t.ID] = cloneTrip(t)
	return nil
}

func (s *Store) UpdateTrip(_ context.Context, id string, p fleet.TripPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok || t.Status != fleet.TripActive {
		return fmt.Errorf("update trip %s: %w", id, fleet.ErrNotFound)
	}
	p.Apply(t)
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) FindTripByExternalID(_ context.Context, key int64) (*fleet.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trips {
		if t.ExternalTripID != nil && *t.ExternalTripID == key {
			return cloneTrip(t), nil
		}
	}
	return nil, fleet.ErrNotFound
}

// Trip returns a copy of trip id, for assertions.
func (s *Store) Trip(id string) (*fleet.Trip, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, false
	}
	return cloneTrip(t), true
}

func (s *Store) filterTrips(keep func(*fleet.Trip) bool) []fleet.Trip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fleet.Trip
	for _, t := range s.trips {
		if keep(t) {
			out = append(out, *cloneTrip(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func (s *Store) ActiveTrips(_ context.Context) ([]fleet.Trip, error) {
	return s.filterTrips(func(t *fleet.Trip) bool { return t.Status == fleet.TripActive }), nil
}

func (s *Store) VehicleTrips(_ context.Context, vehicleID int64, limit int) ([]fleet.Trip, error) {
	trips := s.filterTrips(func(t *fleet.Trip) bool { return t.VehicleID == vehicleID })
	if limit > 0 && len(trips) > limit {
		trips = trips[:limit]
	}
	return trips, nil
}

func (s *Store) TripsBetween(_ context.Context, from, to time.Time, vehicleID *int64) ([]fleet.Trip, error) {
	return s.filterTrips(func(t *fleet.Trip) bool {
		if t.StartTime.Before(from) || t.StartTime.After(to) {
			return false
		}
		return vehicleID == nil || t.VehicleID == *vehicleID
	}), nil
}

func (s *Store) ListStops(_ context.Context, activeOnly bool) ([]fleet.Stop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fleet.Stop
	for _, st := range s.stops {
		if activeOnly && !st.IsActive {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetLastGeofenceEvent(_ context.Context, vehicleID, stopID int64) (*fleet.GeofenceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *fleet.GeofenceEvent
	for i := range s.events {
		ev := s.events[i]
		if ev.VehicleID != vehicleID || ev.StopID != stopID {
			continue
		}
		if last == nil || !ev.Timestamp.Before(last.Timestamp) {
			last = &ev
		}
	}
	if last == nil {
		return nil, fleet.ErrNotFound
	}
	return last, nil
}

func (s *Store) InsertGeofenceEvent(_ context.Context, ev *fleet.GeofenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

// GeofenceEvents returns every recorded event in insertion order.
func (s *Store) GeofenceEvents() []fleet.GeofenceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]fleet.GeofenceEvent(nil), s.events...)
}

func (s *Store) ListTrackedVehicles(_ context.Context) ([]fleet.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fleet.Vehicle
	for _, v := range s.vehicles {
		if v.ExternalDeviceID != nil {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetVehicle(_ context.Context, id int64) (*fleet.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return nil, fleet.ErrNotFound
	}
	return &v, nil
}
