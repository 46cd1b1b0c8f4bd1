package geofence

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"shuttle-telemetry/internal/fleet"
)

// GeofencePrefix marks geofences owned by this service in the external source.
const GeofencePrefix = "BS_STOP_"

var (
	whitespace  = regexp.MustCompile(`\s+`)
	ownedStopID = regexp.MustCompile(`^` + GeofencePrefix + `(\d+)_`)
)

// Remote is the slice of the external telemetry source the syncer needs.
type Remote interface {
	Geofences(ctx context.Context) ([]fleet.ExternalGeofence, error)
	CreateGeofence(ctx context.Context, name, area string) (*fleet.ExternalGeofence, error)
	DeleteGeofence(ctx context.Context, id int64) error
	DeviceIDs(ctx context.Context) ([]int64, error)
	LinkDeviceGeofence(ctx context.Context, deviceID, geofenceID int64) error
}

type StopLister interface {
	ListStops(ctx context.Context, activeOnly bool) ([]fleet.Stop, error)
}

type SyncResult struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Deleted   int      `json:"deleted"`
	Linked    int      `json:"linked"`
	Errors    []string `json:"errors"`
	Stops     int      `json:"totalStops"`
	Devices   int      `json:"totalDevices"`
	Geofences int      `json:"totalGeofences"`
}

type StopSyncStatus struct {
	StopID       int64   `json:"stopId"`
	StopName     string  `json:"stopName"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	Radius       float64 `json:"radius"`
	Synced       bool    `json:"synced"`
	GeofenceID   *int64  `json:"geofenceId"`
	GeofenceName string  `json:"geofenceName,omitempty"`
}

type SyncStatus struct {
	Stops          []StopSyncStatus         `json:"stops"`
	Synced         int                      `json:"syncedStops"`
	NotSynced      int                      `json:"notSyncedStops"`
	TotalGeofences int                      `json:"totalGeofences"`
	Owned          int                      `json:"ownedGeofences"`
	Orphans        []fleet.ExternalGeofence `json:"orphanGeofences"`
	Devices        int                      `json:"totalDevices"`
}

// Syncer mirrors active stops into the external source as circular
// geofences so that it can emit enter/exit events on its own.
type Syncer struct {
	stops         StopLister
	remote        Remote
	defaultRadius float64
	logger        *zap.Logger
}

func NewSyncer(stops StopLister, remote Remote, defaultRadius float64, logger *zap.Logger) *Syncer {
	if defaultRadius <= 0 {
		defaultRadius = DefaultRadius
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{stops: stops, remote: remote, defaultRadius: defaultRadius, logger: logger}
}

// GeofenceName is the external name for a stop: prefix, id, then the stop
// name with whitespace runs replaced by underscores.
func GeofenceName(stop fleet.Stop) string {
	return fmt.Sprintf("%s%d_%s", GeofencePrefix, stop.ID, whitespace.ReplaceAllString(stop.Name, "_"))
}

// CircleArea formats a circle the way the external source stores it.
func CircleArea(lat, lng, radius float64) string {
	return fmt.Sprintf("CIRCLE (%s %s, %s)", fmtFloat(lat), fmtFloat(lng), fmtFloat(radius))
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// OwnedStopID extracts the stop id from a prefixed geofence name.
func OwnedStopID(name string) (int64, bool) {
	m := ownedStopID.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *Syncer) area(stop fleet.Stop) string {
	return CircleArea(stop.Lat, stop.Lng, stop.Radius(s.defaultRadius))
}

func owned(all []fleet.ExternalGeofence) []fleet.ExternalGeofence {
	var out []fleet.ExternalGeofence
	for _, g := range all {
		if strings.HasPrefix(g.Name, GeofencePrefix) {
			out = append(out, g)
		}
	}
	return out
}

func findOwned(geofences []fleet.ExternalGeofence, stop fleet.Stop) *fleet.ExternalGeofence {
	name := GeofenceName(stop)
	idPrefix := fmt.Sprintf("%s%d_", GeofencePrefix, stop.ID)
	for i := range geofences {
		if geofences[i].Name == name || strings.HasPrefix(geofences[i].Name, idPrefix) {
			return &geofences[i]
		}
	}
	return nil
}

// Sync creates missing geofences, recreates those whose area drifted, links
// every kept geofence to every device and removes geofences of stops that no
// longer exist. With force, all owned geofences are deleted and recreated.
// Per-item failures are collected in the result; listing failures abort.
func (s *Syncer) Sync(ctx context.Context, force bool) (*SyncResult, error) {
	stops, err := s.stops.ListStops(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list stops: %w", err)
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("%w: no active stops to sync", fleet.ErrNotFound)
	}
	all, err := s.remote.Geofences(ctx)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	mine := owned(all)
	res := &SyncResult{Errors: []string{}, Stops: len(stops)}

	if force {
		for _, g := range mine {
			if err := s.remote.DeleteGeofence(ctx, g.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("delete geofence %s: %v", g.Name, err))
				continue
			}
			res.Deleted++
		}
		mine = nil
	}

	devices, err := s.remote.DeviceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	res.Devices = len(devices)

	var keep []int64
	for _, stop := range stops {
		name, area := GeofenceName(stop), s.area(stop)
		existing := findOwned(mine, stop)
		switch {
		case existing != nil && existing.Area == area:
			keep = append(keep, existing.ID)
		case existing != nil:
			// No update endpoint upstream: delete and recreate.
			if err := s.remote.DeleteGeofence(ctx, existing.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("replace geofence %s: %v", existing.Name, err))
				continue
			}
			gf, err := s.remote.CreateGeofence(ctx, name, area)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("recreate geofence %s: %v", name, err))
				continue
			}
			res.Updated++
			keep = append(keep, gf.ID)
		default:
			gf, err := s.remote.CreateGeofence(ctx, name, area)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("create geofence for stop %s: %v", stop.Name, err))
				continue
			}
			res.Created++
			keep = append(keep, gf.ID)
		}
	}
	res.Geofences = len(keep)

	for _, dev := range devices {
		for _, gid := range keep {
			// Existing links are rejected upstream; that is not a sync failure.
			if err := s.remote.LinkDeviceGeofence(ctx, dev, gid); err != nil {
				s.logger.Debug("link geofence skipped",
					zap.Int64("device_id", dev), zap.Int64("geofence_id", gid), zap.Error(err))
				continue
			}
			res.Linked++
		}
	}

	if !force {
		active := make(map[int64]bool, len(stops))
		for _, st := range stops {
			active[st.ID] = true
		}
		for _, g := range mine {
			id, ok := OwnedStopID(g.Name)
			if !ok || active[id] {
				continue
			}
			if err := s.remote.DeleteGeofence(ctx, g.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("delete orphan geofence %s: %v", g.Name, err))
				continue
			}
			res.Deleted++
		}
	}

	s.logger.Info("geofence sync finished",
		zap.Int("created", res.Created), zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted), zap.Int("linked", res.Linked),
		zap.Int("errors", len(res.Errors)), zap.Bool("force", force))
	return res, nil
}

// Status reports which active stops have an owned geofence and which owned
// geofences belong to no active stop.
func (s *Syncer) Status(ctx context.Context) (*SyncStatus, error) {
	stops, err := s.stops.ListStops(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list stops: %w", err)
	}
	all, err := s.remote.Geofences(ctx)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	devices, err := s.remote.DeviceIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	mine := owned(all)
	st := &SyncStatus{
		Stops:          make([]StopSyncStatus, 0, len(stops)),
		Orphans:        []fleet.ExternalGeofence{},
		TotalGeofences: len(all),
		Owned:          len(mine),
		Devices:        len(devices),
	}
	active := make(map[int64]bool, len(stops))
	for _, stop := range stops {
		active[stop.ID] = true
		row := StopSyncStatus{
			StopID:   stop.ID,
			StopName: stop.Name,
			Lat:      stop.Lat,
			Lng:      stop.Lng,
			Radius:   stop.Radius(s.defaultRadius),
		}
		idPrefix := fmt.Sprintf("%s%d_", GeofencePrefix, stop.ID)
		for _, g := range mine {
			if strings.HasPrefix(g.Name, idPrefix) {
				id := g.ID
				row.Synced, row.GeofenceID, row.GeofenceName = true, &id, g.Name
				break
			}
		}
		if row.Synced {
			st.Synced++
		} else {
			st.NotSynced++
		}
		st.Stops = append(st.Stops, row)
	}
	for _, g := range mine {
		if id, ok := OwnedStopID(g.Name); ok && !active[id] {
			st.Orphans = append(st.Orphans, g)
		}
	}
	return st, nil
}

// Purge deletes every owned geofence from the external source.
func (s *Syncer) Purge(ctx context.Context) (*SyncResult, error) {
	all, err := s.remote.Geofences(ctx)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	res := &SyncResult{Errors: []string{}}
	for _, g := range owned(all) {
		if err := s.remote.DeleteGeofence(ctx, g.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("delete geofence %s: %v", g.Name, err))
			continue
		}
		res.Deleted++
	}
	s.logger.Info("owned geofences purged", zap.Int("deleted", res.Deleted), zap.Int("errors", len(res.Errors)))
	return res, nil
}
