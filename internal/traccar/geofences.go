package traccar

import (
	"context"
	"net/http"

	"shuttle-telemetry/internal/fleet"
)

type device struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	UniqueID string `json:"uniqueId"`
}

type geofenceDTO struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Area        string `json:"area"`
}

type permission struct {
	DeviceID   int64 `json:"deviceId"`
	GeofenceID int64 `json:"geofenceId"`
}

func (g geofenceDTO) toFleet() fleet.ExternalGeofence {
	return fleet.ExternalGeofence{ID: g.ID, Name: g.Name, Area: g.Area}
}

func (c *Client) Geofences(ctx context.Context) ([]fleet.ExternalGeofence, error) {
	var rows []geofenceDTO
	if err := c.do(ctx, http.MethodGet, "/api/geofences", nil, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]fleet.ExternalGeofence, 0, len(rows))
	for _, g := range rows {
		out = append(out, g.toFleet())
	}
	return out, nil
}

func (c *Client) CreateGeofence(ctx context.Context, name, area string) (*fleet.ExternalGeofence, error) {
	var created geofenceDTO
	if err := c.do(ctx, http.MethodPost, "/api/geofences", nil, geofenceDTO{Name: name, Area: area}, &created); err != nil {
		return nil, err
	}
	g := created.toFleet()
	return &g, nil
}

func (c *Client) DeleteGeofence(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath("/api/geofences", id), nil, nil, nil)
}

// DeviceIDs lists the ids of every device visible to the configured user.
func (c *Client) DeviceIDs(ctx context.Context) ([]int64, error) {
	var rows []device
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, nil, &rows); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, d := range rows {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (c *Client) LinkDeviceGeofence(ctx context.Context, deviceID, geofenceID int64) error {
	return c.do(ctx, http.MethodPost, "/api/permissions", nil, permission{DeviceID: deviceID, GeofenceID: geofenceID}, nil)
}
