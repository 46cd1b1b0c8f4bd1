package traccar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geo"
)

// tripReport is one row of /api/reports/trips. Speeds are knots, distance
// meters and duration milliseconds.
type tripReport struct {
	DeviceID     int64     `json:"deviceId"`
	DeviceName   string    `json:"deviceName"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	StartLat     float64   `json:"startLat"`
	StartLon     float64   `json:"startLon"`
	EndLat       float64   `json:"endLat"`
	EndLon       float64   `json:"endLon"`
	Distance     float64   `json:"distance"`
	MaxSpeed     float64   `json:"maxSpeed"`
	AverageSpeed float64   `json:"averageSpeed"`
	Duration     int64     `json:"duration"`
}

func (r tripReport) validate() error {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return fmt.Errorf("%w: trip without start or end time", fleet.ErrInvalidInput)
	}
	if r.EndTime.Before(r.StartTime) {
		return fmt.Errorf("%w: trip ends before it starts", fleet.ErrInvalidInput)
	}
	for _, p := range []geo.Point{{Lat: r.StartLat, Lng: r.StartLon}, {Lat: r.EndLat, Lng: r.EndLon}} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", fleet.ErrInvalidInput, err)
		}
	}
	if r.Distance < 0 || r.MaxSpeed < 0 || r.AverageSpeed < 0 || r.Duration < 0 {
		return fmt.Errorf("%w: negative trip statistic", fleet.ErrInvalidInput)
	}
	return nil
}

func (r tripReport) toExternal() fleet.ExternalTrip {
	return fleet.ExternalTrip{
		DeviceID:  r.DeviceID,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Start:     geo.Point{Lat: r.StartLat, Lng: r.StartLon},
		End:       geo.Point{Lat: r.EndLat, Lng: r.EndLon},
		Distance:  r.Distance,
		MaxSpeed:  geo.KnotsToKmh(r.MaxSpeed),
		AvgSpeed:  geo.KnotsToKmh(r.AverageSpeed),
		Duration:  r.Duration / 1000,
	}
}

// TripsReport fetches the device's trips within [from, to] converted to
// km/h and seconds. Malformed rows are dropped; the valid trips are still
// returned together with a joined error naming every dropped row.
func (c *Client) TripsReport(ctx context.Context, deviceID int64, from, to time.Time) ([]fleet.ExternalTrip, error) {
	q := url.Values{}
	q.Set("deviceId", strconv.FormatInt(deviceID, 10))
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	var rows []tripReport
	if err := c.do(ctx, http.MethodGet, "/api/reports/trips", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]fleet.ExternalTrip, 0, len(rows))
	var rowErrs []error
	for i, r := range rows {
		if err := r.validate(); err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("device %d trip %d: %w", deviceID, i, err))
			continue
		}
		if r.DeviceID == 0 {
			r.DeviceID = deviceID
		}
		out = append(out, r.toExternal())
	}
	return out, errors.Join(rowErrs...)
}
