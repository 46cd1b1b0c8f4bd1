package trips

import (
	"math"

	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geo"
)

// Summarize reduces trips to totals. AvgSpeed is the plain mean of the
// per-trip averages, not weighted by distance or time.
func Summarize(trips []fleet.Trip) fleet.TripSummary {
	if len(trips) == 0 {
		return fleet.TripSummary{}
	}
	var distance, avgSum, maxSpeed float64
	var duration int64
	for _, t := range trips {
		distance += t.Distance
		duration += t.Duration
		avgSum += t.AvgSpeed
		maxSpeed = math.Max(maxSpeed, t.MaxSpeed)
	}
	return fleet.TripSummary{
		TotalTrips:    len(trips),
		TotalDistance: geo.Round(distance/1000, 2),
		TotalDuration: int64(math.Round(float64(duration) / 60)),
		AvgSpeed:      geo.Round(avgSum/float64(len(trips)), 1),
		MaxSpeed:      geo.Round(maxSpeed, 1),
	}
}
