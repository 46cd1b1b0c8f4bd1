package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyntheticTripKey(t *testing.T) {
	start := time.UnixMilli(1_700_000_123_456)
	assert.Equal(t, int64(42_000_000+123_456), SyntheticTripKey(42, start))
}

func TestSyntheticTripKeyCollidesOnBucket(t *testing.T) {
	// Starts exactly 1,000,000 ms apart land in the same bucket.
	a := time.UnixMilli(1_700_000_123_456)
	b := a.Add(1_000_000 * time.Millisecond)
	assert.Equal(t, SyntheticTripKey(7, a), SyntheticTripKey(7, b))
}

func TestTripLastPosition(t *testing.T) {
	trip := Trip{StartLat: 41, StartLng: 29}
	assert.Equal(t, 41.0, trip.LastPosition().Lat)

	lat, lng := 41.5, 29.5
	trip.EndLat, trip.EndLng = &lat, &lng
	assert.Equal(t, 41.5, trip.LastPosition().Lat)
	assert.Equal(t, 29.5, trip.LastPosition().Lng)
}

func TestStopRadiusDefault(t *testing.T) {
	assert.Equal(t, 15.0, Stop{}.Radius(15))
	assert.Equal(t, 40.0, Stop{GeofenceRadius: 40}.Radius(15))
}

func TestTripPatchApply(t *testing.T) {
	trip := Trip{Status: TripActive}
	end := time.Unix(100, 0)
	stop := int64(3)
	TripPatch{
		Status:    TripCompleted,
		EndTime:   &end,
		EndLat:    1,
		EndLng:    2,
		EndStopID: &stop,
		Distance:  10,
		MaxSpeed:  20,
		AvgSpeed:  5,
		Duration:  60,
	}.Apply(&trip)

	assert.Equal(t, TripCompleted, trip.Status)
	assert.Equal(t, end, *trip.EndTime)
	assert.Equal(t, int64(3), *trip.EndStopID)
	assert.Equal(t, int64(60), trip.Duration)

	TripPatch{EndLat: 3, EndLng: 4}.Apply(&trip)
	assert.Equal(t, TripCompleted, trip.Status)
	assert.Equal(t, int64(3), *trip.EndStopID)
	assert.Equal(t, 3.0, *trip.EndLat)
}
