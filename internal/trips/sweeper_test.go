package trips

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shuttle-telemetry/internal/clock"
)

type windowRecorder struct {
	calls chan [2]time.Time
}

func (w *windowRecorder) SyncExternalTrips(_ context.Context, from, to time.Time) (*SyncResult, error) {
	select {
	case w.calls <- [2]time.Time{from, to}:
	default:
	}
	return &SyncResult{Errors: []string{"vehicle Spare: timeout"}}, nil
}

func TestSweeperRunOnceUsesLookback(t *testing.T) {
	rec := &windowRecorder{calls: make(chan [2]time.Time, 1)}
	s := NewSweeper(rec, time.Minute, 3*time.Hour, clock.NewMockClock(t0), zaptest.NewLogger(t))

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	w := <-rec.calls
	assert.True(t, w[0].Equal(t0.Add(-3*time.Hour)))
	assert.True(t, w[1].Equal(t0))
}

func TestSweeperStartStop(t *testing.T) {
	rec := &windowRecorder{calls: make(chan [2]time.Time, 8)}
	s := NewSweeper(rec, 5*time.Millisecond, 0, clock.NewMockClock(t0), zaptest.NewLogger(t))
	ctx := context.Background()

	require.True(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.False(t, s.Start(ctx), "second start must be refused")

	for i := 0; i < 2; i++ {
		select {
		case w := <-rec.calls:
			assert.True(t, w[0].Equal(t0.Add(-24*time.Hour)))
		case <-time.After(2 * time.Second):
			t.Fatal("sweep did not run")
		}
	}

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()

	require.True(t, s.Start(ctx))
	s.Stop()
}

func TestSweeperDisabled(t *testing.T) {
	s := NewSweeper(&windowRecorder{calls: make(chan [2]time.Time, 1)}, 0, 0, nil, nil)
	assert.False(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
}
