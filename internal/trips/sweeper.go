package trips

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shuttle-telemetry/internal/clock"
)

// ExternalSyncer is the periodic work run by a Sweeper.
type ExternalSyncer interface {
	SyncExternalTrips(ctx context.Context, from, to time.Time) (*SyncResult, error)
}

// Sweeper runs the external trip sync over a trailing window on a fixed
// interval. It is owned by the process that starts it.
type Sweeper struct {
	syncer   ExternalSyncer
	interval time.Duration
	lookback time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(syncer ExternalSyncer, interval, lookback time.Duration, clk clock.Clock, logger *zap.Logger) *Sweeper {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{syncer: syncer, interval: interval, lookback: lookback, clock: clk, logger: logger}
}

// Start launches the sweep loop: one sweep immediately, then one per
// interval until Stop or parent cancellation. It returns false when the
// interval is not positive or the loop is already running.
func (s *Sweeper) Start(parent context.Context) bool {
	if s.interval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweep(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
	s.logger.Info("trip sync sweeper started", zap.Duration("interval", s.interval), zap.Duration("lookback", s.lookback))
	return true
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("trip sync sweeper stopped")
}

// IsRunning reports whether Start succeeded without a later Stop.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// RunOnce syncs the trailing lookback window ending now.
func (s *Sweeper) RunOnce(ctx context.Context) (*SyncResult, error) {
	to := s.clock.Now()
	return s.syncer.SyncExternalTrips(ctx, to.Add(-s.lookback), to)
}

func (s *Sweeper) sweep(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("trip sync sweep failed", zap.Error(err))
		}
		return
	}
	for _, e := range res.Errors {
		s.logger.Warn("trip sync sweep error", zap.String("error", e))
	}
}
