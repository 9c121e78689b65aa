/*
scheduler.go - Automated expiry sweep

PURPOSE:
  Periodically writes off expired batches by running the stock sweeper
  under a configured system actor.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Sweeps are idempotent, so overlapping with a manual
    POST /api/admin/expire is harmless
  - Without a system actor the scheduler stays disabled and expiry is left
    to the admin endpoint or cmd/sweep

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 24 hours)
  - ActorID: Recorded on every EXPIRED entry

USAGE:
  scheduler := NewExpiryScheduler(sweeper, "system", logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/medstock/stock"
)

// ExpiryScheduler runs the expiry sweep on a timer.
type ExpiryScheduler struct {
	Sweeper       *stock.Sweeper
	ActorID       string
	CheckInterval time.Duration
	Logger        *zap.Logger

	// Timeout bounds a single sweep.
	Timeout time.Duration

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	last    stock.SweepResult
}

func NewExpiryScheduler(sweeper *stock.Sweeper, actorID string, logger *zap.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryScheduler{
		Sweeper:       sweeper,
		ActorID:       strings.TrimSpace(actorID),
		CheckInterval: 24 * time.Hour,
		Timeout:       5 * time.Minute,
		Logger:        logger.Named("scheduler"),
	}
}

// Enabled reports whether Start will launch the loop.
func (s *ExpiryScheduler) Enabled() bool {
	return s.ActorID != "" && s.CheckInterval > 0
}

// Start begins the scheduler. It is a no-op when disabled or already running.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled() {
		s.Logger.Info("disabled, not starting", zap.Bool("has_actor", s.ActorID != ""))
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("stopped")
}

func (s *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (s *ExpiryScheduler) RunNow() (stock.SweepResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	started := time.Now()
	res, err := s.Sweeper.SweepExpired(ctx, s.ActorID)

	s.mu.Lock()
	s.lastRun = started
	s.last = res
	s.mu.Unlock()

	if err != nil {
		s.Logger.Error("sweep failed", zap.Int("expired", res.Count), zap.Error(err))
		return res, err
	}
	if res.Count > 0 {
		s.Logger.Info("sweep completed",
			zap.Int("expired", res.Count),
			zap.Int64("units", res.TotalExpiredUnits),
			zap.Duration("took", time.Since(started)))
	}
	return res, nil
}

// LastRun returns when the last sweep started and what it did.
func (s *ExpiryScheduler) LastRun() (time.Time, stock.SweepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *ExpiryScheduler) NextRunTime() time.Time {
	last, _ := s.LastRun()
	if last.IsZero() {
		return time.Now()
	}
	return last.Add(s.CheckInterval)
}
