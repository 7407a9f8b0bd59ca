package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CycleRunner runs one cycle for a scheduled tick
type CycleRunner interface {
	RunCycle(ctx context.Context, cycleTime time.Time) (*CycleReport, error)
}

// Scheduler runs cycles on wall-clock aligned ticks in the trading timezone,
// so a 15 minute interval fires at :00, :15, :30 and :45 and the hour and
// 4-hour gates see minute 0.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	location *time.Location
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. interval must divide one hour.
func NewScheduler(runner CycleRunner, interval time.Duration, location *time.Location, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if location == nil {
		location = time.UTC
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		location: location,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start starts the cycle loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.interval).
		Str("timezone", s.location.String()).
		Time("first_tick", NextTick(s.now(), s.interval, s.location)).
		Msg("Starting cycle scheduler")

	s.wg.Add(1)
	go s.runLoop(ctx)
	return nil
}

// Stop stops the loop. A cycle in progress is canceled between assets.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	close(s.stopChan)
	cancel()
	s.wg.Wait()

	s.logger.Info().Msg("Cycle scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce runs a single cycle for the most recent tick at or before now
func (s *Scheduler) RunOnce(ctx context.Context) (*CycleReport, error) {
	return s.runner.RunCycle(ctx, CurrentTick(s.now(), s.interval, s.location))
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		tick := NextTick(s.now(), s.interval, s.location)
		timer := time.NewTimer(time.Until(tick))

		select {
		case <-timer.C:
			s.runTick(ctx, tick)
		case <-s.stopChan:
			timer.Stop()
			s.logger.Info().Msg("Received stop signal")
			return
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, tick time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Time("tick", tick).Msg("Recovered from panic in cycle")
		}
	}()

	if _, err := s.runner.RunCycle(ctx, tick); err != nil {
		s.logger.Error().Err(err).Time("tick", tick).Msg("Cycle finished with error")
	}
}

// CurrentTick floors t to the interval grid of its day in loc
func CurrentTick(t time.Time, interval time.Duration, loc *time.Location) time.Time {
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	elapsed := local.Sub(midnight)
	return midnight.Add(elapsed - elapsed%interval)
}

// NextTick is the first grid point strictly after t
func NextTick(t time.Time, interval time.Duration, loc *time.Location) time.Time {
	return CurrentTick(t, interval, loc).Add(interval)
}
