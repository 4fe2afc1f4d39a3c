package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"besitos-engine/logger"
)

// SweepStats summarises one sweep. Failed items are logged and skipped.
type SweepStats struct {
	Scanned int
	Changed int
	Failed  int
}

// Sweeper is a periodic maintenance pass. One pass never overlaps another of
// the same sweeper.
type Sweeper interface {
	Name() string
	RunOnce(ctx context.Context) (SweepStats, error)
}

// Scheduler runs sweepers on fixed intervals.
type Scheduler struct {
	sched gocron.Scheduler
	log   *logger.Logger
}

func NewScheduler(log *logger.Logger, clock clockwork.Clock, loc *time.Location) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.UTC
	}
	sched, err := gocron.NewScheduler(gocron.WithClock(clock), gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Scheduler{sched: sched, log: log}, nil
}

// Every registers sw to run at interval. A pass still running when the next
// one is due delays it instead of running twice.
func (s *Scheduler) Every(interval time.Duration, sw Sweeper) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: %s interval must be > 0", sw.Name())
	}
	_, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func(ctx context.Context) {
			Run(ctx, s.log, sw)
		}),
		gocron.WithName(sw.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", sw.Name(), err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
}

// Stop waits for running passes to return.
func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}

// Run executes one pass and logs its outcome.
func Run(ctx context.Context, log *logger.Logger, sw Sweeper) SweepStats {
	started := time.Now()
	stats, err := sw.RunOnce(ctx)
	if err != nil {
		log.Error("sweep failed", "sweeper", sw.Name(), "error", err, "scanned", stats.Scanned, "changed", stats.Changed)
		return stats
	}
	if stats.Changed > 0 || stats.Failed > 0 {
		log.Info("sweep finished",
			"sweeper", sw.Name(),
			"scanned", stats.Scanned,
			"changed", stats.Changed,
			"failed", stats.Failed,
			"took", time.Since(started).String(),
		)
	}
	return stats
}
