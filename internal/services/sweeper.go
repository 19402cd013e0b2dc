package services

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Sweeper periodically runs a cleanup function, such as evicting widget instances whose page went away
// without unmounting them.
type Sweeper struct {
	scheduler gocron.Scheduler

	logger *slog.Logger
}

// NewSweeper schedules sweep to run every interval. The sweeper does nothing until Start is called.
func NewSweeper(interval time.Duration, sweep func() int, logger *slog.Logger) (Sweeper, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return Sweeper{}, fmt.Errorf("failed to create scheduler: %w", err)
	}

	logger = logger.With(slog.String("module", "sweeper"))

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := sweep(); n > 0 {
				logger.Info("Swept idle instances", slog.Int("count", n))
			}
		}),
		gocron.WithName("sweep-idle-instances"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return Sweeper{}, fmt.Errorf("failed to schedule sweep: %w", err)
	}

	return Sweeper{scheduler: s, logger: logger}, nil
}

// Start starts the periodic sweep.
func (s Sweeper) Start() {
	s.scheduler.Start()
}

// Shutdown stops the scheduler, waiting for a running sweep to finish.
func (s Sweeper) Shutdown() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}
