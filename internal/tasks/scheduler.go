package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	jobTimeout      = 3 * time.Minute
	maintenanceSpec = "@every 1m"
)

// Sweeper is the registry surface the background jobs drive.
type Sweeper interface {
	RunDueAlarms(ctx context.Context) (int, error)
	EvictHibernated(ctx context.Context) int
	Cleanup() int
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  zerolog.Logger
}

func NewScheduler(sweeper Sweeper, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sweeper: sweeper,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the alarm sweep on alarmSpec plus the periodic
// maintenance job, then starts the cron loop.
func (s *Scheduler) Start(alarmSpec string) error {
	if _, err := s.cron.AddFunc(alarmSpec, s.SweepAlarms); err != nil {
		return fmt.Errorf("schedule alarm sweep %q: %w", alarmSpec, err)
	}
	if _, err := s.cron.AddFunc(maintenanceSpec, s.Maintain); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Str("alarm_spec", alarmSpec).Msg("scheduler started")
	return nil
}

// Stop waits for running jobs or ctx, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) SweepAlarms() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	ran, err := s.sweeper.RunDueAlarms(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("alarm sweep failed")
		return
	}
	if ran > 0 {
		s.logger.Info().Int("rooms", ran).Msg("room alarms ran")
	}
}

// Maintain prunes router limiter state and unloads hibernated rooms.
func (s *Scheduler) Maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	pruned := s.sweeper.Cleanup()
	evicted := s.sweeper.EvictHibernated(ctx)
	s.logger.Debug().
		Int("pruned_identifiers", pruned).
		Int("evicted_rooms", evicted).
		Msg("maintenance complete")
}
