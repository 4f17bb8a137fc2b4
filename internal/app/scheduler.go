/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron expressions for the scheduled jobs.
type SchedulerConfig struct {
	ExpirySweepSchedule string
	ParkedDrainSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ExpirySweepSchedule, s.jobs.RunExpirySweep); err != nil {
		s.logger.Error("failed to schedule subscription expiry sweep", "error", err)
	} else {
		s.logger.Info("scheduled subscription expiry sweep", "schedule", s.config.ExpirySweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ParkedDrainSchedule, s.jobs.RunParkedDrain); err != nil {
		s.logger.Error("failed to schedule parked confirmation drain", "error", err)
	} else {
		s.logger.Info("scheduled parked confirmation drain", "schedule", s.config.ParkedDrainSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
