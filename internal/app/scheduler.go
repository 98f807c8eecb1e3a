/**
 * @description
 * Cron scheduler setup for the credit-service's periodic jobs. The schedule
 * is purely time-driven: the weekly reset fires at the configured weekday,
 * hour, and minute in the configured timezone, and the weekly bonus sweep
 * follows fifteen minutes later. The Scheduler owns its cron instance and
 * exposes an explicit Start/Stop lifecycle; there is no package-level state.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: Cron scheduling with timezone support.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexiform/credit-service/internal/config"
	"github.com/robfig/cron/v3"
)

const bonusJobDelay = 15 * time.Minute

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	cfg    config.Config
}

// NewScheduler creates a new scheduler instance running in the configured
// reset timezone.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(cfg.ResetLocation()),
		cron.WithChain(cron.Recover(cronLogger)),
	)

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		cfg:    cfg,
	}
}

// resetSpec renders the weekly reset trigger as a cron expression.
func resetSpec(cfg config.Config) string {
	return fmt.Sprintf("%d %d * * %d", cfg.ResetMinute, cfg.ResetHour, cfg.ResetWeekday)
}

// bonusSpec renders the weekly bonus trigger, offset after the reset so the
// sweep sees post-reset balances.
func bonusSpec(cfg config.Config) string {
	anchor := time.Date(2000, 1, 1, cfg.ResetHour, cfg.ResetMinute, 0, 0, time.UTC).Add(bonusJobDelay)
	weekday := cfg.ResetWeekday
	if anchor.Day() != 1 {
		// Delay pushed past midnight into the next weekday.
		weekday = (weekday + 1) % 7
	}
	return fmt.Sprintf("%d %d * * %d", anchor.Minute(), anchor.Hour(), weekday)
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(resetSpec(s.cfg), s.jobs.WeeklyResetJob); err != nil {
		s.logger.Error("failed to schedule weekly reset job", "error", err)
	} else {
		s.logger.Info("scheduled weekly reset job",
			"schedule", resetSpec(s.cfg), "timezone", s.cfg.ResetTimezone,
			"next_run", NextPeriodStart(time.Now(), s.cfg))
	}

	if _, err := s.cron.AddFunc(bonusSpec(s.cfg), s.jobs.WeeklyBonusJob); err != nil {
		s.logger.Error("failed to schedule weekly bonus job", "error", err)
	} else {
		s.logger.Info("scheduled weekly bonus job", "schedule", bonusSpec(s.cfg), "timezone", s.cfg.ResetTimezone)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
