/**
 * @description
 * Scheduled job implementations for the credit-service: the weekly balance
 * reset, the startup catch-up for resets missed while the process was down,
 * and the weekly referral bonus evaluation.
 *
 * Both periodic jobs are idempotent per period: the reset's conditional
 * update only matches accounts whose last_reset_date predates the period
 * start, and the bonus path claims a per-period payout record before paying.
 * Running either job twice inside one period therefore changes nothing.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexiform/credit-service/internal/config"
	"github.com/lexiform/credit-service/internal/domain"
	"github.com/lexiform/credit-service/internal/store"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      store.Repository
	referrals *ReferralService
	locker    JobLocker
	logger    *slog.Logger
	cfg       config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, referrals *ReferralService, locker JobLocker, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:      repo,
		referrals: referrals,
		locker:    locker,
		logger:    logger,
		cfg:       cfg,
	}
}

// RunWeeklyReset brings every stale account current: balance back to its
// weekly allocation, a WEEKLY_RESET ledger row recording the pre-reset
// balance. A single account's failure is recorded and does not abort the
// batch; only context cancellation (total outage, shutdown) stops early.
func (j *Jobs) RunWeeklyReset(ctx context.Context) (*domain.BatchSummary, error) {
	now := time.Now()
	periodStart := CurrentPeriodStart(now, j.cfg)

	ids, err := j.repo.ListStaleAccountIDs(ctx, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale accounts: %w", err)
	}

	summary := &domain.BatchSummary{TotalAccounts: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		record, err := j.repo.ApplyWeeklyReset(ctx, id, periodStart, now)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, domain.BatchError{AccountID: id, Error: err.Error()})
			j.logger.Error("weekly reset failed", "account_id", id, "error", err)
			continue
		}
		if record == nil {
			// Another runner reset this account after we listed it.
			summary.Succeeded++
			continue
		}
		summary.Succeeded++
	}

	j.logger.Info("weekly reset finished",
		"total", summary.TotalAccounts, "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

// CheckAndPerformMissedResets runs at process startup and brings current any
// account whose reset boundary passed while the scheduler was down. Accounts
// that have never touched the ledger have no row yet; they receive their
// allocation through first-touch provisioning instead.
func (j *Jobs) CheckAndPerformMissedResets(ctx context.Context) (int, error) {
	summary, err := j.RunWeeklyReset(ctx)
	if err != nil {
		return 0, err
	}
	if summary.TotalAccounts > 0 {
		j.logger.Info("missed resets recovered", "count", summary.Succeeded)
	}
	return summary.Succeeded, nil
}

// RunWeeklyBonuses evaluates every referrer under the weekly bonus policy
// for the current period. A no-op unless the configured frequency is weekly.
func (j *Jobs) RunWeeklyBonuses(ctx context.Context) (*domain.BatchSummary, error) {
	if j.cfg.ReferralBonusFrequency != config.BonusFrequencyWeekly {
		return &domain.BatchSummary{}, nil
	}
	periodStart := CurrentPeriodStart(time.Now(), j.cfg)
	return j.referrals.ProcessAllWeeklyBonuses(ctx, periodStart)
}

// WeeklyResetJob is the cron entry point for the reset. It takes the leader
// lock so only one process performs the sweep per trigger.
func (j *Jobs) WeeklyResetJob() {
	ctx := context.Background()

	release, ok, err := j.locker.Acquire(ctx, "weekly_reset")
	if err != nil {
		j.logger.Error("weekly reset lock acquisition failed", "error", err)
		return
	}
	if !ok {
		j.logger.Info("weekly reset already running elsewhere; skipping")
		return
	}
	defer release()

	j.logger.Info("starting weekly reset job")
	if _, err := j.RunWeeklyReset(ctx); err != nil {
		j.logger.Error("weekly reset job failed", "error", err)
	}
}

// WeeklyBonusJob is the cron entry point for weekly referral bonuses. It is
// scheduled shortly after the reset so that evaluations see post-reset state.
func (j *Jobs) WeeklyBonusJob() {
	ctx := context.Background()

	release, ok, err := j.locker.Acquire(ctx, "weekly_bonus")
	if err != nil {
		j.logger.Error("weekly bonus lock acquisition failed", "error", err)
		return
	}
	if !ok {
		j.logger.Info("weekly bonus job already running elsewhere; skipping")
		return
	}
	defer release()

	j.logger.Info("starting weekly bonus job")
	summary, err := j.RunWeeklyBonuses(ctx)
	if err != nil {
		j.logger.Error("weekly bonus job failed", "error", err)
		return
	}
	j.logger.Info("weekly bonus job finished",
		"total", summary.TotalAccounts, "succeeded", summary.Succeeded, "failed", summary.Failed)
}
