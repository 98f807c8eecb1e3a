/**
 * @description
 * This file contains the referral bonus engine. It tracks referral
 * relationships (invitations and activations) and awards bonus credits
 * through the ledger service once qualification rules are met, without ever
 * double-awarding.
 *
 * Bonus frequency policies:
 * - once: a single REFERRAL_BONUS for the account's lifetime.
 * - cumulative: one bonus at every additional multiple of the minimum
 *   threshold (minimum 3 -> awards at 3, 6, 9, ...).
 * - weekly: one bonus per reset period while the threshold is maintained,
 *   paid by a dedicated job.
 *
 * All three policies fund through the store's claim-keyed award: the claim
 * row and the credit commit in one transaction, so concurrent evaluations
 * and twice-run jobs cannot double-pay, and a failed credit leaves the claim
 * open for retry.
 *
 * @dependencies
 * - crypto/rand, encoding/base32: Referral code generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For invitation and bonus event publishing.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexiform/credit-service/internal/config"
	"github.com/lexiform/credit-service/internal/domain"
	"github.com/lexiform/credit-service/internal/store"
	"github.com/lexiform/credit-service/pkg/rabbitmq"
)

const (
	referralCodeLength  = 8
	codeAssignAttempts  = 5
	instantInviteCredit = 1
	inviteCapWindow     = 7 * 24 * time.Hour

	// Claim key for the once policy. Cumulative and weekly claims carry the
	// milestone count or period start so each occurrence gets its own key.
	bonusClaimOnce = "once"
)

func milestoneClaimKey(activeCount int) string {
	return fmt.Sprintf("milestone:%d", activeCount)
}

func periodClaimKey(periodStart time.Time) string {
	return "period:" + periodStart.UTC().Format(time.RFC3339)
}

// ReferralService tracks referral relationships and awards bonuses through
// the ledger. It never mutates balances directly.
type ReferralService struct {
	repo     store.Repository
	ledger   *Service
	producer rabbitmq.Publisher
	logger   *slog.Logger
	cfg      config.Config
}

// NewReferralService creates a new referral engine instance.
func NewReferralService(repo store.Repository, ledger *Service, producer rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *ReferralService {
	return &ReferralService{
		repo:     repo,
		ledger:   ledger,
		producer: producer,
		logger:   logger,
		cfg:      cfg,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateReferralCode returns an 8-character uppercase code from random
// bytes. Collisions are handled by the store's unique index and a retry.
func generateReferralCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)[:referralCodeLength], nil
}

// EnsureReferralCode returns the account's referral code, generating and
// persisting one if the account has none yet.
func (s *ReferralService) EnsureReferralCode(ctx context.Context, accountID uuid.UUID) (string, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account.ReferralCode != nil {
		return *account.ReferralCode, nil
	}

	for attempt := 0; attempt < codeAssignAttempts; attempt++ {
		code, err := generateReferralCode()
		if err != nil {
			return "", err
		}
		err = s.repo.SetReferralCode(ctx, accountID, code)
		if err == nil {
			// Re-read: a concurrent assignment may have won.
			account, err = s.repo.FindAccountByID(ctx, accountID)
			if err != nil {
				return "", err
			}
			if account.ReferralCode != nil {
				return *account.ReferralCode, nil
			}
			continue
		}
		if errors.Is(err, store.ErrReferralCodeTaken) {
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("could not assign a unique referral code for account %s", accountID)
}

// RecordInvitation records one invited email under the owner of the referral
// code. A duplicate invitation (same email, any status) is a no-op returning
// the existing entry. The trailing-7-day invite cap is enforced before the
// entry is written.
func (s *ReferralService) RecordInvitation(ctx context.Context, referralCode, invitedEmail string) (*domain.ReferralEntry, error) {
	referrer, err := s.repo.FindAccountByReferralCode(ctx, referralCode)
	if err != nil {
		return nil, err
	}

	email := normalizeEmail(invitedEmail)
	existing, err := s.repo.FindReferralEntry(ctx, referrer.ID, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	recent, err := s.repo.CountInvitationsSince(ctx, referrer.ID, time.Now().Add(-inviteCapWindow))
	if err != nil {
		return nil, err
	}
	if recent >= s.cfg.ReferralWeeklyInviteCap {
		return nil, ErrWeeklyInviteLimitReached
	}

	entry := &domain.ReferralEntry{
		ID:                uuid.New(),
		ReferrerAccountID: referrer.ID,
		InvitedEmail:      email,
		Status:            domain.ReferralStatusPending,
		InvitedAt:         time.Now().UTC(),
	}
	if err := s.repo.CreateReferralEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateInvitation) {
			// Lost a race with a concurrent identical invitation.
			return s.repo.FindReferralEntry(ctx, referrer.ID, email)
		}
		return nil, err
	}

	s.logger.Info("invitation recorded", "referrer_id", referrer.ID, "invited_email", email)
	return entry, nil
}

// ActivateReferral transitions the referred account's pending entry to
// active and triggers bonus evaluation for the referrer. Returns false when
// the account was not referred or no matching pending entry exists; the
// status guard in the store makes repeated activation a safe no-op.
func (s *ReferralService) ActivateReferral(ctx context.Context, referredAccountID uuid.UUID) (bool, error) {
	account, err := s.repo.FindAccountByID(ctx, referredAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	if account.Email == nil || account.ReferredByCode == nil {
		return false, nil
	}

	referrer, err := s.repo.FindAccountByReferralCode(ctx, *account.ReferredByCode)
	if err != nil {
		if errors.Is(err, store.ErrInvalidReferralCode) {
			return false, nil
		}
		return false, err
	}

	entry, err := s.repo.ActivateReferralEntry(ctx, referrer.ID, *account.Email, referredAccountID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	s.logger.Info("referral activated",
		"referrer_id", referrer.ID, "referred_account_id", referredAccountID, "entry_id", entry.ID)

	if err := s.EvaluateBonus(ctx, referrer.ID); err != nil {
		// The activation itself stands; bonus evaluation can be retried by
		// the weekly job or the next activation.
		s.logger.Error("bonus evaluation failed", "referrer_id", referrer.ID, "error", err)
	}
	return true, nil
}

// EvaluateBonus checks the referrer's active count against the configured
// minimum and awards a bonus according to the configured frequency policy.
// Under the weekly policy this is a no-op; the weekly job drives those
// payouts.
func (s *ReferralService) EvaluateBonus(ctx context.Context, referrerAccountID uuid.UUID) error {
	activeCount, err := s.repo.CountActiveReferrals(ctx, referrerAccountID)
	if err != nil {
		return err
	}
	if activeCount < s.cfg.ReferralMinForBonus {
		return nil
	}

	switch s.cfg.ReferralBonusFrequency {
	case config.BonusFrequencyOnce:
		return s.awardBonus(ctx, referrerAccountID, bonusClaimOnce, activeCount, nil)

	case config.BonusFrequencyCumulative:
		if activeCount%s.cfg.ReferralMinForBonus != 0 {
			return nil
		}
		return s.awardBonus(ctx, referrerAccountID, milestoneClaimKey(activeCount), activeCount, nil)

	case config.BonusFrequencyWeekly:
		return nil
	}
	return nil
}

// evaluateWeeklyBonus pays at most one bonus per reset period, keyed by the
// period start.
func (s *ReferralService) evaluateWeeklyBonus(ctx context.Context, referrerAccountID uuid.UUID, periodStart time.Time) error {
	activeCount, err := s.repo.CountActiveReferrals(ctx, referrerAccountID)
	if err != nil {
		return err
	}
	if activeCount < s.cfg.ReferralMinForBonus {
		return nil
	}
	return s.awardBonus(ctx, referrerAccountID, periodClaimKey(periodStart), activeCount, &periodStart)
}

// awardBonus credits the configured bonus amount under the claim key and
// publishes the bonus notification. A nil record means the key was already
// claimed and the award is skipped.
func (s *ReferralService) awardBonus(ctx context.Context, referrerAccountID uuid.UUID, claimKey string, activeCount int, periodStart *time.Time) error {
	meta := domain.TxMetadata{
		ActiveReferralCount: &activeCount,
		PeriodStart:         periodStart,
	}
	record, err := s.repo.AwardReferralBonus(ctx, referrerAccountID, claimKey, s.cfg.ReferralBonusAmount, meta)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	s.logger.Info("referral bonus awarded",
		"referrer_id", referrerAccountID, "amount", s.cfg.ReferralBonusAmount, "active_count", activeCount)
	s.ledger.publish(domain.RouteReferralBonus, domain.ReferralBonusEvent{
		AccountID:   referrerAccountID,
		Amount:      record.Amount,
		ActiveCount: activeCount,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// ProcessAllWeeklyBonuses re-evaluates every account holding a referral code
// under the weekly policy for the given period. Per-account failures are
// collected and never abort the batch.
func (s *ReferralService) ProcessAllWeeklyBonuses(ctx context.Context, periodStart time.Time) (*domain.BatchSummary, error) {
	ids, err := s.repo.ListReferrerAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrers: %w", err)
	}

	summary := &domain.BatchSummary{TotalAccounts: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if err := s.evaluateWeeklyBonus(ctx, id, periodStart); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, domain.BatchError{AccountID: id, Error: err.Error()})
			s.logger.Error("weekly bonus evaluation failed", "account_id", id, "error", err)
			continue
		}
		summary.Succeeded++
	}
	return summary, nil
}

// SendInvitations records invitations for a batch of emails on behalf of the
// referrer, crediting one instant referral credit per newly invited address
// and publishing an invitation event. Duplicates within the batch, already
// registered users, and already invited emails are skipped; per-email
// failures are isolated.
func (s *ReferralService) SendInvitations(ctx context.Context, referrerAccountID uuid.UUID, emails []string) (*domain.SendInvitationsResult, error) {
	code, err := s.EnsureReferralCode(ctx, referrerAccountID)
	if err != nil {
		return nil, err
	}

	result := &domain.SendInvitationsResult{}
	seen := make(map[string]struct{}, len(emails))

	for _, raw := range emails {
		email := normalizeEmail(raw)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}

		registered, err := s.repo.EmailRegistered(ctx, email)
		if err != nil {
			result.Failed = append(result.Failed, email)
			continue
		}
		if registered {
			result.AlreadyUsers = append(result.AlreadyUsers, email)
			continue
		}

		invited, err := s.repo.EmailInvited(ctx, email)
		if err != nil {
			result.Failed = append(result.Failed, email)
			continue
		}
		if invited {
			result.AlreadyInvited = append(result.AlreadyInvited, email)
			continue
		}

		if _, err := s.RecordInvitation(ctx, code, email); err != nil {
			s.logger.Warn("invitation failed", "referrer_id", referrerAccountID, "invited_email", email, "error", err)
			result.Failed = append(result.Failed, email)
			continue
		}

		reason := fmt.Sprintf("instant credit for inviting %s", email)
		if _, err := s.ledger.Credit(ctx, referrerAccountID, instantInviteCredit, domain.TxInstantReferralCredit, &reason); err != nil {
			// The invitation stands; only the instant credit failed.
			s.logger.Error("instant referral credit failed", "referrer_id", referrerAccountID, "error", err)
			result.Failed = append(result.Failed, email)
			continue
		}
		result.CreditsEarned += instantInviteCredit

		s.ledger.publish(domain.RouteInvitation, domain.InvitationEvent{
			InvitedEmail:      email,
			ReferrerAccountID: referrerAccountID,
			ReferralCode:      code,
			Timestamp:         time.Now().UTC(),
		})
		result.Sent = append(result.Sent, email)
	}
	return result, nil
}

// GetReferralStats summarizes the referrer's invitation funnel and the
// credits earned through referrals.
func (s *ReferralService) GetReferralStats(ctx context.Context, accountID uuid.UUID) (*domain.ReferralStats, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.ListReferralEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}

	stats := &domain.ReferralStats{
		AccountID:    accountID,
		ReferralCode: account.ReferralCode,
		TotalInvited: len(entries),
	}
	for _, e := range entries {
		switch e.Status {
		case domain.ReferralStatusActive:
			stats.ActiveCount++
		case domain.ReferralStatusPending:
			stats.PendingCount++
		}
	}

	earned, err := s.repo.SumCreditedByTypes(ctx, accountID, []domain.TransactionType{
		domain.TxReferralBonus, domain.TxInstantReferralCredit,
	})
	if err != nil {
		return nil, err
	}
	stats.CreditsEarned = earned
	return stats, nil
}
