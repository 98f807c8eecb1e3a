/**
 * @description
 * This file defines the core domain models for the credit-service's account and
 * referral entities. These structs map directly to the `credit_accounts` and
 * `referral_entries` tables and are the shapes exchanged between the store, the
 * application services, and the API layer.
 *
 * @notes
 * - Credits are whole integer units; `int64` keeps arithmetic exact and leaves
 *   headroom for lifetime counters.
 * - The invariant `Balance == LifetimeEarned - LifetimeSpent` is enforced at
 *   mutation time in the store; these structs are read-side snapshots.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a per-user credit balance record.
// One row exists per user; it is created lazily on first ledger touch.
type Account struct {
	ID               uuid.UUID `json:"id"`
	Email            *string   `json:"email,omitempty"`
	Balance          int64     `json:"balance"`
	WeeklyAllocation int64     `json:"weekly_allocation"`
	LifetimeEarned   int64     `json:"lifetime_earned"`
	LifetimeSpent    int64     `json:"lifetime_spent"`
	LastResetDate    time.Time `json:"last_reset_date"`
	ReferralCode     *string   `json:"referral_code,omitempty"`
	ReferredByCode   *string   `json:"referred_by_code,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Referral entry statuses. An entry is created `pending` and transitions to
// `active` exactly once, when the invited user completes verification.
const (
	ReferralStatusPending = "pending"
	ReferralStatusActive  = "active"
)

// ReferralEntry records one invited email under a referrer and its activation
// state. `invited_email` is unique within a referrer's list.
type ReferralEntry struct {
	ID                uuid.UUID  `json:"id"`
	ReferrerAccountID uuid.UUID  `json:"referrer_account_id"`
	InvitedEmail      string     `json:"invited_email"`
	Status            string     `json:"status"`
	InvitedAt         time.Time  `json:"invited_at"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	ReferredAccountID *uuid.UUID `json:"referred_account_id,omitempty"`
}

// ReferralStats summarizes a referrer's invitation funnel and earnings.
type ReferralStats struct {
	AccountID     uuid.UUID `json:"account_id"`
	ReferralCode  *string   `json:"referral_code,omitempty"`
	TotalInvited  int       `json:"total_invited"`
	PendingCount  int       `json:"pending_count"`
	ActiveCount   int       `json:"active_count"`
	CreditsEarned int64     `json:"credits_earned"`
}

// SendInvitationsResult aggregates per-email outcomes of a bulk invitation
// request. Failures are isolated per email and never abort the batch.
type SendInvitationsResult struct {
	Sent           []string `json:"sent"`
	AlreadyUsers   []string `json:"already_users"`
	AlreadyInvited []string `json:"already_invited"`
	Failed         []string `json:"failed"`
	CreditsEarned  int64    `json:"credits_earned"`
}

// BatchError records a single account's failure inside a batch job.
type BatchError struct {
	AccountID uuid.UUID `json:"account_id"`
	Error     string    `json:"error"`
}

// BatchSummary is the aggregate result of a batch job run (weekly reset,
// weekly bonus evaluation). Per-account failures land in Errors without
// aborting the remaining accounts.
type BatchSummary struct {
	TotalAccounts int          `json:"total_accounts"`
	Succeeded     int          `json:"succeeded"`
	Failed        int          `json:"failed"`
	Errors        []BatchError `json:"errors,omitempty"`
}

// SystemStats is the read-only aggregate view over all accounts and the
// transaction log, served by the admin reporting endpoint.
type SystemStats struct {
	TotalAccounts        int64 `json:"total_accounts"`
	CreditsInCirculation int64 `json:"credits_in_circulation"`
	TotalLifetimeEarned  int64 `json:"total_lifetime_earned"`
	TotalLifetimeSpent   int64 `json:"total_lifetime_spent"`
	TotalTransactions    int64 `json:"total_transactions"`
	ActiveReferrals      int64 `json:"active_referrals"`
}
