/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access the credit-service needs. The interface decouples the application
 * services from PostgreSQL so that business logic can be tested against an
 * in-memory fake.
 *
 * Every method that mutates a balance performs the conditional update and the
 * corresponding ledger insert inside one database transaction: the balance
 * never changes without a ledger row, and the guard condition (sufficient
 * balance, stale reset date) is re-checked atomically by the statement itself.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For account and transaction id handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lexiform/credit-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyRefunded     = errors.New("transaction already refunded")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrReferralCodeTaken   = errors.New("referral code already in use")
	ErrDuplicateInvitation = errors.New("email already invited by this referrer")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods.
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	// ProvisionAccount creates the account row with the given weekly allocation
	// if it does not exist yet, writing the INITIAL_CREDIT ledger row in the
	// same transaction. The bool reports whether the row was created by this
	// call.
	ProvisionAccount(ctx context.Context, accountID uuid.UUID, weeklyAllocation int64) (*domain.Account, bool, error)
	// RegisterAccountIdentity attaches the user's email and, optionally, the
	// referral code the user signed up through. Called once at registration.
	RegisterAccountIdentity(ctx context.Context, accountID uuid.UUID, email string, referredByCode *string) error
	EmailRegistered(ctx context.Context, email string) (bool, error)

	// Ledger mutations. Both return the ledger row they wrote.
	// Debit fails with ErrInsufficientBalance when the conditional update
	// matches no row for balance reasons, ErrAccountNotFound when the account
	// is missing entirely.
	Debit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, meta domain.TxMetadata) (*domain.Transaction, error)
	Credit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, meta domain.TxMetadata) (*domain.Transaction, error)

	// Transaction log reads.
	FindTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error)

	// Weekly reset. ApplyWeeklyReset performs the reset only when
	// last_reset_date is still before periodStart; when the account is already
	// current it returns (nil, nil), which callers treat as the idempotent
	// no-op.
	ListStaleAccountIDs(ctx context.Context, periodStart time.Time) ([]uuid.UUID, error)
	ApplyWeeklyReset(ctx context.Context, accountID uuid.UUID, periodStart, now time.Time) (*domain.Transaction, error)

	// Referral methods.
	FindAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error)
	SetReferralCode(ctx context.Context, accountID uuid.UUID, code string) error
	CountInvitationsSince(ctx context.Context, referrerID uuid.UUID, since time.Time) (int, error)
	FindReferralEntry(ctx context.Context, referrerID uuid.UUID, invitedEmail string) (*domain.ReferralEntry, error)
	EmailInvited(ctx context.Context, invitedEmail string) (bool, error)
	CreateReferralEntry(ctx context.Context, entry *domain.ReferralEntry) error
	// ActivateReferralEntry transitions the matching pending entry to active.
	// Returns (nil, nil) when no pending entry matches, so activation is a
	// safe no-op on retries.
	ActivateReferralEntry(ctx context.Context, referrerID uuid.UUID, invitedEmail string, referredAccountID uuid.UUID, at time.Time) (*domain.ReferralEntry, error)
	CountActiveReferrals(ctx context.Context, referrerID uuid.UUID) (int, error)
	ListReferralEntries(ctx context.Context, referrerID uuid.UUID) ([]domain.ReferralEntry, error)
	ListReferrerAccountIDs(ctx context.Context) ([]uuid.UUID, error)
	// AwardReferralBonus credits a REFERRAL_BONUS at most once per claim key.
	// The claim row and the credit commit in one transaction: a failed credit
	// leaves the key unclaimed for retry, and a duplicate evaluation finds the
	// key claimed and returns (nil, nil) without touching the balance.
	AwardReferralBonus(ctx context.Context, accountID uuid.UUID, claimKey string, amount int64, meta domain.TxMetadata) (*domain.Transaction, error)

	// Reporting.
	// SumCreditedByTypes totals the (positive) ledger amounts of the given
	// types for one account. Used for referral earnings stats.
	SumCreditedByTypes(ctx context.Context, accountID uuid.UUID, types []domain.TransactionType) (int64, error)
	SystemStats(ctx context.Context) (*domain.SystemStats, error)
}
