/**
 * @description
 * PostgreSQL implementation of the referral-related Repository methods:
 * referral codes, invitation entries, activation, and the claim-keyed bonus
 * award that keeps every bonus policy exactly-once.
 *
 * Expected schema (summarized):
 *   referral_entries(id uuid pk, referrer_account_id uuid, invited_email text,
 *     status text, invited_at timestamptz, activated_at timestamptz null,
 *     referred_account_id uuid null,
 *     UNIQUE (referrer_account_id, invited_email))
 *   referral_bonus_claims(account_id uuid, claim_key text,
 *     created_at timestamptz, PRIMARY KEY (account_id, claim_key))
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lexiform/credit-service/internal/domain"
)

const referralEntryColumns = `id, referrer_account_id, invited_email, status,
	invited_at, activated_at, referred_account_id`

func scanReferralEntry(row pgx.Row) (*domain.ReferralEntry, error) {
	var e domain.ReferralEntry
	err := row.Scan(
		&e.ID, &e.ReferrerAccountID, &e.InvitedEmail, &e.Status,
		&e.InvitedAt, &e.ActivatedAt, &e.ReferredAccountID,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindAccountByReferralCode resolves the account that owns the given code.
func (r *PostgresRepository) FindAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE referral_code = $1`, accountColumns)
	account, err := scanAccount(r.db.QueryRow(ctx, query, strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidReferralCode
		}
		return nil, err
	}
	return account, nil
}

// SetReferralCode assigns a referral code to an account that has none yet.
// The unique index on referral_code rejects collisions with ErrReferralCodeTaken
// so the caller can regenerate and retry.
func (r *PostgresRepository) SetReferralCode(ctx context.Context, accountID uuid.UUID, code string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE credit_accounts
		SET referral_code = $2, updated_at = NOW()
		WHERE id = $1 AND referral_code IS NULL
	`, accountID, code)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReferralCodeTaken
		}
		return fmt.Errorf("set referral code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Account missing or a code already assigned; either way the caller
		// should re-read the account.
		return nil
	}
	return nil
}

// CountInvitationsSince counts invitations the referrer recorded at or after
// the given instant. Backs the trailing-7-day invite cap.
func (r *PostgresRepository) CountInvitationsSince(ctx context.Context, referrerID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM referral_entries WHERE referrer_account_id = $1 AND invited_at >= $2`,
		referrerID, since,
	).Scan(&count)
	return count, err
}

// FindReferralEntry fetches the referrer's entry for the given email, any
// status. Returns (nil, nil) when none exists.
func (r *PostgresRepository) FindReferralEntry(ctx context.Context, referrerID uuid.UUID, invitedEmail string) (*domain.ReferralEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM referral_entries
		WHERE referrer_account_id = $1 AND invited_email = lower($2)
	`, referralEntryColumns)
	entry, err := scanReferralEntry(r.db.QueryRow(ctx, query, referrerID, strings.TrimSpace(invitedEmail)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// EmailInvited reports whether any referrer has already invited this email.
func (r *PostgresRepository) EmailInvited(ctx context.Context, invitedEmail string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM referral_entries WHERE invited_email = lower($1))`,
		strings.TrimSpace(invitedEmail),
	).Scan(&exists)
	return exists, err
}

// CreateReferralEntry inserts a pending entry. A concurrent duplicate for the
// same referrer and email loses on the unique constraint and surfaces as
// ErrDuplicateInvitation, which callers fold into the no-op path.
func (r *PostgresRepository) CreateReferralEntry(ctx context.Context, entry *domain.ReferralEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO referral_entries (id, referrer_account_id, invited_email, status, invited_at)
		VALUES ($1, $2, lower($3), $4, $5)
	`, entry.ID, entry.ReferrerAccountID, strings.TrimSpace(entry.InvitedEmail), entry.Status, entry.InvitedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateInvitation
		}
		return fmt.Errorf("create referral entry: %w", err)
	}
	return nil
}

// ActivateReferralEntry flips the matching pending entry to active, stamping
// the activation time and the referred account. The status guard in the WHERE
// clause makes activation exactly-once: a retry matches no row and returns
// (nil, nil).
func (r *PostgresRepository) ActivateReferralEntry(ctx context.Context, referrerID uuid.UUID, invitedEmail string, referredAccountID uuid.UUID, at time.Time) (*domain.ReferralEntry, error) {
	query := fmt.Sprintf(`
		UPDATE referral_entries
		SET status = $4, activated_at = $5, referred_account_id = $3
		WHERE referrer_account_id = $1 AND invited_email = lower($2) AND status = $6
		RETURNING %s
	`, referralEntryColumns)
	entry, err := scanReferralEntry(r.db.QueryRow(ctx, query,
		referrerID, strings.TrimSpace(invitedEmail), referredAccountID,
		domain.ReferralStatusActive, at, domain.ReferralStatusPending,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("activate referral entry: %w", err)
	}
	return entry, nil
}

// CountActiveReferrals counts a referrer's activated entries.
func (r *PostgresRepository) CountActiveReferrals(ctx context.Context, referrerID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM referral_entries WHERE referrer_account_id = $1 AND status = $2`,
		referrerID, domain.ReferralStatusActive,
	).Scan(&count)
	return count, err
}

// ListReferralEntries returns all of a referrer's entries, oldest first.
func (r *PostgresRepository) ListReferralEntries(ctx context.Context, referrerID uuid.UUID) ([]domain.ReferralEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM referral_entries
		WHERE referrer_account_id = $1
		ORDER BY invited_at ASC, id ASC
	`, referralEntryColumns)
	rows, err := r.db.Query(ctx, query, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list referral entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.ReferralEntry
	for rows.Next() {
		var e domain.ReferralEntry
		if err := rows.Scan(
			&e.ID, &e.ReferrerAccountID, &e.InvitedEmail, &e.Status,
			&e.InvitedAt, &e.ActivatedAt, &e.ReferredAccountID,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListReferrerAccountIDs returns every account holding a referral code.
// The weekly bonus job walks this set.
func (r *PostgresRepository) ListReferrerAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM credit_accounts WHERE referral_code IS NOT NULL ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list referrer accounts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SumCreditedByTypes totals the credited amounts of the given transaction
// types for one account.
func (r *PostgresRepository) SumCreditedByTypes(ctx context.Context, accountID uuid.UUID, types []domain.TransactionType) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_transactions
		WHERE account_id = $1 AND amount > 0 AND type = ANY($2)
	`, accountID, typeNames).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum credited amounts: %w", err)
	}
	return total, nil
}

// AwardReferralBonus credits a REFERRAL_BONUS at most once per claim key.
// The claim insert and the credit run in one database transaction: the
// primary key on (account_id, claim_key) makes the claim first-writer-wins,
// and a failed credit rolls the claim back so the next evaluation retries.
func (r *PostgresRepository) AwardReferralBonus(ctx context.Context, accountID uuid.UUID, claimKey string, amount int64, meta domain.TxMetadata) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bonus award: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO referral_bonus_claims (account_id, claim_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id, claim_key) DO NOTHING
	`, accountID, claimKey)
	if err != nil {
		return nil, fmt.Errorf("claim bonus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already paid under this key.
		return nil, nil
	}

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $2,
		    lifetime_earned = lifetime_earned + $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING balance
	`, accountID, amount).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("credit bonus: %w", err)
	}

	record, err := r.insertTransaction(ctx, tx, accountID, domain.TxReferralBonus, amount, newBalance-amount, newBalance, meta)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bonus award: %w", err)
	}
	return record, nil
}
