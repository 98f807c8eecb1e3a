/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for accounts and the transaction log. All balance mutations are
 * single conditional UPDATE statements (the guard is part of the statement,
 * never a separate read) executed in one database transaction with the
 * ledger insert, so concurrent debits on the same account cannot both
 * succeed past the balance and the balance never moves without a ledger row.
 *
 * Expected schema (summarized):
 *   credit_accounts(id uuid pk, email text unique null, balance bigint,
 *     weekly_allocation bigint, lifetime_earned bigint, lifetime_spent bigint,
 *     last_reset_date timestamptz, referral_code text unique null,
 *     referred_by_code text null, created_at, updated_at)
 *   credit_transactions(id uuid pk, account_id uuid, type text, amount bigint,
 *     balance_before bigint, balance_after bigint, reason text null,
 *     admin_id uuid null, related_transaction_id uuid null,
 *     related_entry_id uuid null, active_referral_count int null,
 *     period_start timestamptz null, created_at)
 *   with a partial unique index on credit_transactions(related_transaction_id)
 *   WHERE type = 'REFUND' backing refund idempotency.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lexiform/credit-service/internal/domain"
)

const accountColumns = `id, email, balance, weekly_allocation, lifetime_earned, lifetime_spent,
	last_reset_date, referral_code, referred_by_code, created_at, updated_at`

const transactionColumns = `id, account_id, type, amount, balance_before, balance_after,
	reason, admin_id, related_transaction_id, related_entry_id, active_referral_count,
	period_start, created_at`

// PostgresRepository is the concrete Repository backed by PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID, &a.Email, &a.Balance, &a.WeeklyAllocation, &a.LifetimeEarned,
		&a.LifetimeSpent, &a.LastResetDate, &a.ReferralCode, &a.ReferredByCode,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.Reason, &t.AdminID, &t.RelatedTransactionID, &t.RelatedEntryID,
		&t.ActiveReferralCount, &t.PeriodStart, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindAccountByID retrieves an account by its id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE id = $1`, accountColumns)
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// ProvisionAccount creates the account row with its first-touch allocation if
// absent. The INITIAL_CREDIT ledger row is written in the same database
// transaction, and only when this call actually created the account, so a
// concurrent first touch provisions exactly once.
func (r *PostgresRepository) ProvisionAccount(ctx context.Context, accountID uuid.UUID, weeklyAllocation int64) (*domain.Account, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin provision: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (id, balance, weekly_allocation, lifetime_earned, lifetime_spent, last_reset_date)
		VALUES ($1, $2, $2, $2, 0, NOW())
		ON CONFLICT (id) DO NOTHING
	`, accountID, weeklyAllocation)
	if err != nil {
		return nil, false, fmt.Errorf("provision account: %w", err)
	}

	created := tag.RowsAffected() == 1
	if created {
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_transactions (id, account_id, type, amount, balance_before, balance_after)
			VALUES ($1, $2, $3, $4, 0, $4)
		`, uuid.New(), accountID, domain.TxInitialCredit, weeklyAllocation)
		if err != nil {
			return nil, false, fmt.Errorf("record initial credit: %w", err)
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE id = $1`, accountColumns)
	account, err := scanAccount(tx.QueryRow(ctx, query, accountID))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit provision: %w", err)
	}
	return account, created, nil
}

// RegisterAccountIdentity attaches the user's email and optional signup
// referral code to an already-provisioned account.
func (r *PostgresRepository) RegisterAccountIdentity(ctx context.Context, accountID uuid.UUID, email string, referredByCode *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE credit_accounts
		SET email = lower($2),
		    referred_by_code = COALESCE(referred_by_code, $3),
		    updated_at = NOW()
		WHERE id = $1
	`, accountID, strings.TrimSpace(email), referredByCode)
	if err != nil {
		return fmt.Errorf("register identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// EmailRegistered reports whether any account carries the given email.
func (r *PostgresRepository) EmailRegistered(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_accounts WHERE email = lower($1))`,
		strings.TrimSpace(email),
	).Scan(&exists)
	return exists, err
}

// Debit atomically removes amount from the balance and appends the ledger
// row. The balance check is part of the UPDATE's WHERE clause: two concurrent
// debits that together exceed the balance cannot both match.
func (r *PostgresRepository) Debit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, meta domain.TxMetadata) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2,
		    lifetime_spent = lifetime_spent + $2,
		    updated_at = NOW()
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`, accountID, amount).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing account from an insufficient balance.
			var exists bool
			if checkErr := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM credit_accounts WHERE id = $1)`, accountID,
			).Scan(&exists); checkErr != nil {
				return nil, checkErr
			}
			if !exists {
				return nil, ErrAccountNotFound
			}
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("debit account: %w", err)
	}

	record, err := r.insertTransaction(ctx, tx, accountID, txType, -amount, newBalance+amount, newBalance, meta)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return record, nil
}

// Credit atomically adds amount to the balance and appends the ledger row.
// Credits have no upper bound, so the only failure modes are a missing
// account or a storage error.
func (r *PostgresRepository) Credit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, meta domain.TxMetadata) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback(ctx)

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
		return nil, fmt.Errorf("credit account: %w", err)
	}

	record, err := r.insertTransaction(ctx, tx, accountID, txType, amount, newBalance-amount, newBalance, meta)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return record, nil
}

// insertTransaction appends one ledger row inside the caller's transaction.
// The partial unique index on (related_transaction_id) WHERE type = 'REFUND'
// turns a concurrent double refund into a unique violation, surfaced as
// ErrAlreadyRefunded.
func (r *PostgresRepository) insertTransaction(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, txType domain.TransactionType, amount, balanceBefore, balanceAfter int64, meta domain.TxMetadata) (*domain.Transaction, error) {
	query := fmt.Sprintf(`
		INSERT INTO credit_transactions
			(id, account_id, type, amount, balance_before, balance_after,
			 reason, admin_id, related_transaction_id, related_entry_id,
			 active_referral_count, period_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING %s
	`, transactionColumns)

	record, err := scanTransaction(tx.QueryRow(ctx, query,
		uuid.New(), accountID, txType, amount, balanceBefore, balanceAfter,
		meta.Reason, meta.AdminID, meta.RelatedTransactionID, meta.RelatedEntryID,
		meta.ActiveReferralCount, meta.PeriodStart,
	))
	if err != nil {
		if isUniqueViolation(err) && txType == domain.TxRefund {
			return nil, ErrAlreadyRefunded
		}
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	return record, nil
}

// FindTransactionByID retrieves one ledger row.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM credit_transactions WHERE id = $1`, transactionColumns)
	return scanTransaction(r.db.QueryRow(ctx, query, txID))
}

// ListTransactions returns the account's ledger rows, newest first, applying
// the optional type and time filters.
func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	conditions := []string{"account_id = $1"}
	args := []interface{}{accountID}

	if filter.Type != nil {
		args = append(args, *filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}

	args = append(args, filter.Limit)
	limitIdx := len(args)
	args = append(args, filter.Offset)
	offsetIdx := len(args)

	query := fmt.Sprintf(`
		SELECT %s FROM credit_transactions
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, transactionColumns, strings.Join(conditions, " AND "), limitIdx, offsetIdx)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var results []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Reason, &t.AdminID, &t.RelatedTransactionID, &t.RelatedEntryID,
			&t.ActiveReferralCount, &t.PeriodStart, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// ListStaleAccountIDs returns every account whose last reset predates the
// given period start.
func (r *PostgresRepository) ListStaleAccountIDs(ctx context.Context, periodStart time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM credit_accounts WHERE last_reset_date < $1 ORDER BY id`,
		periodStart,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale accounts: %w", err)
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

// ApplyWeeklyReset reallocates the account's balance to its weekly allocation
// if and only if its last reset predates periodStart; a second attempt inside
// the same period matches no row and returns (nil, nil). Forfeited credits
// count towards lifetime_spent so that balance = earned - spent keeps holding.
// The self-join exposes the pre-update balance for the ledger row.
func (r *PostgresRepository) ApplyWeeklyReset(ctx context.Context, accountID uuid.UUID, periodStart, now time.Time) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	var balanceBefore, balanceAfter int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts a
		SET balance = a.weekly_allocation,
		    lifetime_earned = a.lifetime_earned + a.weekly_allocation,
		    lifetime_spent = a.lifetime_spent + prev.balance,
		    last_reset_date = $3,
		    updated_at = NOW()
		FROM credit_accounts prev
		WHERE a.id = prev.id AND a.id = $1 AND a.last_reset_date < $2
		RETURNING prev.balance, a.balance
	`, accountID, periodStart, now).Scan(&balanceBefore, &balanceAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already reset this period, or the account does not exist.
			return nil, nil
		}
		return nil, fmt.Errorf("apply reset: %w", err)
	}

	record, err := r.insertTransaction(ctx, tx, accountID, domain.TxWeeklyReset,
		balanceAfter-balanceBefore, balanceBefore, balanceAfter,
		domain.TxMetadata{PeriodStart: &periodStart})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reset: %w", err)
	}
	return record, nil
}

// SystemStats aggregates read-only totals for the admin reporting endpoint.
func (r *PostgresRepository) SystemStats(ctx context.Context) (*domain.SystemStats, error) {
	var stats domain.SystemStats
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM credit_accounts),
			COALESCE((SELECT SUM(balance) FROM credit_accounts), 0),
			COALESCE((SELECT SUM(lifetime_earned) FROM credit_accounts), 0),
			COALESCE((SELECT SUM(lifetime_spent) FROM credit_accounts), 0),
			(SELECT COUNT(*) FROM credit_transactions),
			(SELECT COUNT(*) FROM referral_entries WHERE status = 'active')
	`).Scan(
		&stats.TotalAccounts, &stats.CreditsInCirculation, &stats.TotalLifetimeEarned,
		&stats.TotalLifetimeSpent, &stats.TotalTransactions, &stats.ActiveReferrals,
	)
	if err != nil {
		return nil, fmt.Errorf("system stats: %w", err)
	}
	return &stats, nil
}
