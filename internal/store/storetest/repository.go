/**
 * @description
 * In-memory implementation of store.Repository for tests. It mirrors the
 * semantics of the PostgreSQL store closely enough for service-level tests:
 * conditional balance updates under one mutex, ledger rows appended for every
 * mutation, the refund uniqueness guard, the reset staleness guard, and the
 * first-writer-wins weekly payout claim.
 *
 * Error hooks (FailDebitFor, FailCreditFor, FailResetFor) let tests inject
 * per-account storage failures to exercise batch error isolation.
 */

package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lexiform/credit-service/internal/domain"
	"github.com/lexiform/credit-service/internal/store"
)

// Repository is an in-memory store.Repository. Safe for concurrent use.
type Repository struct {
	mu sync.Mutex

	accounts     map[uuid.UUID]*domain.Account
	transactions []domain.Transaction
	entries      []domain.ReferralEntry
	claims       map[string]struct{}
	refunded     map[uuid.UUID]struct{}

	FailDebitFor  map[uuid.UUID]error
	FailCreditFor map[uuid.UUID]error
	FailResetFor  map[uuid.UUID]error
}

// New returns an empty in-memory repository.
func New() *Repository {
	return &Repository{
		accounts:      make(map[uuid.UUID]*domain.Account),
		claims:        make(map[string]struct{}),
		refunded:      make(map[uuid.UUID]struct{}),
		FailDebitFor:  make(map[uuid.UUID]error),
		FailCreditFor: make(map[uuid.UUID]error),
		FailResetFor:  make(map[uuid.UUID]error),
	}
}

// SeedAccount inserts an account row directly, bypassing provisioning. Tests
// use it to start from a specific balance or reset date.
func (r *Repository) SeedAccount(account domain.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := account
	r.accounts[account.ID] = &copied
}

// Transactions returns a snapshot of all ledger rows in insertion order.
func (r *Repository) Transactions() []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transaction, len(r.transactions))
	copy(out, r.transactions)
	return out
}

func (r *Repository) accountCopy(id uuid.UUID) *domain.Account {
	copied := *r.accounts[id]
	return &copied
}

func (r *Repository) appendTx(accountID uuid.UUID, txType domain.TransactionType, amount, before, after int64, meta domain.TxMetadata) *domain.Transaction {
	tx := domain.Transaction{
		ID:                   uuid.New(),
		AccountID:            accountID,
		Type:                 txType,
		Amount:               amount,
		BalanceBefore:        before,
		BalanceAfter:         after,
		Reason:               meta.Reason,
		AdminID:              meta.AdminID,
		RelatedTransactionID: meta.RelatedTransactionID,
		RelatedEntryID:       meta.RelatedEntryID,
		ActiveReferralCount:  meta.ActiveReferralCount,
		PeriodStart:          meta.PeriodStart,
		CreatedAt:            time.Now().UTC(),
	}
	r.transactions = append(r.transactions, tx)
	return &tx
}

func (r *Repository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[accountID]; !ok {
		return nil, store.ErrAccountNotFound
	}
	return r.accountCopy(accountID), nil
}

func (r *Repository) ProvisionAccount(ctx context.Context, accountID uuid.UUID, weeklyAllocation int64) (*domain.Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[accountID]; ok {
		return r.accountCopy(accountID), false, nil
	}
	now := time.Now().UTC()
	r.accounts[accountID] = &domain.Account{
		ID:               accountID,
		Balance:          weeklyAllocation,
		WeeklyAllocation: weeklyAllocation,
		LifetimeEarned:   weeklyAllocation,
		LastResetDate:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.appendTx(accountID, domain.TxInitialCredit, weeklyAllocation, 0, weeklyAllocation, domain.TxMetadata{})
	return r.accountCopy(accountID), true, nil
}

func (r *Repository) RegisterAccountIdentity(ctx context.Context, accountID uuid.UUID, email string, referredByCode *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.Email = &email
	account.ReferredByCode = referredByCode
	return nil
}

func (r *Repository) EmailRegistered(ctx context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Email != nil && *a.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) Debit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, meta domain.TxMetadata) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.FailDebitFor[accountID]; ok {
		return nil, err
	}
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if account.Balance < amount {
		return nil, store.ErrInsufficientBalance
	}
	before := account.Balance
	account.Balance -= amount
	account.LifetimeSpent += amount
	account.UpdatedAt = time.Now().UTC()
	return r.appendTx(accountID, txType, -amount, before, account.Balance, meta), nil
}

func (r *Repository) Credit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, meta domain.TxMetadata) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.FailCreditFor[accountID]; ok {
		return nil, err
	}
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if txType == domain.TxRefund && meta.RelatedTransactionID != nil {
		if _, dup := r.refunded[*meta.RelatedTransactionID]; dup {
			return nil, store.ErrAlreadyRefunded
		}
		r.refunded[*meta.RelatedTransactionID] = struct{}{}
	}
	before := account.Balance
	account.Balance += amount
	account.LifetimeEarned += amount
	account.UpdatedAt = time.Now().UTC()
	return r.appendTx(accountID, txType, amount, before, account.Balance, meta), nil
}

func (r *Repository) FindTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.transactions {
		if r.transactions[i].ID == txID {
			tx := r.transactions[i]
			return &tx, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *Repository) ListTransactions(ctx context.Context, accountID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for i := range r.transactions {
		tx := r.transactions[i]
		if tx.AccountID != accountID {
			continue
		}
		if filter.Type != nil && tx.Type != *filter.Type {
			continue
		}
		if filter.Since != nil && tx.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !tx.CreatedAt.Before(*filter.Until) {
			continue
		}
		out = append(out, tx)
	}
	// Newest first, matching the SQL ORDER BY created_at DESC.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Repository) ListStaleAccountIDs(ctx context.Context, periodStart time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range r.accounts {
		if a.LastResetDate.Before(periodStart) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) ApplyWeeklyReset(ctx context.Context, accountID uuid.UUID, periodStart, now time.Time) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.FailResetFor[accountID]; ok {
		return nil, err
	}
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if !account.LastResetDate.Before(periodStart) {
		return nil, nil
	}
	before := account.Balance
	account.LifetimeSpent += before
	account.LifetimeEarned += account.WeeklyAllocation
	account.Balance = account.WeeklyAllocation
	account.LastResetDate = periodStart
	account.UpdatedAt = now
	ps := periodStart
	return r.appendTx(accountID, domain.TxWeeklyReset, account.Balance-before, before, account.Balance, domain.TxMetadata{PeriodStart: &ps}), nil
}

func (r *Repository) FindAccountByReferralCode(ctx context.Context, code string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.accounts {
		if a.ReferralCode != nil && *a.ReferralCode == code {
			return r.accountCopy(id), nil
		}
	}
	return nil, store.ErrInvalidReferralCode
}

func (r *Repository) SetReferralCode(ctx context.Context, accountID uuid.UUID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.ReferralCode != nil && *a.ReferralCode == code {
			return store.ErrReferralCodeTaken
		}
	}
	account, ok := r.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if account.ReferralCode == nil {
		account.ReferralCode = &code
	}
	return nil
}

func (r *Repository) CountInvitationsSince(ctx context.Context, referrerID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i := range r.entries {
		if r.entries[i].ReferrerAccountID == referrerID && !r.entries[i].InvitedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *Repository) FindReferralEntry(ctx context.Context, referrerID uuid.UUID, invitedEmail string) (*domain.ReferralEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ReferrerAccountID == referrerID && r.entries[i].InvitedEmail == invitedEmail {
			entry := r.entries[i]
			return &entry, nil
		}
	}
	return nil, nil
}

func (r *Repository) EmailInvited(ctx context.Context, invitedEmail string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].InvitedEmail == invitedEmail {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) CreateReferralEntry(ctx context.Context, entry *domain.ReferralEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ReferrerAccountID == entry.ReferrerAccountID && r.entries[i].InvitedEmail == entry.InvitedEmail {
			return store.ErrDuplicateInvitation
		}
	}
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *Repository) ActivateReferralEntry(ctx context.Context, referrerID uuid.UUID, invitedEmail string, referredAccountID uuid.UUID, at time.Time) (*domain.ReferralEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		e := &r.entries[i]
		if e.ReferrerAccountID == referrerID && e.InvitedEmail == invitedEmail && e.Status == domain.ReferralStatusPending {
			e.Status = domain.ReferralStatusActive
			e.ActivatedAt = &at
			e.ReferredAccountID = &referredAccountID
			entry := *e
			return &entry, nil
		}
	}
	return nil, nil
}

func (r *Repository) CountActiveReferrals(ctx context.Context, referrerID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for i := range r.entries {
		if r.entries[i].ReferrerAccountID == referrerID && r.entries[i].Status == domain.ReferralStatusActive {
			count++
		}
	}
	return count, nil
}

func (r *Repository) ListReferralEntries(ctx context.Context, referrerID uuid.UUID) ([]domain.ReferralEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ReferralEntry
	for i := range r.entries {
		if r.entries[i].ReferrerAccountID == referrerID {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

func (r *Repository) ListReferrerAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range r.accounts {
		if a.ReferralCode != nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) AwardReferralBonus(ctx context.Context, accountID uuid.UUID, claimKey string, amount int64, meta domain.TxMetadata) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	key := accountID.String() + "/" + claimKey
	if _, taken := r.claims[key]; taken {
		return nil, nil
	}
	// A failed credit leaves the key unclaimed, mirroring the rollback of
	// the single-transaction award in the SQL store.
	if err, fail := r.FailCreditFor[accountID]; fail {
		return nil, err
	}
	r.claims[key] = struct{}{}
	before := account.Balance
	account.Balance += amount
	account.LifetimeEarned += amount
	account.UpdatedAt = time.Now().UTC()
	return r.appendTx(accountID, domain.TxReferralBonus, amount, before, account.Balance, meta), nil
}

func (r *Repository) SumCreditedByTypes(ctx context.Context, accountID uuid.UUID, types []domain.TransactionType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[domain.TransactionType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	var total int64
	for i := range r.transactions {
		tx := r.transactions[i]
		if tx.AccountID != accountID || tx.Amount <= 0 {
			continue
		}
		if _, ok := wanted[tx.Type]; ok {
			total += tx.Amount
		}
	}
	return total, nil
}

func (r *Repository) SystemStats(ctx context.Context) (*domain.SystemStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &domain.SystemStats{
		TotalAccounts:     int64(len(r.accounts)),
		TotalTransactions: int64(len(r.transactions)),
	}
	for _, a := range r.accounts {
		stats.CreditsInCirculation += a.Balance
		stats.TotalLifetimeEarned += a.LifetimeEarned
		stats.TotalLifetimeSpent += a.LifetimeSpent
	}
	for i := range r.entries {
		if r.entries[i].Status == domain.ReferralStatusActive {
			stats.ActiveReferrals++
		}
	}
	return stats, nil
}
