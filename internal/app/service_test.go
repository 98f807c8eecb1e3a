package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lexiform/credit-service/internal/config"
	"github.com/lexiform/credit-service/internal/domain"
	"github.com/lexiform/credit-service/internal/store"
	"github.com/lexiform/credit-service/internal/store/storetest"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Exchange   string
	RoutingKey string
	Body       interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Exchange: exchange, RoutingKey: routingKey, Body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) snapshot() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// waitForEvents polls for asynchronously published events.
func waitForEvents(t *testing.T, p *recordingPublisher, want int) []publishedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := p.snapshot()
		if len(events) >= want {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d published events, got %d", want, len(p.snapshot()))
	return nil
}

func testConfig() config.Config {
	return config.Config{
		NotificationExchange:    "credit_events",
		WeeklyAllocation:        14,
		ResetWeekday:            1,
		ResetTimezone:           "UTC",
		LowBalanceThreshold:     3,
		ReferralMinForBonus:     3,
		ReferralBonusAmount:     5,
		ReferralWeeklyInviteCap: 20,
		ReferralBonusFrequency:  config.BonusFrequencyOnce,
		MaxAdminAdjustment:      1000,
		JobLockTTLSeconds:       300,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(cfg config.Config) (*Service, *storetest.Repository, *recordingPublisher) {
	repo := storetest.New()
	publisher := &recordingPublisher{}
	return NewService(repo, publisher, testLogger(), cfg), repo, publisher
}

func TestGetBalanceProvisionsOnFirstTouch(t *testing.T) {
	svc, repo, _ := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()

	account, err := svc.GetBalance(ctx, accountID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if account.Balance != 14 {
		t.Errorf("balance = %d, want 14", account.Balance)
	}
	if account.LifetimeEarned != 14 || account.LifetimeSpent != 0 {
		t.Errorf("lifetime earned/spent = %d/%d, want 14/0", account.LifetimeEarned, account.LifetimeSpent)
	}

	txs := repo.Transactions()
	if len(txs) != 1 || txs[0].Type != domain.TxInitialCredit {
		t.Fatalf("expected a single INITIAL_CREDIT row, got %v", txs)
	}

	// Second call must be a pure read.
	if _, err := svc.GetBalance(ctx, accountID); err != nil {
		t.Fatalf("second GetBalance: %v", err)
	}
	if got := len(repo.Transactions()); got != 1 {
		t.Errorf("transaction count after re-read = %d, want 1", got)
	}
}

func TestDebitValidation(t *testing.T) {
	svc, _, _ := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()

	if _, err := svc.Debit(ctx, accountID, 0, domain.TxAIQuestion, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Debit(ctx, accountID, -1, domain.TxAIQuestion, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Debit(ctx, accountID, 1, domain.TransactionType("MYSTERY"), nil); !errors.Is(err, ErrUnknownTransactionType) {
		t.Errorf("unknown type: err = %v, want ErrUnknownTransactionType", err)
	}
	if _, err := svc.Debit(ctx, accountID, 1, domain.TxAIQuestion, nil); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("missing account: err = %v, want ErrAccountNotFound", err)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, _, _ := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()

	if _, err := svc.GetBalance(ctx, accountID); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.Debit(ctx, accountID, 20, domain.TxDocumentGeneration, nil); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// The failed debit must leave no trace.
	account, err := svc.GetBalance(ctx, accountID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if account.Balance != 14 {
		t.Errorf("balance after failed debit = %d, want 14", account.Balance)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, repo, _ := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()

	repo.SeedAccount(domain.Account{
		ID:               accountID,
		Balance:          10,
		WeeklyAllocation: 14,
		LifetimeEarned:   10,
		LastResetDate:    time.Now().UTC(),
	})

	const attempts = 25
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, accountID, 1, domain.TxAIQuestion, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 10 || rejected != attempts-10 {
		t.Errorf("succeeded/rejected = %d/%d, want 10/%d", succeeded, rejected, attempts-10)
	}

	account, err := svc.GetBalance(ctx, accountID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if account.Balance != 0 {
		t.Errorf("final balance = %d, want 0", account.Balance)
	}
	if account.Balance != account.LifetimeEarned-account.LifetimeSpent {
		t.Errorf("invariant violated: balance %d != earned %d - spent %d",
			account.Balance, account.LifetimeEarned, account.LifetimeSpent)
	}

	// Every ledger row must chain: balance_after = balance_before + amount.
	for _, tx := range repo.Transactions() {
		if tx.BalanceAfter != tx.BalanceBefore+tx.Amount {
			t.Errorf("broken chain in %s: %d != %d + %d", tx.Type, tx.BalanceAfter, tx.BalanceBefore, tx.Amount)
		}
	}
}

func TestRefundOnceThenConflict(t *testing.T) {
	svc, _, _ := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()

	if _, err := svc.GetBalance(ctx, accountID); err != nil {
		t.Fatalf("provision: %v", err)
	}
	debit, err := svc.Debit(ctx, accountID, 4, domain.TxLHCReport, nil)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}

	refund, err := svc.Refund(ctx, accountID, debit.ID, "report generation failed")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Amount != 4 {
		t.Errorf("refund amount = %d, want 4", refund.Amount)
	}
	if refund.RelatedTransactionID == nil || *refund.RelatedTransactionID != debit.ID {
		t.Errorf("refund not linked to original debit")
	}
	if refund.BalanceAfter != 14 {
		t.Errorf("balance after refund = %d, want 14", refund.BalanceAfter)
	}

	if _, err := svc.Refund(ctx, accountID, debit.ID, "again"); !errors.Is(err, store.ErrAlreadyRefunded) {
		t.Fatalf("second refund err = %v, want ErrAlreadyRefunded", err)
	}
}

func TestRefundRejectsWrongAccountAndNonDebit(t *testing.T) {
	svc, _, _ := newTestService(testConfig())
	ctx := context.Background()
	owner := uuid.New()
	other := uuid.New()

	if _, err := svc.GetBalance(ctx, owner); err != nil {
		t.Fatalf("provision owner: %v", err)
	}
	if _, err := svc.GetBalance(ctx, other); err != nil {
		t.Fatalf("provision other: %v", err)
	}

	debit, err := svc.Debit(ctx, owner, 2, domain.TxAIQuestion, nil)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := svc.Refund(ctx, other, debit.ID, ""); !errors.Is(err, store.ErrTransactionNotFound) {
		t.Errorf("cross-account refund err = %v, want ErrTransactionNotFound", err)
	}

	credit, err := svc.Credit(ctx, owner, 3, domain.TxAdminAdjustment, nil)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Refund(ctx, owner, credit.ID, ""); !errors.Is(err, ErrNotADebit) {
		t.Errorf("refund of credit err = %v, want ErrNotADebit", err)
	}
}

func TestAdjustAdmin(t *testing.T) {
	svc, _, _ := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()
	adminID := uuid.New()

	if _, err := svc.GetBalance(ctx, accountID); err != nil {
		t.Fatalf("provision: %v", err)
	}

	if _, err := svc.AdjustAdmin(ctx, accountID, 10, adminID, ""); !errors.Is(err, ErrMissingAdjustmentReason) {
		t.Errorf("missing reason err = %v, want ErrMissingAdjustmentReason", err)
	}
	if _, err := svc.AdjustAdmin(ctx, accountID, 0, adminID, "noop"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero delta err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.AdjustAdmin(ctx, accountID, 1001, adminID, "too big"); !errors.Is(err, ErrAdjustmentTooLarge) {
		t.Errorf("over-cap err = %v, want ErrAdjustmentTooLarge", err)
	}
	if _, err := svc.AdjustAdmin(ctx, accountID, -1001, adminID, "too big"); !errors.Is(err, ErrAdjustmentTooLarge) {
		t.Errorf("negative over-cap err = %v, want ErrAdjustmentTooLarge", err)
	}

	up, err := svc.AdjustAdmin(ctx, accountID, 6, adminID, "support goodwill")
	if err != nil {
		t.Fatalf("positive adjustment: %v", err)
	}
	if up.Amount != 6 || up.BalanceAfter != 20 {
		t.Errorf("positive adjustment amount/balance = %d/%d, want 6/20", up.Amount, up.BalanceAfter)
	}
	if up.AdminID == nil || *up.AdminID != adminID {
		t.Errorf("adjustment missing admin id")
	}

	down, err := svc.AdjustAdmin(ctx, accountID, -5, adminID, "abuse rollback")
	if err != nil {
		t.Fatalf("negative adjustment: %v", err)
	}
	if down.Amount != -5 || down.BalanceAfter != 15 {
		t.Errorf("negative adjustment amount/balance = %d/%d, want -5/15", down.Amount, down.BalanceAfter)
	}
}

func TestLowBalanceAndDepletedEvents(t *testing.T) {
	svc, _, publisher := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()

	if _, err := svc.GetBalance(ctx, accountID); err != nil {
		t.Fatalf("provision: %v", err)
	}

	// 14 -> 4: no threshold crossed.
	if _, err := svc.Debit(ctx, accountID, 10, domain.TxDocumentGeneration, nil); err != nil {
		t.Fatalf("debit: %v", err)
	}
	// 4 -> 3: crosses the low-balance threshold.
	if _, err := svc.Debit(ctx, accountID, 1, domain.TxAIQuestion, nil); err != nil {
		t.Fatalf("debit: %v", err)
	}
	events := waitForEvents(t, publisher, 1)
	if events[0].RoutingKey != domain.RouteLowBalance {
		t.Errorf("routing key = %q, want %q", events[0].RoutingKey, domain.RouteLowBalance)
	}

	// 3 -> 0: depleted, not another low-balance event.
	if _, err := svc.Debit(ctx, accountID, 3, domain.TxAIQuestion, nil); err != nil {
		t.Fatalf("debit: %v", err)
	}
	events = waitForEvents(t, publisher, 2)
	if events[1].RoutingKey != domain.RouteDepleted {
		t.Errorf("routing key = %q, want %q", events[1].RoutingKey, domain.RouteDepleted)
	}
}

func TestTransactionHistoryFilters(t *testing.T) {
	svc, _, _ := newTestService(testConfig())
	ctx := context.Background()
	accountID := uuid.New()

	if _, err := svc.GetBalance(ctx, accountID); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.Debit(ctx, accountID, 1, domain.TxAIQuestion, nil); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := svc.Debit(ctx, accountID, 2, domain.TxDocumentGeneration, nil); err != nil {
		t.Fatalf("debit: %v", err)
	}

	all, err := svc.GetTransactionHistory(ctx, accountID, domain.TransactionFilter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("history length = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].Type != domain.TxDocumentGeneration || all[2].Type != domain.TxInitialCredit {
		t.Errorf("history order wrong: %v then %v", all[0].Type, all[2].Type)
	}

	aiType := domain.TxAIQuestion
	filtered, err := svc.GetTransactionHistory(ctx, accountID, domain.TransactionFilter{Type: &aiType})
	if err != nil {
		t.Fatalf("filtered history: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Type != domain.TxAIQuestion {
		t.Errorf("type filter returned %v", filtered)
	}

	badType := domain.TransactionType("MYSTERY")
	if _, err := svc.GetTransactionHistory(ctx, accountID, domain.TransactionFilter{Type: &badType}); !errors.Is(err, ErrUnknownTransactionType) {
		t.Errorf("invalid type filter err = %v, want ErrUnknownTransactionType", err)
	}

	limited, err := svc.GetTransactionHistory(ctx, accountID, domain.TransactionFilter{Limit: 2})
	if err != nil {
		t.Fatalf("limited history: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited history length = %d, want 2", len(limited))
	}

	// Until is exclusive: an until equal to the oldest row's timestamp
	// matches nothing.
	oldest := all[len(all)-1].CreatedAt
	none, err := svc.GetTransactionHistory(ctx, accountID, domain.TransactionFilter{Until: &oldest})
	if err != nil {
		t.Fatalf("until history: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("until bound returned %d rows, want 0", len(none))
	}
}

func TestSystemStats(t *testing.T) {
	svc, _, _ := newTestService(testConfig())
	ctx := context.Background()

	a := uuid.New()
	b := uuid.New()
	if _, err := svc.GetBalance(ctx, a); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.GetBalance(ctx, b); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.Debit(ctx, a, 5, domain.TxMHCReport, nil); err != nil {
		t.Fatalf("debit: %v", err)
	}

	stats, err := svc.GetSystemStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalAccounts != 2 {
		t.Errorf("total accounts = %d, want 2", stats.TotalAccounts)
	}
	if stats.CreditsInCirculation != 23 {
		t.Errorf("credits in circulation = %d, want 23", stats.CreditsInCirculation)
	}
	if stats.TotalTransactions != 3 {
		t.Errorf("total transactions = %d, want 3", stats.TotalTransactions)
	}
}
