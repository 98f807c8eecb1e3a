/**
 * @description
 * This file contains the core ledger logic for the credit-service. The
 * `Service` struct is the only component allowed to mutate balances; every
 * mutation goes through the repository's atomic conditional updates and is
 * recorded in the transaction log.
 *
 * Key features:
 * - Implements the ledger primitives: GetBalance (with first-touch
 *   provisioning), Debit, Credit, Refund, AdjustAdmin.
 * - Publishes low-balance and depleted events after debits cross the
 *   configured thresholds; publishing is fire-and-forget.
 * - Serves read-only transaction history and system-wide stats.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lexiform/credit-service/internal/config"
	"github.com/lexiform/credit-service/internal/domain"
	"github.com/lexiform/credit-service/internal/store"
	"github.com/lexiform/credit-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount            = errors.New("amount must be positive")
	ErrUnknownTransactionType   = errors.New("unknown transaction type")
	ErrNotADebit                = errors.New("original transaction is not a debit")
	ErrMissingAdjustmentReason  = errors.New("adjustment reason is required")
	ErrAdjustmentTooLarge       = errors.New("adjustment exceeds the configured cap")
	ErrWeeklyInviteLimitReached = errors.New("weekly invitation limit exceeded")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	publishTimeout      = 5 * time.Second
)

// Service provides the ledger primitives and reporting reads.
type Service struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	logger   *slog.Logger
	cfg      config.Config
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *Service {
	return &Service{
		repo:     repo,
		producer: producer,
		logger:   logger,
		cfg:      cfg,
	}
}

// GetBalance returns the account snapshot, provisioning the account with the
// configured weekly allocation on first touch. The provisioning write records
// an INITIAL_CREDIT transaction.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, created, err := s.repo.ProvisionAccount(ctx, accountID, s.cfg.WeeklyAllocation)
	if err != nil {
		return nil, fmt.Errorf("failed to provision account: %w", err)
	}
	if created {
		s.logger.Info("account provisioned", "account_id", accountID, "allocation", s.cfg.WeeklyAllocation)
	}
	return account, nil
}

// RegisterAccount provisions the account and attaches the user's email and
// the referral code the user signed up through, if any. Called once by the
// identity provider when a user registers.
func (s *Service) RegisterAccount(ctx context.Context, accountID uuid.UUID, email string, referredByCode *string) (*domain.Account, error) {
	if _, err := s.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	if err := s.repo.RegisterAccountIdentity(ctx, accountID, email, referredByCode); err != nil {
		return nil, fmt.Errorf("failed to register account identity: %w", err)
	}
	return s.repo.FindAccountByID(ctx, accountID)
}

// Debit atomically removes amount credits from the account. The balance
// check and decrement are one conditional update in the store, so two
// concurrent debits can never jointly overdraw the account.
func (s *Service) Debit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, reason *string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !txType.IsValid() {
		return nil, ErrUnknownTransactionType
	}

	record, err := s.repo.Debit(ctx, accountID, amount, txType, domain.TxMetadata{Reason: reason})
	if err != nil {
		return nil, err
	}

	s.logger.Info("debit applied",
		"account_id", accountID, "amount", amount, "type", txType, "balance", record.BalanceAfter)
	s.notifyAfterDebit(record)
	return record, nil
}

// Credit atomically adds amount credits to the account. There is no upper
// bound on balances, so credits only fail for missing accounts or storage
// errors.
func (s *Service) Credit(ctx context.Context, accountID uuid.UUID, amount int64, txType domain.TransactionType, reason *string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !txType.IsValid() {
		return nil, ErrUnknownTransactionType
	}

	record, err := s.repo.Credit(ctx, accountID, amount, txType, domain.TxMetadata{Reason: reason})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credit applied",
		"account_id", accountID, "amount", amount, "type", txType, "balance", record.BalanceAfter)
	return record, nil
}

// Refund credits back the absolute value of a prior debit, linking the
// original transaction. Refunding the same transaction twice fails with
// store.ErrAlreadyRefunded: a partial unique index on the refund link makes
// the second writer lose even under concurrency.
func (s *Service) Refund(ctx context.Context, accountID uuid.UUID, originalTxID uuid.UUID, reason string) (*domain.Transaction, error) {
	original, err := s.repo.FindTransactionByID(ctx, originalTxID)
	if err != nil {
		return nil, err
	}
	if original.AccountID != accountID {
		return nil, store.ErrTransactionNotFound
	}
	if original.Amount >= 0 {
		return nil, ErrNotADebit
	}

	meta := domain.TxMetadata{
		RelatedTransactionID: &originalTxID,
	}
	if reason != "" {
		meta.Reason = &reason
	}

	record, err := s.repo.Credit(ctx, accountID, -original.Amount, domain.TxRefund, meta)
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund applied",
		"account_id", accountID, "original_transaction_id", originalTxID, "amount", -original.Amount)
	return record, nil
}

// AdjustAdmin applies a signed manual correction, routed to Credit or Debit
// depending on the sign. A non-empty reason is mandatory and the magnitude is
// capped by configuration.
func (s *Service) AdjustAdmin(ctx context.Context, accountID uuid.UUID, delta int64, adminID uuid.UUID, reason string) (*domain.Transaction, error) {
	if reason == "" {
		return nil, ErrMissingAdjustmentReason
	}
	if delta == 0 {
		return nil, ErrInvalidAmount
	}
	magnitude := delta
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude > s.cfg.MaxAdminAdjustment {
		return nil, ErrAdjustmentTooLarge
	}

	meta := domain.TxMetadata{Reason: &reason, AdminID: &adminID}

	var record *domain.Transaction
	var err error
	if delta > 0 {
		record, err = s.repo.Credit(ctx, accountID, delta, domain.TxAdminAdjustment, meta)
	} else {
		record, err = s.repo.Debit(ctx, accountID, -delta, domain.TxAdminAdjustment, meta)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("admin adjustment applied",
		"account_id", accountID, "delta", delta, "admin_id", adminID, "balance", record.BalanceAfter)
	if delta < 0 {
		s.notifyAfterDebit(record)
	}
	return record, nil
}

// GetTransactionHistory returns the account's ledger rows, newest first.
// The limit is coerced into [1, 100] with a default of 50.
func (s *Service) GetTransactionHistory(ctx context.Context, accountID uuid.UUID, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Type != nil && !filter.Type.IsValid() {
		return nil, ErrUnknownTransactionType
	}
	return s.repo.ListTransactions(ctx, accountID, filter)
}

// GetSystemStats returns aggregate totals across all accounts.
func (s *Service) GetSystemStats(ctx context.Context) (*domain.SystemStats, error) {
	return s.repo.SystemStats(ctx)
}

// notifyAfterDebit publishes depletion and low-balance events when a debit
// crosses the corresponding threshold. Publishing is fire-and-forget: it runs
// on its own context and failures are only logged.
func (s *Service) notifyAfterDebit(record *domain.Transaction) {
	threshold := s.cfg.LowBalanceThreshold
	switch {
	case record.BalanceAfter == 0 && record.BalanceBefore > 0:
		s.publish(domain.RouteDepleted, domain.DepletedEvent{
			AccountID: record.AccountID,
			Timestamp: time.Now().UTC(),
		})
	case record.BalanceBefore > threshold && record.BalanceAfter <= threshold:
		s.publish(domain.RouteLowBalance, domain.LowBalanceEvent{
			AccountID: record.AccountID,
			Balance:   record.BalanceAfter,
			Threshold: threshold,
			Timestamp: time.Now().UTC(),
		})
	}
}

// publish sends one event to the notification exchange in the background.
func (s *Service) publish(routingKey string, payload interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.producer.Publish(ctx, s.cfg.NotificationExchange, routingKey, payload); err != nil {
			s.logger.Warn("event publish failed", "routing_key", routingKey, "error", err)
		}
	}()
}
