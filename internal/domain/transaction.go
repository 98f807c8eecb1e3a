/**
 * @description
 * This file defines the immutable ledger transaction model and the closed set
 * of transaction types. Every balance mutation in the system is recorded as
 * exactly one of these rows; rows are never updated or deleted after creation.
 *
 * @notes
 * - `Amount` is signed: positive for credits, negative for debits.
 * - `BalanceAfter` always equals `BalanceBefore + Amount`, and for any account
 *   the ordered rows form a chain where each `BalanceBefore` equals the
 *   previous row's `BalanceAfter`.
 * - Metadata is a fixed set of typed nullable columns rather than an untyped
 *   map, so each transaction type carries only the fields that apply to it.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType identifies why a balance changed. The set is closed:
// debits and credits with an unknown type are rejected before reaching
// the store.
type TransactionType string

const (
	TxInitialCredit         TransactionType = "INITIAL_CREDIT"
	TxDocumentGeneration    TransactionType = "DOCUMENT_GENERATION"
	TxAIQuestion            TransactionType = "AI_QUESTION"
	TxLHCReport             TransactionType = "LHC_REPORT"
	TxMHCReport             TransactionType = "MHC_REPORT"
	TxCHCReport             TransactionType = "CHC_REPORT"
	TxWeeklyReset           TransactionType = "WEEKLY_RESET"
	TxReferralBonus         TransactionType = "REFERRAL_BONUS"
	TxInstantReferralCredit TransactionType = "INSTANT_REFERRAL_CREDIT"
	TxAdminAdjustment       TransactionType = "ADMIN_ADJUSTMENT"
	TxRefund                TransactionType = "REFUND"
)

var knownTransactionTypes = map[TransactionType]struct{}{
	TxInitialCredit:         {},
	TxDocumentGeneration:    {},
	TxAIQuestion:            {},
	TxLHCReport:             {},
	TxMHCReport:             {},
	TxCHCReport:             {},
	TxWeeklyReset:           {},
	TxReferralBonus:         {},
	TxInstantReferralCredit: {},
	TxAdminAdjustment:       {},
	TxRefund:                {},
}

// IsValid reports whether t belongs to the closed transaction-type set.
func (t TransactionType) IsValid() bool {
	_, ok := knownTransactionTypes[t]
	return ok
}

// Transaction is one immutable ledger record. It maps directly to the
// `credit_transactions` table.
type Transaction struct {
	ID                   uuid.UUID       `json:"id"`
	AccountID            uuid.UUID       `json:"account_id"`
	Type                 TransactionType `json:"type"`
	Amount               int64           `json:"amount"`
	BalanceBefore        int64           `json:"balance_before"`
	BalanceAfter         int64           `json:"balance_after"`
	Reason               *string         `json:"reason,omitempty"`
	AdminID              *uuid.UUID      `json:"admin_id,omitempty"`
	RelatedTransactionID *uuid.UUID      `json:"related_transaction_id,omitempty"`
	RelatedEntryID       *uuid.UUID      `json:"related_entry_id,omitempty"`
	ActiveReferralCount  *int            `json:"active_referral_count,omitempty"`
	PeriodStart          *time.Time      `json:"period_start,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// TxMetadata carries the optional typed metadata written alongside a ledger
// row. Callers populate only the fields relevant to the transaction type.
type TxMetadata struct {
	Reason               *string
	AdminID              *uuid.UUID
	RelatedTransactionID *uuid.UUID
	RelatedEntryID       *uuid.UUID
	ActiveReferralCount  *int
	PeriodStart          *time.Time
}

// TransactionFilter controls history queries over an account's ledger.
type TransactionFilter struct {
	Type   *TransactionType
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}
