/**
 * @description
 * Message payloads published to RabbitMQ when ledger events occur. All of
 * these are fire-and-forget notifications consumed by the notification
 * service; a failed publish is logged and never rolls back the mutation
 * that triggered it.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for credit events on the notification exchange.
const (
	RouteLowBalance    = "credits.low_balance"
	RouteDepleted      = "credits.depleted"
	RouteReferralBonus = "referral.bonus_awarded"
	RouteInvitation    = "referral.invited"
)

// LowBalanceEvent is published when a debit takes an account at or below the
// configured low-balance threshold.
type LowBalanceEvent struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	Threshold int64     `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// DepletedEvent is published when a debit takes an account to exactly zero.
type DepletedEvent struct {
	AccountID uuid.UUID `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReferralBonusEvent is published when a referral bonus is credited.
type ReferralBonusEvent struct {
	AccountID   uuid.UUID `json:"account_id"`
	Amount      int64     `json:"amount"`
	ActiveCount int       `json:"active_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// InvitationEvent is published when an invitation email should be delivered.
type InvitationEvent struct {
	InvitedEmail      string    `json:"invited_email"`
	ReferrerAccountID uuid.UUID `json:"referrer_account_id"`
	ReferralCode      string    `json:"referral_code"`
	Timestamp         time.Time `json:"timestamp"`
}
