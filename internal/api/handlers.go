/**
 * @description
 * This file contains the HTTP handlers for the credit-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application services, and writing the HTTP
 * response. They act as the bridge between the web layer and the ledger.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lexiform/credit-service/internal/app"
	"github.com/lexiform/credit-service/internal/domain"
	"github.com/lexiform/credit-service/internal/store"
)

// CreditHandlers holds the application services that handlers will use.
type CreditHandlers struct {
	ledger    *app.Service
	referrals *app.ReferralService
	jobs      *app.Jobs
	logger    *slog.Logger
}

// NewCreditHandlers creates the handler set.
func NewCreditHandlers(ledger *app.Service, referrals *app.ReferralService, jobs *app.Jobs, logger *slog.Logger) *CreditHandlers {
	return &CreditHandlers{ledger: ledger, referrals: referrals, jobs: jobs, logger: logger}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps ledger and store errors onto HTTP status codes.
func (h *CreditHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrAlreadyRefunded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidReferralCode):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrWeeklyInviteLimitReached):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrUnknownTransactionType),
		errors.Is(err, app.ErrNotADebit),
		errors.Is(err, app.ErrMissingAdjustmentReason),
		errors.Is(err, app.ErrAdjustmentTooLarge):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func accountIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "accountID"))
}

// GetBalanceHandler returns the account snapshot, provisioning on first touch.
func (h *CreditHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	account, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type registerAccountRequest struct {
	Email        string  `json:"email"`
	ReferralCode *string `json:"referral_code,omitempty"`
}

// RegisterAccountHandler attaches the user's identity to the account.
func (h *CreditHandlers) RegisterAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	account, err := h.ledger.RegisterAccount(r.Context(), accountID, req.Email, req.ReferralCode)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type mutationRequest struct {
	Amount int64                  `json:"amount"`
	Type   domain.TransactionType `json:"type"`
	Reason *string                `json:"reason,omitempty"`
}

type mutationResponse struct {
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
}

// DebitHandler spends credits from the account.
func (h *CreditHandlers) DebitHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.ledger.Debit(r.Context(), accountID, req.Amount, req.Type, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{TransactionID: record.ID.String(), Balance: record.BalanceAfter})
}

// CreditHandler grants credits to the account.
func (h *CreditHandlers) CreditHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.ledger.Credit(r.Context(), accountID, req.Amount, req.Type, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{TransactionID: record.ID.String(), Balance: record.BalanceAfter})
}

type refundRequest struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Reason        string    `json:"reason"`
}

// RefundHandler reverses a prior debit exactly once.
func (h *CreditHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	record, err := h.ledger.Refund(r.Context(), accountID, req.TransactionID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type adjustRequest struct {
	Delta   int64     `json:"delta"`
	AdminID uuid.UUID `json:"admin_id"`
	Reason  string    `json:"reason"`
}

// AdjustHandler applies a capped manual correction.
func (h *CreditHandlers) AdjustHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := h.ledger.AdjustAdmin(r.Context(), accountID, req.Delta, req.AdminID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// TransactionHistoryHandler lists the account's ledger rows with filters.
func (h *CreditHandlers) TransactionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	filter := domain.TransactionFilter{}
	q := r.URL.Query()
	if v := q.Get("type"); v != "" {
		t := domain.TransactionType(v)
		filter.Type = &t
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("until"); v != "" {
		until, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		filter.Until = &until
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	records, err := h.ledger.GetTransactionHistory(r.Context(), accountID, filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ReferralStatsHandler returns the referrer's funnel and earnings.
func (h *CreditHandlers) ReferralStatsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	stats, err := h.referrals.GetReferralStats(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type sendInvitationsRequest struct {
	Emails []string `json:"emails"`
}

// SendInvitationsHandler records a batch of invitations for the referrer.
func (h *CreditHandlers) SendInvitationsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req sendInvitationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Emails) == 0 {
		writeError(w, http.StatusBadRequest, "emails are required")
		return
	}

	result, err := h.referrals.SendInvitations(r.Context(), accountID, req.Emails)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type recordInvitationRequest struct {
	ReferralCode string `json:"referral_code"`
	InvitedEmail string `json:"invited_email"`
}

// RecordInvitationHandler records one invitation under a referral code.
func (h *CreditHandlers) RecordInvitationHandler(w http.ResponseWriter, r *http.Request) {
	var req recordInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReferralCode == "" || req.InvitedEmail == "" {
		writeError(w, http.StatusBadRequest, "referral_code and invited_email are required")
		return
	}

	entry, err := h.referrals.RecordInvitation(r.Context(), req.ReferralCode, req.InvitedEmail)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type activateReferralRequest struct {
	ReferredAccountID uuid.UUID `json:"referred_account_id"`
}

// ActivateReferralHandler marks a referred account as verified.
func (h *CreditHandlers) ActivateReferralHandler(w http.ResponseWriter, r *http.Request) {
	var req activateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReferredAccountID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "referred_account_id is required")
		return
	}

	activated, err := h.referrals.ActivateReferral(r.Context(), req.ReferredAccountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"activated": activated})
}

// ManualResetHandler triggers the weekly reset sweep on demand.
func (h *CreditHandlers) ManualResetHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.jobs.RunWeeklyReset(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SystemStatsHandler returns aggregate totals for reporting.
func (h *CreditHandlers) SystemStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GetSystemStats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
