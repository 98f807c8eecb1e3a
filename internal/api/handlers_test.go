package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/lexiform/credit-service/internal/app"
	"github.com/lexiform/credit-service/internal/config"
	"github.com/lexiform/credit-service/internal/store/storetest"
	"github.com/lexiform/credit-service/pkg/rabbitmq"
)

func newTestRouter(apiKey string) (http.Handler, *storetest.Repository) {
	cfg := config.Config{
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
	}

	repo := storetest.New()
	producer := &rabbitmq.EventProducerFallback{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := app.NewService(repo, producer, logger, cfg)
	referrals := app.NewReferralService(repo, ledger, producer, logger, cfg)
	jobs := app.NewJobs(repo, referrals, app.NoopJobLock{}, logger, cfg)
	handlers := NewCreditHandlers(ledger, referrals, jobs, logger)
	return CreditRoutes(handlers, apiKey), repo
}

func doJSON(t *testing.T, router http.Handler, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-Internal-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointIsOpen(t *testing.T) {
	router, _ := newTestRouter("secret")

	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestInternalAPIKeyRequired(t *testing.T) {
	router, _ := newTestRouter("secret")
	path := fmt.Sprintf("/accounts/%s/balance", uuid.New())

	rec := doJSON(t, router, http.MethodGet, path, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, path, "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, path, "secret", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", rec.Code)
	}
}

func TestGetBalanceProvisionsAccount(t *testing.T) {
	router, _ := newTestRouter("")

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", uuid.New()), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Balance != 14 {
		t.Errorf("balance = %d, want 14", body.Balance)
	}
}

func TestGetBalanceRejectsBadAccountID(t *testing.T) {
	router, _ := newTestRouter("")

	rec := doJSON(t, router, http.MethodGet, "/accounts/not-a-uuid/balance", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDebitErrorMapping(t *testing.T) {
	router, _ := newTestRouter("")
	accountID := uuid.New()

	// Provision first.
	if rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", accountID), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("provision status = %d", rec.Code)
	}

	debitPath := fmt.Sprintf("/accounts/%s/debit", accountID)

	rec := doJSON(t, router, http.MethodPost, debitPath, "", map[string]interface{}{
		"amount": 20, "type": "DOCUMENT_GENERATION",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("overdraw status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, debitPath, "", map[string]interface{}{
		"amount": 1, "type": "MYSTERY",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown type status = %d, want 422", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, debitPath, "", map[string]interface{}{
		"amount": -1, "type": "AI_QUESTION",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("negative amount status = %d, want 422", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, debitPath, "", map[string]interface{}{
		"amount": 1, "type": "AI_QUESTION",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid debit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Balance != 13 {
		t.Errorf("balance after debit = %d, want 13", body.Balance)
	}
}

func TestRefundTwiceReturnsConflict(t *testing.T) {
	router, _ := newTestRouter("")
	accountID := uuid.New()

	if rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", accountID), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("provision status = %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/accounts/%s/debit", accountID), "", map[string]interface{}{
		"amount": 4, "type": "LHC_REPORT",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("debit status = %d", rec.Code)
	}
	var debit struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &debit); err != nil {
		t.Fatalf("decode debit response: %v", err)
	}

	refundPath := fmt.Sprintf("/accounts/%s/refund", accountID)
	refundBody := map[string]interface{}{"transaction_id": debit.TransactionID, "reason": "generation failed"}

	if rec := doJSON(t, router, http.MethodPost, refundPath, "", refundBody); rec.Code != http.StatusOK {
		t.Fatalf("first refund status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, router, http.MethodPost, refundPath, "", refundBody); rec.Code != http.StatusConflict {
		t.Errorf("second refund status = %d, want 409", rec.Code)
	}
}

func TestAdjustValidation(t *testing.T) {
	router, _ := newTestRouter("")
	accountID := uuid.New()

	if rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", accountID), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("provision status = %d", rec.Code)
	}

	adjustPath := fmt.Sprintf("/accounts/%s/adjust", accountID)

	rec := doJSON(t, router, http.MethodPost, adjustPath, "", map[string]interface{}{
		"delta": 10, "admin_id": uuid.New(),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing reason status = %d, want 422", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, adjustPath, "", map[string]interface{}{
		"delta": 5000, "admin_id": uuid.New(), "reason": "too generous",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("over-cap status = %d, want 422", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, adjustPath, "", map[string]interface{}{
		"delta": 10, "admin_id": uuid.New(), "reason": "support goodwill",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("valid adjustment status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTransactionHistoryRejectsBadTimestamp(t *testing.T) {
	router, _ := newTestRouter("")
	accountID := uuid.New()

	path := fmt.Sprintf("/accounts/%s/transactions?since=yesterday", accountID)
	rec := doJSON(t, router, http.MethodGet, path, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRecordInvitationUnknownCodeReturnsNotFound(t *testing.T) {
	router, _ := newTestRouter("")

	rec := doJSON(t, router, http.MethodPost, "/referrals/record", "", map[string]interface{}{
		"referral_code": "NOSUCH12", "invited_email": "friend@example.com",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestActivateReferralRequiresAccountID(t *testing.T) {
	router, _ := newTestRouter("")

	rec := doJSON(t, router, http.MethodPost, "/referrals/activate", "", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	router, _ := newTestRouter("")

	rec := doJSON(t, router, http.MethodPost, "/admin/reset", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("manual reset status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/admin/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("stats status = %d, want 200", rec.Code)
	}
	var stats struct {
		TotalAccounts int64 `json:"total_accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}
