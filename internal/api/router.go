/**
 * @description
 * This file sets up the HTTP router for the credit-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies the internal API key middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CreditRoutes creates and returns a new router for the credit service.
func CreditRoutes(h *CreditHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/balance", h.GetBalanceHandler)
			r.Post("/register", h.RegisterAccountHandler)
			r.Post("/debit", h.DebitHandler)
			r.Post("/credit", h.CreditHandler)
			r.Post("/refund", h.RefundHandler)
			r.Post("/adjust", h.AdjustHandler)
			r.Get("/transactions", h.TransactionHistoryHandler)
			r.Get("/referrals", h.ReferralStatsHandler)
			r.Post("/referrals/invitations", h.SendInvitationsHandler)
		})

		r.Post("/referrals/record", h.RecordInvitationHandler)
		r.Post("/referrals/activate", h.ActivateReferralHandler)

		r.Post("/admin/reset", h.ManualResetHandler)
		r.Get("/admin/stats", h.SystemStatsHandler)
	})

	return r
}
