/**
 * @description
 * This file sets up the HTTP router for the settlement-service using the
 * go-chi/chi router. It defines the API routes, applies middleware for
 * logging, CORS, and authentication, and maps the routes to their
 * corresponding handler functions.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the settlement-service routes.
func NewRouter(h *Handlers, auth AuthConfig, internalKey, allowedOrigins string) *chi.Mux {
	r := chi.NewRouter()

	origins := []string{"https://*", "http://*"}
	if trimmed := strings.TrimSpace(allowedOrigins); trimmed != "" {
		origins = strings.Split(trimmed, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})

	// Public plan catalog
	r.Get("/plans", h.ListPlansHandler)

	// Protected routes that require authentication
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		r.Post("/subscriptions", h.OpenSubscriptionHandler)
		r.Get("/subscriptions", h.ListSubscriptionsHandler)
		r.Get("/subscriptions/{id}", h.GetSubscriptionHandler)
		r.Patch("/subscriptions/{id}", h.UpdateSubscriptionHandler)
		r.Get("/subscriptions/{id}/payments", h.ListPaymentsHandler)

		r.Post("/referrals", h.CreateReferralHandler)
		r.Get("/referrals/{id}", h.GetReferralHandler)
		r.Post("/referrals/{id}/cancel", h.CancelReferralHandler)
		r.Get("/referrals/points/{accountID}", h.PointsOverviewHandler)

		r.Post("/points/convert", h.ConvertPointsHandler)
		r.Get("/points/transactions/{id}", h.GetPointTransactionHandler)

		r.Get("/vouchers/{inputIndex}/{voucherIndex}/executed", h.VoucherStatusHandler)
	})

	// Internal routes for trusted server-to-server calls
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/plans", h.CreatePlanHandler)
		r.Post("/plans/{name}/deactivate", h.DeactivatePlanHandler)
		r.Post("/subscriptions/{id}/confirm-payment", h.ConfirmPaymentHandler)
		r.Post("/referrals/{id}/complete", h.CompleteReferralHandler)
		r.Post("/expire-due", h.ExpireDueHandler)
		r.Get("/parked-confirmations", h.ParkedConfirmationsHandler)
		r.Post("/payout-confirmed", h.PayoutConfirmedHandler)
	})

	return r
}
