/**
 * @description
 * HTTP router setup for the settlement-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/metalvault/settlement-service/internal/metrics"
)

// RouterConfig carries the router's non-handler settings.
type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	Metrics        *metrics.Collector
}

// NewRouter creates a new Chi router and registers the settlement routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(MetricsMiddleware(cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})
	r.Handle("/metrics", cfg.Metrics.Handler())

	// Deliveries are authenticated by signature, not by user token.
	r.Post("/webhooks/stripe", h.handleBillingWebhook)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))
		r.Get("/prices/{metal}", h.handleGetPrice)
		r.Post("/subscriptions/checkout", h.handleStartCheckout)
		r.Post("/withdrawals", h.handleCreateWithdrawal)
		r.Post("/cancellations", h.handleCreateCancellation)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))
			r.Patch("/withdrawals/{id}/status", h.handleUpdateWithdrawalStatus)
			r.Patch("/cancellations/{id}/status", h.handleUpdateCancellationStatus)
			r.Post("/reconcile", h.handleRunReconcile)
			r.Post("/prices/refresh", h.handleRefreshPrices)
		})
	})

	return r
}
