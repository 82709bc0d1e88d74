package api

import (
	"context"
	"io"
	"net/http"

	"github.com/metalvault/settlement-service/internal/app"
	"github.com/metalvault/settlement-service/internal/domain"
)

// maxWebhookBodyBytes caps a single delivery; billing events are far smaller.
const maxWebhookBodyBytes = 1 << 20

// EventVerifier authenticates a raw delivery and returns its envelope.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (domain.EventEnvelope, error)
}

// WebhookAcceptor takes ownership of a verified event.
type WebhookAcceptor interface {
	Accept(ctx context.Context, env domain.EventEnvelope, payload []byte) app.IntakeResult
}

func (h *Handler) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		h.logger.Error("billing webhook received but no signing secret is configured")
		http.Error(w, "Webhook secret not configured", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	env, err := h.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected billing webhook", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	result := h.intake.Accept(r.Context(), env, body)
	if !result.Durable {
		// The provider redelivers on a non-2xx response.
		h.logger.Error("billing webhook not persisted", "event_id", env.ID, "event_type", env.Type)
		http.Error(w, "Temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("billing webhook accepted",
		"event_id", env.ID,
		"event_type", env.Type,
		"queued", result.Queued,
		"duplicate", result.Duplicate,
		"outcome", result.Outcome,
	)
	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}
