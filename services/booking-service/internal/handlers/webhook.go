package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/jleitner/studiobook/services/booking-service/internal/reconcile"
)

// StripeWebhook receives payment events. Signature verification is the
// only auth; anything that fails it is a client error. Store failures
// return 5xx so Stripe redelivers the event.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.StripeWebhookSecret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.cfg.StripeWebhookSecret, h.cfg.StripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	outcome, err := h.recSvc.ProcessStripeEvent(r.Context(), evt, body)
	if err != nil {
		h.logger.Error("stripe webhook processing failed", "err", err, "provider_event_id", evt.ID)
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	switch outcome {
	case reconcile.WebhookApplied:
		writeJSON(w, http.StatusOK, map[string]any{"status": "applied"})
	case reconcile.WebhookAlreadyPaid:
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_paid"})
	case reconcile.WebhookDuplicate:
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
	case reconcile.WebhookIgnored:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	default:
		http.Error(w, "event not tied to a known record", http.StatusBadRequest)
	}
}
