package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
	"github.com/jleitner/studiobook/services/booking-service/internal/reconcile"
	"github.com/jleitner/studiobook/services/booking-service/internal/storage"
)

// PaymentStatus reads the local payment state of a record.
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind, id, ok := parseRecordRef(r.URL.Query().Get("record_kind"), r.URL.Query().Get("record_id"))
	if !ok {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}

	state, err := h.recSvc.Status(r.Context(), kind, id)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		h.logger.Error("payment status read failed", "err", err)
		http.Error(w, "failed to read payment status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_kind":    string(kind),
		"record_id":      id,
		"payment_status": string(state.Status),
	})
}

// ForceSync pulls the payment state from the processor and reconciles.
// Exposed for support tooling and for the frontend's "check again" path.
func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind, id, ok := parseRecordRef(r.URL.Query().Get("record_kind"), r.URL.Query().Get("record_id"))
	if !ok {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}

	result, err := h.recSvc.ForceSync(r.Context(), kind, id)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrNoSession):
			http.Error(w, "no checkout session to reconcile against", http.StatusConflict)
		case storage.IsNotFound(err):
			http.Error(w, "record not found", http.StatusNotFound)
		default:
			h.logger.Error("payment force-sync failed", "err", err, "record_kind", string(kind), "record_id", id)
			http.Error(w, "failed to reach payment processor", http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_kind":      string(kind),
		"record_id":        id,
		"payment_status":   string(result.Status),
		"processor_status": result.ProcessorStatus,
	})
}

// AwaitPayment blocks until the record's payment confirms or the polling
// budget runs out. The checkout return page calls this.
func (h *Handler) AwaitPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind, id, ok := parseRecordRef(r.URL.Query().Get("record_kind"), r.URL.Query().Get("record_id"))
	if !ok {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}

	err := h.poller.Await(r.Context(), kind, id)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrAwaitTimeout):
			http.Error(w, "could not confirm payment; contact support", http.StatusGatewayTimeout)
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful to write.
		case storage.IsNotFound(err):
			http.Error(w, "record not found", http.StatusNotFound)
		default:
			h.logger.Error("payment await failed", "err", err, "record_kind", string(kind), "record_id", id)
			http.Error(w, "failed to confirm payment", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_kind":    string(kind),
		"record_id":      id,
		"payment_status": string(model.PaymentPaid),
	})
}
