package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
	"github.com/jleitner/studiobook/services/booking-service/internal/payments"
	"github.com/jleitner/studiobook/services/booking-service/internal/storage"
)

type createSubscriptionRequest struct {
	OwnerID string `json:"owner_id"`
	Tier    string `json:"tier"`
}

// CreateSubscription opens a pending one-month subscription request for
// an owner. Payment happens through the same checkout flow as bookings.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	tier, ok := model.ParseTier(strings.TrimSpace(strings.ToLower(req.Tier)))
	if !ok {
		http.Error(w, "unsupported tier", http.StatusUnprocessableEntity)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	price, _ := model.TierMonthlyPrice(tier)

	periodStart := time.Now().In(h.cfg.BusinessLocation)
	periodEnd := periodStart.AddDate(0, 1, 0)

	id, err := h.subs.Create(r.Context(), &model.SubscriptionRequest{
		OwnerID:     req.OwnerID,
		Tier:        tier,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	})
	if err != nil {
		h.logger.Error("subscription: insert failed", "err", err)
		http.Error(w, "failed to create subscription request", http.StatusInternalServerError)
		return
	}

	h.logger.Info("subscription request created", "subscription_id", id, "tier", string(tier))
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":             id,
		"tier":           string(tier),
		"payment_status": string(model.PaymentPending),
		"amount_cents":   price,
		"period_start":   periodStart.Format(time.RFC3339),
		"period_end":     periodEnd.Format(time.RFC3339),
	})
}

// ListSubscriptions returns an owner's subscription requests.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	subs, err := h.subs.ListByOwner(r.Context(), ownerID, 0)
	if err != nil {
		h.logger.Error("subscription: list failed", "err", err)
		http.Error(w, "failed to list subscriptions", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(subs))
	for _, s := range subs {
		entry := map[string]any{
			"id":             s.ID,
			"tier":           string(s.Tier),
			"payment_status": string(s.PaymentStatus),
			"period_start":   s.PeriodStart.In(h.cfg.BusinessLocation).Format(time.RFC3339),
			"period_end":     s.PeriodEnd.In(h.cfg.BusinessLocation).Format(time.RFC3339),
		}
		if s.PaidAt != nil {
			entry["paid_at"] = s.PaidAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

type checkoutRequest struct {
	RecordKind string `json:"record_kind"`
	RecordID   string `json:"record_id"`
}

// InitiateCheckout opens a payment session for a pending record. Free
// appointments (and test records outside production) settle locally
// without touching the processor.
func (h *Handler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	kind, id, ok := parseRecordRef(req.RecordKind, req.RecordID)
	if !ok {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}

	amount, description, email, isTest, status, err := h.loadCheckoutTarget(r, kind, id)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		h.logger.Error("checkout: failed to load record", "err", err)
		http.Error(w, "failed to load record", http.StatusInternalServerError)
		return
	}
	if status == model.PaymentPaid {
		http.Error(w, "record already paid", http.StatusConflict)
		return
	}

	if amount == 0 || (isTest && h.testBypassAllowed()) {
		if err := h.recSvc.ApplyLocalPaid(r.Context(), kind, id); err != nil {
			h.logger.Error("checkout: local settlement failed", "err", err)
			http.Error(w, "failed to settle payment", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"payment_status": string(model.PaymentPaid),
			"url":            h.cfg.CheckoutSuccessURL,
		})
		return
	}

	if !h.stripe.Configured() {
		http.Error(w, "stripe checkout not configured (STRIPE_SECRET_KEY missing)", http.StatusNotImplemented)
		return
	}

	returnToken := payments.NewReturnToken()
	sess, err := h.stripe.CreateCheckoutSession(r.Context(), payments.CheckoutInput{
		Kind:           kind,
		RecordID:       id,
		Description:    description,
		AmountCents:    amount,
		CustomerEmail:  email,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		ReturnToken:    returnToken,
	})
	if err != nil {
		h.logger.Error("stripe checkout session create failed", "err", err)
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}

	// Session first, then the local link: if the attach fails the session
	// is orphaned on Stripe's side but our record stays consistent, and a
	// retry simply creates a fresh session.
	if err := h.records.AttachCheckoutSession(r.Context(), kind, id, sess.ID, returnToken); err != nil {
		if errors.Is(err, storage.ErrNotPending) {
			http.Error(w, "record already paid", http.StatusConflict)
			return
		}
		h.logger.Error("checkout: failed to attach session", "err", err, "session_id", sess.ID)
		http.Error(w, "failed to persist checkout session", http.StatusInternalServerError)
		return
	}

	h.logger.Info("checkout session created",
		"record_kind", string(kind),
		"record_id", id,
		"session_id", sess.ID,
		"amount_cents", amount,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}

func (h *Handler) loadCheckoutTarget(r *http.Request, kind model.RecordKind, id string) (amount int64, description, email string, isTest bool, status model.PaymentStatus, err error) {
	switch kind {
	case model.KindAppointment:
		appt, err := h.records.Appointment(r.Context(), id)
		if err != nil {
			return 0, "", "", false, "", err
		}
		price, ok := model.AppointmentPrice(appt.DurationMinutes)
		if !ok {
			return 0, "", "", false, "", fmt.Errorf("appointment %s has unpriced duration %d", id, appt.DurationMinutes)
		}
		description = fmt.Sprintf("Appointment, %d minutes, %s",
			appt.DurationMinutes, appt.StartTime.In(h.cfg.BusinessLocation).Format("2006-01-02 15:04"))
		return price, description, appt.CustomerEmail, appt.IsTest, appt.PaymentStatus, nil
	default:
		sub, err := h.records.Subscription(r.Context(), id)
		if err != nil {
			return 0, "", "", false, "", err
		}
		price, ok := model.TierMonthlyPrice(sub.Tier)
		if !ok {
			return 0, "", "", false, "", fmt.Errorf("subscription %s has unpriced tier %q", id, sub.Tier)
		}
		description = fmt.Sprintf("Subscription (%s), one month", sub.Tier)
		return price, description, "", false, sub.PaymentStatus, nil
	}
}

type checkoutAckRequest struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// AckCheckoutReturn records that the customer came back from the hosted
// payment page. Public, but bound to the per-session return token.
func (h *Handler) AckCheckoutReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkoutAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.State = strings.TrimSpace(req.State)
	if req.SessionID == "" || req.State == "" {
		http.Error(w, "session_id and state are required", http.StatusBadRequest)
		return
	}

	if err := h.records.AckReturn(r.Context(), req.SessionID, req.State, time.Now().UTC()); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.logger.Error("checkout: failed to record return", "err", err)
		http.Error(w, "failed to record return", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
