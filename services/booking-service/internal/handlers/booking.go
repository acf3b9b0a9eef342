package handlers

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/jleitner/studiobook/services/booking-service/internal/availability"
	"github.com/jleitner/studiobook/services/booking-service/internal/model"
	"github.com/jleitner/studiobook/services/booking-service/internal/outbox"
	"github.com/jleitner/studiobook/services/booking-service/internal/storage"
)

// Availability returns the offerable slots for one business day.
// Public endpoint: the booking page calls it while the customer browses.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dateRaw := strings.TrimSpace(r.URL.Query().Get("date"))
	if dateRaw == "" {
		http.Error(w, "date is required (YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	date, err := time.ParseInLocation("2006-01-02", dateRaw, h.cfg.BusinessLocation)
	if err != nil {
		http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}

	open, close := availability.DayWindow(date)
	// Widen by the prep buffer so bookings just outside the day whose
	// occupied span reaches into it are still considered.
	existing, err := h.appts.ListOccupiedBetween(r.Context(), open.Add(-model.PrepBuffer), close.Add(model.PrepBuffer))
	if err != nil {
		h.logger.Error("availability: failed to list appointments", "err", err)
		http.Error(w, "failed to compute availability", http.StatusInternalServerError)
		return
	}

	slots := availability.ComputeDay(existing, date, time.Now())

	type slotResponse struct {
		Time      string `json:"time"`
		Durations []int  `json:"durations"`
	}
	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse{
			Time:      s.Time.Format(time.RFC3339),
			Durations: s.Durations,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  dateRaw,
		"slots": out,
	})
}

type createAppointmentRequest struct {
	OwnerID         string `json:"owner_id,omitempty"`
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
	CustomerPhone   string `json:"customer_phone,omitempty"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	IsTest          bool   `json:"is_test,omitempty"`
}

type appointmentResponse struct {
	ID              string `json:"id"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	PaymentStatus   string `json:"payment_status"`
	AmountCents     int64  `json:"amount_cents"`
}

// CreateAppointment books a slot. The slot is re-validated server-side
// against current bookings, and the database exclusion constraint is the
// final arbiter under concurrency.
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.OwnerID = strings.TrimSpace(req.OwnerID)

	if req.CustomerName == "" || req.CustomerEmail == "" {
		http.Error(w, "customer_name and customer_email are required", http.StatusBadRequest)
		return
	}
	if _, err := mail.ParseAddress(req.CustomerEmail); err != nil {
		http.Error(w, "invalid customer_email", http.StatusUnprocessableEntity)
		return
	}
	if !model.IsAppointmentDuration(req.DurationMinutes) {
		http.Error(w, "unsupported duration_minutes", http.StatusUnprocessableEntity)
		return
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
	if err != nil {
		http.Error(w, "invalid start_time (want RFC3339)", http.StatusBadRequest)
		return
	}
	start = start.In(h.cfg.BusinessLocation)

	price, ok := model.AppointmentPrice(req.DurationMinutes)
	if !ok {
		http.Error(w, "unsupported duration_minutes", http.StatusUnprocessableEntity)
		return
	}

	// Re-validate the slot against current bookings. The window is the
	// candidate's day widened by the prep buffer, same as availability.
	date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, h.cfg.BusinessLocation)
	open, close := availability.DayWindow(date)
	existing, err := h.appts.ListOccupiedBetween(r.Context(), open.Add(-model.PrepBuffer), close.Add(model.PrepBuffer))
	if err != nil {
		h.logger.Error("booking: failed to list appointments", "err", err)
		http.Error(w, "failed to validate slot", http.StatusInternalServerError)
		return
	}
	if !availability.CandidateAllowed(existing, start, req.DurationMinutes, time.Now()) {
		http.Error(w, "slot no longer available", http.StatusConflict)
		return
	}

	tx, err := h.appts.Begin(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" {
		rec, existed, err := h.appts.LockIdempotencyKey(r.Context(), tx, idemKey)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		if existed && rec.StatusCode != 0 {
			// Replay the stored response for a retried request.
			_ = tx.Commit(r.Context())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.ResponsePayload)
			return
		}
	}

	appt := &model.Appointment{
		OwnerID:         req.OwnerID,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		IsTest:          req.IsTest,
	}
	id, err := h.appts.Create(r.Context(), tx, appt)
	if err != nil {
		if storage.IsConflict(err) {
			http.Error(w, "slot no longer available", http.StatusConflict)
			return
		}
		h.logger.Error("booking: insert failed", "err", err)
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id":   id,
		"start_time":       start.UTC().Format(time.RFC3339),
		"duration_minutes": req.DurationMinutes,
		"amount_cents":     price,
	})
	if err != nil {
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}
	if err := h.records.OutboxInsert(r.Context(), tx, outbox.Event{
		AggregateType: string(model.KindAppointment),
		AggregateID:   id,
		EventType:     outbox.EventAppointmentCreated,
		Payload:       payload,
	}); err != nil {
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}

	resp := appointmentResponse{
		ID:              id,
		StartTime:       start.Format(time.RFC3339),
		DurationMinutes: req.DurationMinutes,
		PaymentStatus:   string(model.PaymentPending),
		AmountCents:     price,
	}
	respRaw, _ := json.Marshal(resp)

	if idemKey != "" {
		if err := h.appts.FinalizeIdempotency(r.Context(), tx, idemKey, id, http.StatusCreated, respRaw); err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
	}
	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	h.logger.Info("appointment created",
		"appointment_id", id,
		"start_time", start.UTC().Format(time.RFC3339),
		"duration_minutes", req.DurationMinutes,
		"is_test", req.IsTest,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(respRaw)
}

// ListAppointments returns an owner's bookings, newest first.
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	appts, err := h.appts.ListByOwner(r.Context(), ownerID, limit)
	if err != nil {
		h.logger.Error("booking: list failed", "err", err)
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(appts))
	for _, a := range appts {
		entry := map[string]any{
			"id":               a.ID,
			"customer_name":    a.CustomerName,
			"start_time":       a.StartTime.In(h.cfg.BusinessLocation).Format(time.RFC3339),
			"duration_minutes": a.DurationMinutes,
			"payment_status":   string(a.PaymentStatus),
			"is_test":          a.IsTest,
		}
		if a.PaidAt != nil {
			entry["paid_at"] = a.PaidAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": out})
}
