package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
	"github.com/jleitner/studiobook/services/booking-service/internal/reconcile"
)

const testWebhookSecret = "whsec_test_secret"

type fakeRecordStore struct {
	mu          sync.Mutex
	status      map[string]model.PaymentStatus
	sessions    map[string]string
	events      map[string]bool
	transitions int
	applyErr    error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		status:   map[string]model.PaymentStatus{},
		sessions: map[string]string{},
		events:   map[string]bool{},
	}
}

func (f *fakeRecordStore) key(kind model.RecordKind, id string) string {
	return string(kind) + ":" + id
}

func (f *fakeRecordStore) addPending(kind model.RecordKind, id, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[f.key(kind, id)] = model.PaymentPending
	if sessionID != "" {
		f.sessions[f.key(kind, id)] = sessionID
	}
}

func (f *fakeRecordStore) PaymentState(ctx context.Context, kind model.RecordKind, id string) (model.PaymentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[f.key(kind, id)]
	if !ok {
		return model.PaymentState{}, fmt.Errorf("record %s not found", id)
	}
	return model.PaymentState{Status: status, SessionID: f.sessions[f.key(kind, id)]}, nil
}

func (f *fakeRecordStore) MarkPaid(ctx context.Context, kind model.RecordKind, id string, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.key(kind, id)
	if _, ok := f.status[key]; !ok {
		return false, fmt.Errorf("record %s not found", id)
	}
	if f.status[key] == model.PaymentPaid {
		return false, nil
	}
	f.status[key] = model.PaymentPaid
	f.transitions++
	return true, nil
}

func (f *fakeRecordStore) ApplyPaidEvent(ctx context.Context, evt model.ProviderEvent, kind model.RecordKind, id string, paidAt time.Time) (model.ApplyResult, error) {
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	f.mu.Lock()
	eventKey := evt.Provider + ":" + evt.EventID
	if f.events[eventKey] {
		f.mu.Unlock()
		return model.ApplyDuplicateEvent, nil
	}
	f.events[eventKey] = true
	f.mu.Unlock()

	transitioned, err := f.MarkPaid(ctx, kind, id, paidAt)
	if err != nil {
		return 0, err
	}
	if transitioned {
		return model.ApplyTransitioned, nil
	}
	return model.ApplyAlreadyPaid, nil
}

func (f *fakeRecordStore) RecordEvent(ctx context.Context, evt model.ProviderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[evt.Provider+":"+evt.EventID] = true
	return nil
}

func (f *fakeRecordStore) ResolveSession(ctx context.Context, sessionID string) (model.RecordKind, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, sid := range f.sessions {
		if sid == sessionID {
			for i := 0; i < len(key); i++ {
				if key[i] == ':' {
					return model.RecordKind(key[:i]), key[i+1:], nil
				}
			}
		}
	}
	return "", "", fmt.Errorf("session %s not found", sessionID)
}

type fakeSessionChecker struct {
	paid map[string]bool
	err  error
}

func (f *fakeSessionChecker) SessionPaid(ctx context.Context, sessionID string) (bool, string, error) {
	if f.err != nil {
		return false, "", f.err
	}
	if f.paid[sessionID] {
		return true, "paid", nil
	}
	return false, "unpaid", nil
}

func newTestHandler(store *fakeRecordStore, checker *fakeSessionChecker, pollerCfg reconcile.PollerConfig) *Handler {
	if checker == nil {
		checker = &fakeSessionChecker{paid: map[string]bool{}}
	}
	logger := slog.New(slog.DiscardHandler)
	svc := reconcile.NewService(store, checker, logger)
	return New(nil, nil, nil, svc, reconcile.NewPoller(svc, pollerCfg), nil, logger, Config{
		StripeWebhookSecret: testWebhookSecret,
	})
}

func signedWebhookRequest(t *testing.T, secret, eventID string, session map[string]any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        "checkout.session.completed",
		"created":     time.Now().Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": session},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestStripeWebhookMissingSignature(t *testing.T) {
	h := newTestHandler(newFakeRecordStore(), nil, reconcile.PollerConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStripeWebhookBadSignature(t *testing.T) {
	store := newFakeRecordStore()
	h := newTestHandler(store, nil, reconcile.PollerConfig{})
	req := signedWebhookRequest(t, "whsec_wrong_secret", "evt_1", map[string]any{"id": "cs_1"})
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if store.transitions != 0 {
		t.Fatalf("forged event must not transition anything")
	}
}

func TestStripeWebhookUnconfigured(t *testing.T) {
	store := newFakeRecordStore()
	logger := slog.New(slog.DiscardHandler)
	svc := reconcile.NewService(store, &fakeSessionChecker{}, logger)
	h := New(nil, nil, nil, svc, reconcile.NewPoller(svc, reconcile.PollerConfig{}), nil, logger, Config{})

	req := signedWebhookRequest(t, testWebhookSecret, "evt_1", map[string]any{"id": "cs_1"})
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStripeWebhookAppliesAndDeduplicates(t *testing.T) {
	store := newFakeRecordStore()
	id := uuid.NewString()
	store.addPending(model.KindAppointment, id, "cs_1")
	h := newTestHandler(store, nil, reconcile.PollerConfig{})

	session := map[string]any{
		"id":             "cs_1",
		"payment_status": "paid",
		"metadata": map[string]any{
			"record_kind": "appointment",
			"record_id":   id,
		},
	}

	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, signedWebhookRequest(t, testWebhookSecret, "evt_1", session))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.transitions != 1 {
		t.Fatalf("expected 1 transition, got %d", store.transitions)
	}

	rec = httptest.NewRecorder()
	h.StripeWebhook(rec, signedWebhookRequest(t, testWebhookSecret, "evt_1", session))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Fatalf("expected duplicate status, got %q", resp["status"])
	}
	if store.transitions != 1 {
		t.Fatalf("redelivery must not transition again, got %d", store.transitions)
	}
}

func TestStripeWebhookStoreFailureRetriable(t *testing.T) {
	store := newFakeRecordStore()
	id := uuid.NewString()
	store.addPending(model.KindAppointment, id, "cs_1")
	store.applyErr = errors.New("db down")
	h := newTestHandler(store, nil, reconcile.PollerConfig{})

	req := signedWebhookRequest(t, testWebhookSecret, "evt_1", map[string]any{
		"id":             "cs_1",
		"payment_status": "paid",
		"metadata": map[string]any{
			"record_kind": "appointment",
			"record_id":   id,
		},
	})
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider redelivers, got %d", rec.Code)
	}
}

func TestStripeWebhookUnresolved(t *testing.T) {
	h := newTestHandler(newFakeRecordStore(), nil, reconcile.PollerConfig{})
	req := signedWebhookRequest(t, testWebhookSecret, "evt_1", map[string]any{
		"id":             "cs_unknown",
		"payment_status": "paid",
	})
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unresolvable session, got %d", rec.Code)
	}
}

func TestStripeWebhookUnpaidSessionAcknowledged(t *testing.T) {
	store := newFakeRecordStore()
	id := uuid.NewString()
	store.addPending(model.KindAppointment, id, "cs_1")
	h := newTestHandler(store, nil, reconcile.PollerConfig{})

	req := signedWebhookRequest(t, testWebhookSecret, "evt_1", map[string]any{
		"id":             "cs_1",
		"payment_status": "unpaid",
		"metadata": map[string]any{
			"record_kind": "appointment",
			"record_id":   id,
		},
	})
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (acknowledged, no action), got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored status, got %q", resp["status"])
	}
	if store.transitions != 0 {
		t.Fatalf("unpaid session must not transition, got %d", store.transitions)
	}
}
