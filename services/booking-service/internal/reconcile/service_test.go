package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
)

type fakeStore struct {
	mu          sync.Mutex
	status      map[string]model.PaymentStatus
	sessions    map[string]string
	events      map[string]bool
	transitions int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status:   map[string]model.PaymentStatus{},
		sessions: map[string]string{},
		events:   map[string]bool{},
	}
}

func recordKey(kind model.RecordKind, id string) string {
	return string(kind) + ":" + id
}

func (f *fakeStore) addPending(kind model.RecordKind, id, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[recordKey(kind, id)] = model.PaymentPending
	if sessionID != "" {
		f.sessions[recordKey(kind, id)] = sessionID
	}
}

func (f *fakeStore) PaymentState(ctx context.Context, kind model.RecordKind, id string) (model.PaymentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[recordKey(kind, id)]
	if !ok {
		return model.PaymentState{}, fmt.Errorf("record %s not found", recordKey(kind, id))
	}
	return model.PaymentState{Status: status, SessionID: f.sessions[recordKey(kind, id)]}, nil
}

func (f *fakeStore) MarkPaid(ctx context.Context, kind model.RecordKind, id string, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recordKey(kind, id)
	status, ok := f.status[key]
	if !ok {
		return false, fmt.Errorf("record %s not found", key)
	}
	if status == model.PaymentPaid {
		return false, nil
	}
	f.status[key] = model.PaymentPaid
	f.transitions++
	return true, nil
}

func (f *fakeStore) ApplyPaidEvent(ctx context.Context, evt model.ProviderEvent, kind model.RecordKind, id string, paidAt time.Time) (model.ApplyResult, error) {
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

func (f *fakeStore) RecordEvent(ctx context.Context, evt model.ProviderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[evt.Provider+":"+evt.EventID] = true
	return nil
}

func (f *fakeStore) ResolveSession(ctx context.Context, sessionID string) (model.RecordKind, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, sid := range f.sessions {
		if sid == sessionID {
			kindRaw, id, _ := cutKey(key)
			return model.RecordKind(kindRaw), id, nil
		}
	}
	return "", "", fmt.Errorf("session %s not found", sessionID)
}

func cutKey(key string) (string, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}

type fakeChecker struct {
	mu    sync.Mutex
	paid  map[string]bool
	err   error
	calls int
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{paid: map[string]bool{}}
}

func (f *fakeChecker) SessionPaid(ctx context.Context, sessionID string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, "", f.err
	}
	if f.paid[sessionID] {
		return true, "paid", nil
	}
	return false, "unpaid", nil
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testService(store *fakeStore, checker *fakeChecker) *Service {
	return NewService(store, checker, slog.New(slog.DiscardHandler))
}

func TestForceSyncTransitionsOnce(t *testing.T) {
	store := newFakeStore()
	checker := newFakeChecker()
	store.addPending(model.KindAppointment, "a1", "cs_1")
	checker.paid["cs_1"] = true
	svc := testService(store, checker)

	result, err := svc.ForceSync(context.Background(), model.KindAppointment, "a1")
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if result.Status != model.PaymentPaid {
		t.Fatalf("expected paid, got %s", result.Status)
	}
	if store.transitions != 1 {
		t.Fatalf("expected 1 transition, got %d", store.transitions)
	}

	// Second sync short-circuits on local state; the processor is not asked again.
	result, err = svc.ForceSync(context.Background(), model.KindAppointment, "a1")
	if err != nil {
		t.Fatalf("second ForceSync: %v", err)
	}
	if result.Status != model.PaymentPaid {
		t.Fatalf("expected paid, got %s", result.Status)
	}
	if store.transitions != 1 {
		t.Fatalf("expected still 1 transition, got %d", store.transitions)
	}
	if checker.callCount() != 1 {
		t.Fatalf("expected 1 processor call, got %d", checker.callCount())
	}
}

func TestForceSyncNoSession(t *testing.T) {
	store := newFakeStore()
	store.addPending(model.KindSubscription, "s1", "")
	svc := testService(store, newFakeChecker())

	_, err := svc.ForceSync(context.Background(), model.KindSubscription, "s1")
	if err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestForceSyncUnpaidStaysPending(t *testing.T) {
	store := newFakeStore()
	checker := newFakeChecker()
	store.addPending(model.KindAppointment, "a1", "cs_1")
	svc := testService(store, checker)

	result, err := svc.ForceSync(context.Background(), model.KindAppointment, "a1")
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if result.Status != model.PaymentPending {
		t.Fatalf("expected pending, got %s", result.Status)
	}
	if store.transitions != 0 {
		t.Fatalf("expected no transitions, got %d", store.transitions)
	}
}

func checkoutCompletedEvent(eventID, sessionID, paymentStatus string, metadata map[string]string, clientRef string) (stripe.Event, []byte) {
	raw, _ := json.Marshal(map[string]any{
		"id":                  sessionID,
		"payment_status":      paymentStatus,
		"client_reference_id": clientRef,
		"metadata":            metadata,
	})
	body := []byte(`{"id":"` + eventID + `","type":"checkout.session.completed"}`)
	return stripe.Event{
		ID:      eventID,
		Type:    "checkout.session.completed",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}, body
}

func TestProcessStripeEventAppliesOnce(t *testing.T) {
	store := newFakeStore()
	store.addPending(model.KindAppointment, "a1", "cs_1")
	svc := testService(store, newFakeChecker())

	evt, body := checkoutCompletedEvent("evt_1", "cs_1", "paid", map[string]string{
		"record_kind": "appointment",
		"record_id":   "a1",
	}, "")

	outcome, err := svc.ProcessStripeEvent(context.Background(), evt, body)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookApplied {
		t.Fatalf("expected applied, got %d", outcome)
	}

	// Stripe redelivery of the same event is a no-op.
	outcome, err = svc.ProcessStripeEvent(context.Background(), evt, body)
	if err != nil {
		t.Fatalf("redelivered ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookDuplicate {
		t.Fatalf("expected duplicate, got %d", outcome)
	}
	if store.transitions != 1 {
		t.Fatalf("expected 1 transition, got %d", store.transitions)
	}
}

func TestProcessStripeEventAfterForceSync(t *testing.T) {
	store := newFakeStore()
	checker := newFakeChecker()
	store.addPending(model.KindAppointment, "a1", "cs_1")
	checker.paid["cs_1"] = true
	svc := testService(store, checker)

	if _, err := svc.ForceSync(context.Background(), model.KindAppointment, "a1"); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	evt, body := checkoutCompletedEvent("evt_1", "cs_1", "paid", map[string]string{
		"record_kind": "appointment",
		"record_id":   "a1",
	}, "")
	outcome, err := svc.ProcessStripeEvent(context.Background(), evt, body)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookAlreadyPaid {
		t.Fatalf("expected already-paid, got %d", outcome)
	}
	if store.transitions != 1 {
		t.Fatalf("expected 1 transition regardless of arrival order, got %d", store.transitions)
	}
}

func TestProcessStripeEventResolutionFallbacks(t *testing.T) {
	// Metadata missing, ClientReferenceID carries the record.
	store := newFakeStore()
	store.addPending(model.KindSubscription, "s1", "cs_9")
	svc := testService(store, newFakeChecker())

	evt, body := checkoutCompletedEvent("evt_1", "cs_9", "paid", nil, "subscription:s1")
	outcome, err := svc.ProcessStripeEvent(context.Background(), evt, body)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookApplied {
		t.Fatalf("expected applied via client reference, got %d", outcome)
	}

	// Neither metadata nor reference; resolved by the stored session id.
	store2 := newFakeStore()
	store2.addPending(model.KindAppointment, "a2", "cs_10")
	svc2 := testService(store2, newFakeChecker())

	evt2, body2 := checkoutCompletedEvent("evt_2", "cs_10", "paid", nil, "")
	outcome, err = svc2.ProcessStripeEvent(context.Background(), evt2, body2)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookApplied {
		t.Fatalf("expected applied via session lookup, got %d", outcome)
	}
}

func TestProcessStripeEventUnresolved(t *testing.T) {
	svc := testService(newFakeStore(), newFakeChecker())
	evt, body := checkoutCompletedEvent("evt_1", "cs_unknown", "paid", nil, "")
	outcome, err := svc.ProcessStripeEvent(context.Background(), evt, body)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookUnresolved {
		t.Fatalf("expected unresolved, got %d", outcome)
	}
}

func TestProcessStripeEventUnpaidSessionIsNoOp(t *testing.T) {
	// Delayed payment methods complete the session before the payment
	// settles; only a settled outcome may flip the record.
	store := newFakeStore()
	store.addPending(model.KindAppointment, "a1", "cs_1")
	svc := testService(store, newFakeChecker())

	metadata := map[string]string{
		"record_kind": "appointment",
		"record_id":   "a1",
	}
	evt, body := checkoutCompletedEvent("evt_1", "cs_1", "unpaid", metadata, "")
	outcome, err := svc.ProcessStripeEvent(context.Background(), evt, body)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookIgnored {
		t.Fatalf("expected ignored for unpaid session, got %d", outcome)
	}
	if store.transitions != 0 {
		t.Fatalf("unpaid session must not transition, got %d", store.transitions)
	}
	state, err := store.PaymentState(context.Background(), model.KindAppointment, "a1")
	if err != nil {
		t.Fatalf("PaymentState: %v", err)
	}
	if state.Status != model.PaymentPending {
		t.Fatalf("expected record still pending, got %s", state.Status)
	}

	// The payment settles later and a paid event for the same session
	// arrives; the record converges exactly once.
	evt2, body2 := checkoutCompletedEvent("evt_2", "cs_1", "paid", metadata, "")
	outcome, err = svc.ProcessStripeEvent(context.Background(), evt2, body2)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookApplied {
		t.Fatalf("expected applied once settled, got %d", outcome)
	}
	if store.transitions != 1 {
		t.Fatalf("expected exactly 1 transition, got %d", store.transitions)
	}
}

func TestProcessStripeEventNoPaymentRequired(t *testing.T) {
	store := newFakeStore()
	store.addPending(model.KindAppointment, "a1", "cs_1")
	svc := testService(store, newFakeChecker())

	evt, body := checkoutCompletedEvent("evt_1", "cs_1", "no_payment_required", map[string]string{
		"record_kind": "appointment",
		"record_id":   "a1",
	}, "")
	outcome, err := svc.ProcessStripeEvent(context.Background(), evt, body)
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookApplied {
		t.Fatalf("expected applied for no_payment_required, got %d", outcome)
	}
	if store.transitions != 1 {
		t.Fatalf("expected 1 transition, got %d", store.transitions)
	}
}

func TestProcessStripeEventIgnoredType(t *testing.T) {
	store := newFakeStore()
	store.addPending(model.KindAppointment, "a1", "cs_1")
	svc := testService(store, newFakeChecker())

	evt := stripe.Event{
		ID:      "evt_other",
		Type:    "payment_intent.created",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: []byte(`{}`)},
	}
	outcome, err := svc.ProcessStripeEvent(context.Background(), evt, []byte(`{}`))
	if err != nil {
		t.Fatalf("ProcessStripeEvent: %v", err)
	}
	if outcome != WebhookIgnored {
		t.Fatalf("expected ignored, got %d", outcome)
	}
	if store.transitions != 0 {
		t.Fatalf("ignored event must not transition, got %d", store.transitions)
	}
}
