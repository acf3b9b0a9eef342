package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jleitner/studiobook/libs/db"
	"github.com/jleitner/studiobook/services/booking-service/internal/model"
	"github.com/jleitner/studiobook/services/booking-service/internal/outbox"
)

var (
	ErrDuplicateEvent = errors.New("duplicate provider event")
	ErrNotPending     = errors.New("record is not pending")
)

// Records spans both payable tables. All payment-status writes funnel
// through here so the conditional pending -> paid update and its outbox
// side effect stay in one place.
type Records struct {
	pool       *db.Pool
	outboxRepo *outbox.Repository
}

func NewRecords(pool *db.Pool, outboxRepo *outbox.Repository) *Records {
	return &Records{pool: pool, outboxRepo: outboxRepo}
}

func tableFor(kind model.RecordKind) (string, error) {
	switch kind {
	case model.KindAppointment:
		return "appointments", nil
	case model.KindSubscription:
		return "subscription_requests", nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

func paidEventTypeFor(kind model.RecordKind) string {
	if kind == model.KindSubscription {
		return outbox.EventSubscriptionPaid
	}
	return outbox.EventAppointmentPaid
}

// OutboxInsert exposes the outbox repository so callers composing their
// own transactions can attach domain events to them.
func (r *Records) OutboxInsert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error {
	return r.outboxRepo.Insert(ctx, tx, evt)
}

func (r *Records) Appointment(ctx context.Context, id string) (model.Appointment, error) {
	return NewAppointmentRepository(r.pool).Get(ctx, id)
}

func (r *Records) Subscription(ctx context.Context, id string) (model.SubscriptionRequest, error) {
	return NewSubscriptionRepository(r.pool).Get(ctx, id)
}

func (r *Records) PaymentState(ctx context.Context, kind model.RecordKind, id string) (model.PaymentState, error) {
	table, err := tableFor(kind)
	if err != nil {
		return model.PaymentState{}, err
	}
	var state model.PaymentState
	var status string
	err = r.pool.QueryRow(ctx, `
		SELECT payment_status, COALESCE(processor_session_id, '')
		FROM `+table+`
		WHERE id = $1
	`, id).Scan(&status, &state.SessionID)
	if err != nil {
		return model.PaymentState{}, err
	}
	state.Status = model.PaymentStatus(status)
	return state, nil
}

// AttachCheckoutSession links a processor session to a still-pending
// record. Failing when the record is already paid (or missing) keeps a
// late checkout initiation from ever touching a settled record.
func (r *Records) AttachCheckoutSession(ctx context.Context, kind model.RecordKind, id, sessionID, returnToken string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE `+table+`
		SET processor_session_id = $2,
			return_token = $3
		WHERE id = $1 AND payment_status = 'pending'
	`, id, sessionID, nullIfEmpty(returnToken))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// ResolveSession maps a processor session id back to its owning record.
func (r *Records) ResolveSession(ctx context.Context, sessionID string) (model.RecordKind, string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id::text FROM appointments WHERE processor_session_id = $1
	`, sessionID).Scan(&id)
	if err == nil {
		return model.KindAppointment, id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", "", err
	}
	err = r.pool.QueryRow(ctx, `
		SELECT id::text FROM subscription_requests WHERE processor_session_id = $1
	`, sessionID).Scan(&id)
	if err != nil {
		return "", "", err
	}
	return model.KindSubscription, id, nil
}

// MarkPaid applies the conditional pending -> paid transition and, when it
// actually fires, writes the paid outbox event in the same transaction.
// Returns false without error when the record was already paid.
func (r *Records) MarkPaid(ctx context.Context, kind model.RecordKind, id string, paidAt time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	transitioned, err := r.markPaidTx(ctx, tx, kind, id, paidAt)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return transitioned, nil
}

// ApplyPaidEvent journals a verified provider event and applies the paid
// transition in one transaction. A duplicate event short-circuits before
// the state machine; a failed transition rolls the journal row back too,
// so the provider's redelivery is processed fresh.
func (r *Records) ApplyPaidEvent(ctx context.Context, evt model.ProviderEvent, kind model.RecordKind, id string, paidAt time.Time) (model.ApplyResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.insertEventTx(ctx, tx, evt); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			if err := tx.Commit(ctx); err != nil {
				return 0, err
			}
			return model.ApplyDuplicateEvent, nil
		}
		return 0, err
	}

	transitioned, err := r.markPaidTx(ctx, tx, kind, id, paidAt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if transitioned {
		return model.ApplyTransitioned, nil
	}
	return model.ApplyAlreadyPaid, nil
}

// RecordEvent journals a provider event outside the paid path (ignored
// event types), keeping redeliveries observable.
func (r *Records) RecordEvent(ctx context.Context, evt model.ProviderEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := r.insertEventTx(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AckReturn records that the customer came back from the processor's
// hosted page. The per-session token keeps this public write from being
// replayed against other sessions; payment state is never touched here.
func (r *Records) AckReturn(ctx context.Context, sessionID, token string, seenAt time.Time) error {
	for _, table := range []string{"appointments", "subscription_requests"} {
		tag, err := r.pool.Exec(ctx, `
			UPDATE `+table+`
			SET return_seen_at = $3
			WHERE processor_session_id = $1 AND return_token = $2
		`, sessionID, token, seenAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (r *Records) markPaidTx(ctx context.Context, tx pgx.Tx, kind model.RecordKind, id string, paidAt time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE `+table+`
		SET payment_status = 'paid',
			paid_at = $2
		WHERE id = $1 AND payment_status = 'pending'
	`, id, paidAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// Either already paid (fine, idempotent no-op) or missing.
		var status string
		if err := tx.QueryRow(ctx, `SELECT payment_status FROM `+table+` WHERE id = $1`, id).Scan(&status); err != nil {
			return false, err
		}
		return false, nil
	}

	payload, err := json.Marshal(map[string]any{
		"record_kind": string(kind),
		"record_id":   id,
		"paid_at":     paidAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if err := r.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: string(kind),
		AggregateID:   id,
		EventType:     paidEventTypeFor(kind),
		Payload:       payload,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Records) insertEventTx(ctx context.Context, tx pgx.Tx, evt model.ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		// Verified events must be well-formed JSON; treat anything else as
		// a hard failure rather than journaling garbage.
		return err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO payment_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.EventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}
