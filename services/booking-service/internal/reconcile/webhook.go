package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
)

type WebhookOutcome int

const (
	// WebhookApplied means the event transitioned a record to paid.
	WebhookApplied WebhookOutcome = iota
	// WebhookAlreadyPaid means the record had already settled.
	WebhookAlreadyPaid
	// WebhookDuplicate means this exact provider event was seen before.
	WebhookDuplicate
	// WebhookIgnored means the event type carries no payment signal.
	WebhookIgnored
	// WebhookUnresolved means the event could not be tied to a record.
	WebhookUnresolved
)

// ProcessStripeEvent applies one verified Stripe event. The caller has
// already checked the signature; failures here are store failures the
// handler should surface as 5xx so Stripe redelivers.
func (s *Service) ProcessStripeEvent(ctx context.Context, evt stripe.Event, body []byte) (WebhookOutcome, error) {
	providerEvt := model.ProviderEvent{
		Provider:  "stripe",
		EventID:   evt.ID,
		EventType: string(evt.Type),
		Payload:   body,
	}

	if evt.Type != "checkout.session.completed" {
		if err := s.store.RecordEvent(ctx, providerEvt); err != nil {
			// Duplicates of ignored events are themselves ignorable.
			s.logger.Debug("provider event journal skipped", "err", err, "provider_event_id", evt.ID)
		}
		return WebhookIgnored, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		s.logger.Error("stripe: invalid checkout session payload", "err", err, "provider_event_id", evt.ID)
		return WebhookUnresolved, nil
	}

	// A completed session is not necessarily a settled payment: delayed
	// payment methods deliver checkout.session.completed with
	// payment_status "unpaid". Only a settled outcome may transition the
	// record; anything else is journaled and left to the pull path.
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		if err := s.store.RecordEvent(ctx, providerEvt); err != nil {
			s.logger.Debug("provider event journal skipped", "err", err, "provider_event_id", evt.ID)
		}
		s.logger.Info("stripe: checkout completed without settled payment",
			"provider_event_id", evt.ID,
			"session_id", session.ID,
			"payment_status", string(session.PaymentStatus),
		)
		return WebhookIgnored, nil
	}

	kind, id, ok := s.resolveRecord(ctx, session)
	if !ok {
		s.logger.Warn("stripe: checkout session not tied to any record",
			"provider_event_id", evt.ID,
			"session_id", session.ID,
		)
		return WebhookUnresolved, nil
	}

	paidAt := time.Unix(evt.Created, 0).UTC()
	result, err := s.store.ApplyPaidEvent(ctx, providerEvt, kind, id, paidAt)
	if err != nil {
		return 0, err
	}

	switch result {
	case model.ApplyTransitioned:
		s.logger.Info("payment confirmed via webhook",
			"record_kind", string(kind),
			"record_id", id,
			"provider_event_id", evt.ID,
		)
		return WebhookApplied, nil
	case model.ApplyDuplicateEvent:
		s.logger.Info("stripe event duplicate ignored", "provider_event_id", evt.ID)
		return WebhookDuplicate, nil
	default:
		return WebhookAlreadyPaid, nil
	}
}

// resolveRecord maps a checkout session back to a record. Metadata is the
// primary channel; ClientReferenceID and the stored session id are
// fallbacks for events created outside this service (Stripe dashboard,
// older sessions).
func (s *Service) resolveRecord(ctx context.Context, session stripe.CheckoutSession) (model.RecordKind, string, bool) {
	kindRaw := strings.TrimSpace(session.Metadata["record_kind"])
	id := strings.TrimSpace(session.Metadata["record_id"])
	if kindRaw != "" && id != "" {
		if kind, ok := model.ParseRecordKind(kindRaw); ok {
			return kind, id, true
		}
	}

	if ref := strings.TrimSpace(session.ClientReferenceID); ref != "" {
		if kindRaw, id, found := strings.Cut(ref, ":"); found && id != "" {
			if kind, ok := model.ParseRecordKind(kindRaw); ok {
				return kind, id, true
			}
		}
	}

	if session.ID != "" {
		if kind, id, err := s.store.ResolveSession(ctx, session.ID); err == nil {
			return kind, id, true
		}
	}
	return "", "", false
}
