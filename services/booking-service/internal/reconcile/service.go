package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
)

// ErrNoSession means the record has no checkout session attached, so
// there is nothing to reconcile against the processor.
var ErrNoSession = errors.New("no checkout session attached")

// Store is the slice of the records store the reconciler needs. The push
// (webhook) and pull (poll/force-sync) paths both converge on the same
// conditional pending -> paid transition behind it.
type Store interface {
	PaymentState(ctx context.Context, kind model.RecordKind, id string) (model.PaymentState, error)
	MarkPaid(ctx context.Context, kind model.RecordKind, id string, paidAt time.Time) (bool, error)
	ApplyPaidEvent(ctx context.Context, evt model.ProviderEvent, kind model.RecordKind, id string, paidAt time.Time) (model.ApplyResult, error)
	RecordEvent(ctx context.Context, evt model.ProviderEvent) error
	ResolveSession(ctx context.Context, sessionID string) (model.RecordKind, string, error)
}

// SessionChecker answers whether a processor session has settled.
type SessionChecker interface {
	SessionPaid(ctx context.Context, sessionID string) (bool, string, error)
}

type Service struct {
	store   Store
	checker SessionChecker
	logger  *slog.Logger
}

func NewService(store Store, checker SessionChecker, logger *slog.Logger) *Service {
	return &Service{store: store, checker: checker, logger: logger}
}

type Result struct {
	Status          model.PaymentStatus
	ProcessorStatus string
}

// Status reads the local payment state without touching the processor.
func (s *Service) Status(ctx context.Context, kind model.RecordKind, id string) (model.PaymentState, error) {
	return s.store.PaymentState(ctx, kind, id)
}

// ForceSync pulls the authoritative state from the processor and applies
// the paid transition locally if the processor says settled. Already-paid
// records short-circuit; the transition never regresses.
func (s *Service) ForceSync(ctx context.Context, kind model.RecordKind, id string) (Result, error) {
	state, err := s.store.PaymentState(ctx, kind, id)
	if err != nil {
		return Result{}, err
	}
	if state.Status == model.PaymentPaid {
		return Result{Status: model.PaymentPaid}, nil
	}
	if state.SessionID == "" {
		return Result{}, ErrNoSession
	}

	paid, processorStatus, err := s.checker.SessionPaid(ctx, state.SessionID)
	if err != nil {
		return Result{}, err
	}
	if !paid {
		return Result{Status: state.Status, ProcessorStatus: processorStatus}, nil
	}

	transitioned, err := s.store.MarkPaid(ctx, kind, id, time.Now().UTC())
	if err != nil {
		return Result{}, err
	}
	if transitioned {
		s.logger.Info("payment reconciled from processor",
			"record_kind", string(kind),
			"record_id", id,
			"processor_status", processorStatus,
		)
	}
	return Result{Status: model.PaymentPaid, ProcessorStatus: processorStatus}, nil
}

// ApplyLocalPaid settles a record without involving the processor. Used
// for zero-amount checkouts and test-mode bookings.
func (s *Service) ApplyLocalPaid(ctx context.Context, kind model.RecordKind, id string) error {
	transitioned, err := s.store.MarkPaid(ctx, kind, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if transitioned {
		s.logger.Info("payment settled locally", "record_kind", string(kind), "record_id", id)
	}
	return nil
}
