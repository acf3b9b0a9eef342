package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
)

// ErrAwaitTimeout means the polling budget ran out before the payment
// confirmed. The record may still settle later via webhook or force-sync.
var ErrAwaitTimeout = errors.New("payment confirmation timed out")

// Poller waits for a payment to confirm after checkout. Most attempts
// only read local state (the webhook usually lands within a second or
// two); every forceSyncEvery-th attempt pulls from the processor so a
// lost webhook still converges within the budget.
type Poller struct {
	svc            *Service
	interval       time.Duration
	maxAttempts    int
	forceSyncEvery int
}

type PollerConfig struct {
	Interval       time.Duration
	MaxAttempts    int
	ForceSyncEvery int
}

func NewPoller(svc *Service, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.ForceSyncEvery <= 0 {
		cfg.ForceSyncEvery = 5
	}
	return &Poller{
		svc:            svc,
		interval:       cfg.Interval,
		maxAttempts:    cfg.MaxAttempts,
		forceSyncEvery: cfg.ForceSyncEvery,
	}
}

// Await blocks until the record is paid, the attempt budget is spent, or
// ctx is canceled.
func (p *Poller) Await(ctx context.Context, kind model.RecordKind, id string) error {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt%p.forceSyncEvery == 0 {
			result, err := p.svc.ForceSync(ctx, kind, id)
			if err != nil && !errors.Is(err, ErrNoSession) {
				// Processor hiccups shouldn't abort the wait; local reads
				// continue and the next sync retries.
				p.svc.logger.Warn("payment poll force-sync failed", "err", err, "record_kind", string(kind), "record_id", id)
			} else if err == nil && result.Status == model.PaymentPaid {
				return nil
			}
		} else {
			state, err := p.svc.Status(ctx, kind, id)
			if err != nil {
				return err
			}
			if state.Status == model.PaymentPaid {
				return nil
			}
		}

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
	return ErrAwaitTimeout
}
