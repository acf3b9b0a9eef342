package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
	"github.com/jleitner/studiobook/services/booking-service/internal/payments"
	"github.com/jleitner/studiobook/services/booking-service/internal/reconcile"
	"github.com/jleitner/studiobook/services/booking-service/internal/storage"
)

type Handler struct {
	appts   *storage.AppointmentRepository
	subs    *storage.SubscriptionRepository
	records *storage.Records
	recSvc  *reconcile.Service
	poller  *reconcile.Poller
	stripe  *payments.Client
	logger  *slog.Logger
	cfg     Config
}

type Config struct {
	// Environment gates the test-mode payment bypass; it is honored
	// everywhere except "production".
	Environment string
	// BusinessLocation is the time zone all business-day rules run in.
	BusinessLocation *time.Location
	// StripeWebhookSecret verifies webhook signatures. Empty means the
	// webhook endpoint rejects everything.
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	// CheckoutSuccessURL is where zero-amount checkouts send the customer
	// (paid checkouts get their URL from Stripe).
	CheckoutSuccessURL string
}

func New(
	appts *storage.AppointmentRepository,
	subs *storage.SubscriptionRepository,
	records *storage.Records,
	recSvc *reconcile.Service,
	poller *reconcile.Poller,
	stripe *payments.Client,
	logger *slog.Logger,
	cfg Config,
) *Handler {
	if cfg.BusinessLocation == nil {
		cfg.BusinessLocation = time.UTC
	}
	if cfg.StripeWebhookTolerance <= 0 {
		cfg.StripeWebhookTolerance = 300 * time.Second
	}
	cfg.StripeWebhookSecret = strings.TrimSpace(cfg.StripeWebhookSecret)
	return &Handler{
		appts:   appts,
		subs:    subs,
		records: records,
		recSvc:  recSvc,
		poller:  poller,
		stripe:  stripe,
		logger:  logger,
		cfg:     cfg,
	}
}

// testBypassAllowed reports whether is_test records may skip the payment
// processor. Never in production.
func (h *Handler) testBypassAllowed() bool {
	return !strings.EqualFold(h.cfg.Environment, "production")
}

// parseRecordRef pulls a (record_kind, record_id) pair out of the given
// values. Malformed ids are reported as not-found rather than leaking
// which ids exist.
func parseRecordRef(kindRaw, idRaw string) (model.RecordKind, string, bool) {
	kind, ok := model.ParseRecordKind(strings.TrimSpace(kindRaw))
	if !ok {
		return "", "", false
	}
	id, err := uuid.Parse(strings.TrimSpace(idRaw))
	if err != nil {
		return "", "", false
	}
	return kind, id.String(), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
