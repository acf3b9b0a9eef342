package payments

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"

	"github.com/jleitner/studiobook/services/booking-service/internal/model"
)

// Client wraps the Stripe Checkout API for one-time payments.
// Stripe uses a global API key; we set it once at construction together
// with a bounded HTTP client so a slow processor can't pin handlers.
type Client struct {
	cfg Config
}

type Config struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

func New(cfg Config) *Client {
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.SuccessURL = strings.TrimSpace(cfg.SuccessURL)
	cfg.CancelURL = strings.TrimSpace(cfg.CancelURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
		stripe.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})
	}
	return &Client{cfg: cfg}
}

// Configured reports whether a secret key is present. Callers decide what
// an unconfigured processor means for their endpoint.
func (c *Client) Configured() bool {
	return c.cfg.SecretKey != ""
}

type CheckoutInput struct {
	Kind           model.RecordKind
	RecordID       string
	Description    string
	AmountCents    int64
	CustomerEmail  string
	IdempotencyKey string
	ReturnToken    string
}

type Session struct {
	ID  string
	URL string
}

// CreateCheckoutSession opens a hosted one-time payment page for a
// pending record. Record identity travels in both Metadata and
// ClientReferenceID so the webhook can resolve it even if one is dropped.
func (c *Client) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (Session, error) {
	if !c.Configured() {
		return Session{}, fmt.Errorf("stripe checkout not configured")
	}
	if in.AmountCents <= 0 {
		return Session{}, fmt.Errorf("checkout amount must be positive, got %d", in.AmountCents)
	}

	successURL := withQueryParam(c.cfg.SuccessURL, "state", in.ReturnToken)
	cancelURL := withQueryParam(c.cfg.CancelURL, "state", in.ReturnToken)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(string(in.Kind) + ":" + in.RecordID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(model.Currency),
					UnitAmount: stripe.Int64(in.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(in.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"record_kind": string(in.Kind),
			"record_id":   in.RecordID,
		},
	}
	params.Context = ctx
	params.AddExpand("url")
	if email := strings.TrimSpace(in.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		params.IdempotencyKey = stripe.String(key)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return Session{}, err
	}
	return Session{ID: sess.ID, URL: sess.URL}, nil
}

// SessionPaid asks Stripe whether a checkout session has settled. Used by
// the pull side of reconciliation when the webhook hasn't landed.
func (c *Client) SessionPaid(ctx context.Context, sessionID string) (bool, string, error) {
	if !c.Configured() {
		return false, "", fmt.Errorf("stripe checkout not configured")
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := checkoutsession.Get(sessionID, params)
	if err != nil {
		return false, "", err
	}
	status := string(sess.PaymentStatus)
	paid := sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
	return paid, status, nil
}

// NewReturnToken protects the public return endpoints from session-id
// guessing.
func NewReturnToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func withQueryParam(rawURL string, key string, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + url.QueryEscape(value)
}
