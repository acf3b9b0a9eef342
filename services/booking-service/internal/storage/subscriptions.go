package storage

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jleitner/studiobook/libs/db"
	"github.com/jleitner/studiobook/services/booking-service/internal/model"
)

type SubscriptionRepository struct {
	pool *db.Pool
}

func NewSubscriptionRepository(pool *db.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `id::text, owner_id, tier, payment_status,
	COALESCE(processor_session_id, ''), period_start, period_end, paid_at, created_at`

func (r *SubscriptionRepository) Create(ctx context.Context, sub *model.SubscriptionRequest) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO subscription_requests
			(owner_id, tier, payment_status, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, sub.OwnerID, string(sub.Tier), string(model.PaymentPending), sub.PeriodStart, sub.PeriodEnd).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *SubscriptionRepository) Get(ctx context.Context, id string) (model.SubscriptionRequest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscription_requests
		WHERE id = $1
	`, id)
	return scanSubscription(row)
}

// ListByOwner returns the owner's subscription requests, newest first.
func (r *SubscriptionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]model.SubscriptionRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscription_requests
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.SubscriptionRequest
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (model.SubscriptionRequest, error) {
	var sub model.SubscriptionRequest
	var tier string
	var status string
	var paidAt *time.Time
	err := row.Scan(
		&sub.ID,
		&sub.OwnerID,
		&tier,
		&status,
		&sub.ProcessorSessionID,
		&sub.PeriodStart,
		&sub.PeriodEnd,
		&paidAt,
		&sub.CreatedAt,
	)
	if err != nil {
		return model.SubscriptionRequest{}, err
	}
	sub.Tier = model.Tier(tier)
	sub.PaymentStatus = model.PaymentStatus(status)
	sub.PaidAt = paidAt
	return sub, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
