package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quorumlabs/quorum/internal/model"
)

// UpsertSubscription records the current Stripe subscription state for a user.
// Driven by billing webhooks so plan lookups never call Stripe on the hot path.
func (db *DB) UpsertSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, price_id, status, period_start, period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		     stripe_customer_id     = EXCLUDED.stripe_customer_id,
		     stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		     price_id               = EXCLUDED.price_id,
		     status                 = EXCLUDED.status,
		     period_start           = EXCLUDED.period_start,
		     period_end             = EXCLUDED.period_end,
		     updated_at             = now()`,
		sub.UserID, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.PriceID, sub.Status, sub.PeriodStart, sub.PeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns the stored subscription for a user.
func (db *DB) GetSubscription(ctx context.Context, userID uuid.UUID) (model.Subscription, error) {
	var sub model.Subscription
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, stripe_customer_id, stripe_subscription_id, price_id, status, period_start, period_end, updated_at
		 FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID,
		&sub.PriceID, &sub.Status, &sub.PeriodStart, &sub.PeriodEnd, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, fmt.Errorf("storage: get subscription: %w", err)
	}
	return sub, nil
}

// DeleteSubscriptionByStripeID removes a subscription when Stripe reports it
// deleted. Unknown ids are a no-op (webhooks may arrive out of order).
func (db *DB) DeleteSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE stripe_subscription_id = $1`, stripeSubscriptionID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete subscription: %w", err)
	}
	return nil
}
