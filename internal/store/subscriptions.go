package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const subscriptionColumns = `id, user_id, plan_id, provider_customer_id,
	provider_subscription_id, status,
	current_period_start, current_period_end,
	cancel_at_period_end, canceled_at,
	trial_start, trial_end, last_event_at, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }, sub *Subscription) error {
	return row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.ProviderCustomerID,
		&sub.ProviderSubscriptionID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt,
		&sub.TrialStart, &sub.TrialEnd, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
}

// CreateSubscription inserts a new subscription row.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, plan_id, provider_customer_id,
			provider_subscription_id, status,
			current_period_start, current_period_end,
			cancel_at_period_end, canceled_at,
			trial_start, trial_end, last_event_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.UserID, sub.PlanID, sub.ProviderCustomerID,
		sub.ProviderSubscriptionID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.TrialStart, sub.TrialEnd, sub.LastEventAt, sub.CreatedAt, sub.UpdatedAt,
	)
	return wrapWrite("create subscription", err)
}

// UpdateSubscription persists all mutable subscription fields.
func (s *Store) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET
			plan_id = $2,
			provider_customer_id = $3,
			provider_subscription_id = $4,
			status = $5,
			current_period_start = $6,
			current_period_end = $7,
			cancel_at_period_end = $8,
			canceled_at = $9,
			trial_start = $10,
			trial_end = $11,
			last_event_at = $12,
			updated_at = $13
		WHERE id = $1`,
		sub.ID, sub.PlanID, sub.ProviderCustomerID,
		sub.ProviderSubscriptionID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.TrialStart, sub.TrialEnd, sub.LastEventAt, sub.UpdatedAt,
	)
	if err != nil {
		return wrapWrite("update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapRead("update subscription", ErrNotFound)
	}
	return nil
}

// GetCurrentSubscription returns the user's most recent subscription.
func (s *Store) GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	var sub Subscription
	err := scanSubscription(s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, userID), &sub)
	if err != nil {
		return nil, wrapRead("get current subscription", err)
	}
	return &sub, nil
}

// GetSubscriptionByProviderID resolves a subscription by its provider
// reference, used by webhook handlers.
func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	var sub Subscription
	err := scanSubscription(s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE provider_subscription_id = $1`, providerSubID), &sub)
	if err != nil {
		return nil, wrapRead("get subscription by provider id", err)
	}
	return &sub, nil
}
