package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const planColumns = `id, name, description, price_amount, currency, billing_interval,
	provider_price_id, provider_product_id, features,
	active, public, trial_days, sort_order, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }, p *Plan) error {
	return row.Scan(
		&p.ID, &p.Name, &p.Description, &p.PriceAmount, &p.Currency, &p.Interval,
		&p.ProviderPriceID, &p.ProviderProductID, &p.Features,
		&p.Active, &p.Public, &p.TrialDays, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt,
	)
}

// UpsertPlan inserts a plan or, when the provider price reference already
// exists, refreshes its display fields. Used by catalog seeding on startup.
func (s *Store) UpsertPlan(ctx context.Context, p *Plan) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.db.QueryRow(ctx, `
		INSERT INTO plans (
			id, name, description, price_amount, currency, billing_interval,
			provider_price_id, provider_product_id, features,
			active, public, trial_days, sort_order, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (provider_price_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_amount = EXCLUDED.price_amount,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			provider_product_id = EXCLUDED.provider_product_id,
			features = EXCLUDED.features,
			active = EXCLUDED.active,
			public = EXCLUDED.public,
			trial_days = EXCLUDED.trial_days,
			sort_order = EXCLUDED.sort_order,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		p.ID, p.Name, p.Description, p.PriceAmount, p.Currency, p.Interval,
		p.ProviderPriceID, p.ProviderProductID, p.Features,
		p.Active, p.Public, p.TrialDays, p.SortOrder, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID, &p.CreatedAt)
	return wrapWrite("upsert plan", err)
}

// GetPlanByID returns a plan regardless of visibility, so existing
// subscriptions to retired plans still resolve.
func (s *Store) GetPlanByID(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	err := scanPlan(s.db.QueryRow(ctx, `
		SELECT `+planColumns+` FROM plans WHERE id = $1`, id), &p)
	if err != nil {
		return nil, wrapRead("get plan by id", err)
	}
	return &p, nil
}

// GetPlanByProviderPriceID maps a provider price reference to the local plan.
func (s *Store) GetPlanByProviderPriceID(ctx context.Context, priceID string) (*Plan, error) {
	var p Plan
	err := scanPlan(s.db.QueryRow(ctx, `
		SELECT `+planColumns+` FROM plans WHERE provider_price_id = $1`, priceID), &p)
	if err != nil {
		return nil, wrapRead("get plan by provider price id", err)
	}
	return &p, nil
}

// ListPublicPlans returns plans eligible for display, ordered by sort order.
func (s *Store) ListPublicPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE active AND public
		ORDER BY sort_order, price_amount`)
	if err != nil {
		return nil, wrapRead("list public plans", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		var p Plan
		if err := scanPlan(rows, &p); err != nil {
			return nil, wrapRead("list public plans", err)
		}
		plans = append(plans, p)
	}
	return plans, wrapRead("list public plans", rows.Err())
}
