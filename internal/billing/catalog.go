package billing

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ledgerline/billingd/internal/store"
)

// CatalogPlan is a plan definition from the YAML catalog file. Plans are
// maintained there and seeded into the database on startup; clients can
// never create or mutate plans.
type CatalogPlan struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	PriceAmount       int64    `yaml:"price_amount"`
	Currency          string   `yaml:"currency"`
	Interval          string   `yaml:"interval"`
	ProviderPriceID   string   `yaml:"provider_price_id"`
	ProviderProductID string   `yaml:"provider_product_id"`
	Features          []string `yaml:"features"`
	Active            bool     `yaml:"active"`
	Public            bool     `yaml:"public"`
	TrialDays         int      `yaml:"trial_days"`
	SortOrder         int      `yaml:"sort_order"`
}

func (p CatalogPlan) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: plan name is required", ErrInvalidCatalog)
	}
	if p.ProviderPriceID == "" {
		return fmt.Errorf("%w: plan %q has no provider_price_id", ErrInvalidCatalog, p.Name)
	}
	if p.PriceAmount < 0 {
		return fmt.Errorf("%w: plan %q has a negative price", ErrInvalidCatalog, p.Name)
	}
	if p.Currency == "" {
		return fmt.Errorf("%w: plan %q has no currency", ErrInvalidCatalog, p.Name)
	}
	switch store.BillingInterval(p.Interval) {
	case store.IntervalMonth, store.IntervalYear, store.IntervalOneTime:
	default:
		return fmt.Errorf("%w: plan %q has invalid interval %q", ErrInvalidCatalog, p.Name, p.Interval)
	}
	return nil
}

// LoadCatalog reads and validates the plan catalog file.
func LoadCatalog(path string) ([]CatalogPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}

	var doc struct {
		Plans []CatalogPlan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("%w: no plans defined", ErrInvalidCatalog)
	}

	seen := make(map[string]struct{}, len(doc.Plans))
	for _, p := range doc.Plans {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ProviderPriceID]; dup {
			return nil, fmt.Errorf("%w: duplicate provider_price_id %q", ErrInvalidCatalog, p.ProviderPriceID)
		}
		seen[p.ProviderPriceID] = struct{}{}
	}
	return doc.Plans, nil
}

// SeedPlans upserts the catalog into the database, keyed by provider price
// reference so re-seeding on every startup is idempotent.
func (s *Service) SeedPlans(ctx context.Context, plans []CatalogPlan) error {
	for _, cp := range plans {
		plan := &store.Plan{
			ID:                uuid.New(),
			Name:              cp.Name,
			Description:       cp.Description,
			PriceAmount:       cp.PriceAmount,
			Currency:          cp.Currency,
			Interval:          store.BillingInterval(cp.Interval),
			ProviderPriceID:   cp.ProviderPriceID,
			ProviderProductID: cp.ProviderProductID,
			Features:          cp.Features,
			Active:            cp.Active,
			Public:            cp.Public,
			TrialDays:         cp.TrialDays,
			SortOrder:         cp.SortOrder,
		}
		if err := s.storage.UpsertPlan(ctx, plan); err != nil {
			return fmt.Errorf("failed to seed plan %q: %w", cp.Name, err)
		}
	}
	return nil
}
