package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/store"
)

// Store is the persistence surface the billing service depends on. InTx is
// expressed over this interface so the sync engine's transactional scope
// can be exercised against fakes.
type Store interface {
	InTx(ctx context.Context, fn func(tx Store) error) error

	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByProviderCustomerID(ctx context.Context, customerID string) (*store.User, error)
	UpdateUser(ctx context.Context, u *store.User) error

	UpsertPlan(ctx context.Context, p *store.Plan) error
	GetPlanByID(ctx context.Context, id uuid.UUID) (*store.Plan, error)
	GetPlanByProviderPriceID(ctx context.Context, priceID string) (*store.Plan, error)
	ListPublicPlans(ctx context.Context) ([]store.Plan, error)

	CreateSubscription(ctx context.Context, sub *store.Subscription) error
	UpdateSubscription(ctx context.Context, sub *store.Subscription) error
	GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*store.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*store.Subscription, error)

	UpsertInvoice(ctx context.Context, inv *store.Invoice) error
	ListInvoicesByUser(ctx context.Context, userID uuid.UUID) ([]store.Invoice, error)

	ClaimEvent(ctx context.Context, providerEventID, eventType string, payload []byte) (processed bool, err error)
	MarkEventProcessed(ctx context.Context, providerEventID string) error
	RecordEventFailure(ctx context.Context, providerEventID, eventType string, payload []byte, errMsg string) error
}

// sqlStore adapts *store.Store to the billing Store interface, rebinding
// InTx's callback to the interface type.
type sqlStore struct {
	*store.Store
}

// NewStore wraps the SQL store for use by the billing service.
func NewStore(s *store.Store) Store {
	return sqlStore{Store: s}
}

func (w sqlStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return w.Store.InTx(ctx, func(tx *store.Store) error {
		return fn(sqlStore{Store: tx})
	})
}
