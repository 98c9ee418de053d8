package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind is the normalized, provider-agnostic classification of a
// webhook event. Unrecognized provider events map to EventUnknown and are
// acknowledged without effect.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout.completed"
	EventSubscriptionCreated EventKind = "subscription.created"
	EventSubscriptionUpdated EventKind = "subscription.updated"
	EventSubscriptionDeleted EventKind = "subscription.deleted"
	EventInvoicePaid         EventKind = "invoice.paid"
	EventInvoicePaymentFail  EventKind = "invoice.payment_failed"
	EventUnknown             EventKind = "unknown"
)

// Event is a verified, normalized provider webhook event. Exactly one of
// Checkout, Subscription, Invoice is set depending on Kind.
type Event struct {
	ID         string // provider event id, idempotency key
	Kind       EventKind
	Type       string // raw provider event type, kept for the ledger
	OccurredAt time.Time
	Payload    []byte

	Checkout     *CheckoutData
	Subscription *SubscriptionData
	Invoice      *InvoiceData
}

// CheckoutData carries the fields of a completed checkout session.
type CheckoutData struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	UserID         string // from session metadata
	PlanID         string // from session metadata
}

// SubscriptionData is the provider's authoritative subscription snapshot.
type SubscriptionData struct {
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
}

// InvoiceData is the provider's invoice snapshot.
type InvoiceData struct {
	InvoiceID        string
	CustomerID       string
	SubscriptionID   string
	Amount           int64
	Currency         string
	Status           string
	HostedInvoiceURL string
	InvoicePDF       string
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	PaidAt           *time.Time
}

// RequestMeta carries client metadata from the HTTP layer into the audit
// trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// CheckoutParams describes a hosted checkout session to create.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	UserID     uuid.UUID
	PlanID     uuid.UUID
	TrialDays  int
}

// Provider is the billing provider abstraction. The Stripe implementation
// is the only production one; tests substitute fakes.
type Provider interface {
	// CreateCustomer registers the user with the provider and returns the
	// provider customer reference.
	CreateCustomer(ctx context.Context, emailAddr, name string, userID uuid.UUID) (string, error)

	// CreateCheckoutSession returns the hosted checkout URL.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)

	// CreatePortalSession returns a hosted billing portal URL for the
	// customer.
	CreatePortalSession(ctx context.Context, customerID string) (string, error)

	// CancelNow terminates the subscription immediately.
	CancelNow(ctx context.Context, subscriptionID string) error

	// CancelAtPeriodEnd schedules the subscription to end at the close of
	// the current billing period.
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error

	// Resume clears a pending cancellation.
	Resume(ctx context.Context, subscriptionID string) error

	// ParseWebhook verifies the signature over the raw payload and
	// normalizes the event. A verification failure must be distinguishable
	// from a processing failure; it maps to ErrInvalidWebhook.
	ParseWebhook(payload []byte, signature string) (Event, error)
}
