package store

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's authorization role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// BillingInterval is a plan's billing frequency.
type BillingInterval string

const (
	IntervalMonth   BillingInterval = "month"
	IntervalYear    BillingInterval = "year"
	IntervalOneTime BillingInterval = "one_time"
)

// SubscriptionStatus mirrors the provider's subscription lifecycle states.
type SubscriptionStatus string

const (
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusPaused            SubscriptionStatus = "paused"
)

// InvoiceStatus mirrors the provider's invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
	InvoiceStatusVoid          InvoiceStatus = "void"
)

// User holds identity and auth material. Password hashes never leave this
// layer in API responses; soft-deleted rows are retained with a mangled
// email to free the uniqueness constraint.
type User struct {
	ID                    uuid.UUID
	Email                 string
	PasswordHash          []byte
	Name                  string
	Role                  Role
	Verified              bool
	VerificationToken     *string
	VerificationExpiresAt *time.Time
	FailedLoginAttempts   int
	LockedUntil           *time.Time
	LastLoginAt           *time.Time
	ProviderCustomerID    *string
	DeletedAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Plan is a purchasable offering, seeded from the catalog file and
// immutable from the client's perspective.
type Plan struct {
	ID                uuid.UUID
	Name              string
	Description       string
	PriceAmount       int64 // minor currency units
	Currency          string
	Interval          BillingInterval
	ProviderPriceID   string
	ProviderProductID string
	Features          []string
	Active            bool
	Public            bool
	TrialDays         int
	SortOrder         int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Subscription links a user to a plan, mirroring provider truth. Rows are
// never deleted, only transitioned to canceled. LastEventAt records the
// provider event timestamp that last wrote the row so stale redeliveries
// cannot regress state.
type Subscription struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	PlanID                 uuid.UUID
	ProviderCustomerID     string
	ProviderSubscriptionID *string
	Status                 SubscriptionStatus
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
	LastEventAt            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Invoice is a financial record, upserted idempotently by provider invoice
// reference and immutable once paid or voided.
type Invoice struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	SubscriptionID    *uuid.UUID
	ProviderInvoiceID string
	Amount            int64
	Currency          string
	Status            InvoiceStatus
	HostedInvoiceURL  string
	InvoicePDF        string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	PaidAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefreshToken is a session credential. Only the SHA-256 hash of the signed
// token is stored; ReplacedBy forms the rotation chain.
type RefreshToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	ExpiresAt  time.Time
	IssuedAt   time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
	IP         string
	UserAgent  string
}

// Active reports whether the token can still be used for refresh.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// WebhookEvent is the idempotency ledger row for a provider event. A null
// ProcessedAt with a non-zero RetryCount marks a delivery that failed after
// signature verification and will be retried by the provider.
type WebhookEvent struct {
	ID              uuid.UUID
	ProviderEventID string
	EventType       string
	Payload         []byte
	ProcessedAt     *time.Time
	LastError       *string
	RetryCount      int
	CreatedAt       time.Time
}

// AuditEntry is an append-only record of a sensitive action.
type AuditEntry struct {
	ID         uuid.UUID
	UserID     *uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	OldValues  []byte
	NewValues  []byte
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}
