package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Metadata keys attached to provider objects so webhook events can be
// mapped back to local records without extra API calls.
const (
	metaUserID = "user_id"
	metaPlanID = "plan_id"
)

// StripeProvider implements Provider with the Stripe API. The client is
// injected rather than taken from the SDK's global state so tests and
// multi-tenant setups can hold several instances.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	cfg           Config
}

// NewStripeProvider builds a provider from config, initializing a dedicated
// API client with the secret key.
func NewStripeProvider(cfg Config) *StripeProvider {
	api := &client.API{}
	api.Init(cfg.StripeSecretKey, nil)
	return &StripeProvider{
		api:           api,
		webhookSecret: cfg.StripeWebhookSecret,
		cfg:           cfg,
	}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, emailAddr, name string, userID uuid.UUID) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(emailAddr),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, userID.String())

	cust, err := p.api.Customers.New(params)
	if err != nil {
		return "", errors.Join(ErrProviderFailure, err)
	}
	return cust.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(cp.CustomerID),
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(p.cfg.CheckoutSuccessURL),
		CancelURL:  stripe.String(p.cfg.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(cp.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				metaUserID: cp.UserID.String(),
				metaPlanID: cp.PlanID.String(),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, cp.UserID.String())
	params.AddMetadata(metaPlanID, cp.PlanID.String())
	if cp.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(cp.TrialDays))
	}

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", errors.Join(ErrProviderFailure, err)
	}
	return sess.URL, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.cfg.PortalReturnURL),
	}
	params.Context = ctx

	sess, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", errors.Join(ErrProviderFailure, err)
	}
	return sess.URL, nil
}

func (p *StripeProvider) CancelNow(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

func (p *StripeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

func (p *StripeProvider) Resume(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return errors.Join(ErrProviderFailure, err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header against the raw body
// and normalizes the event. Payloads are decoded with local structs rather
// than SDK types: webhook JSON follows the account's pinned API version,
// which may not match the SDK's.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, errors.Join(ErrInvalidWebhook, err)
	}

	event := Event{
		ID:         stripeEvent.ID,
		Type:       string(stripeEvent.Type),
		OccurredAt: time.Unix(stripeEvent.Created, 0).UTC(),
		Payload:    payload,
	}

	switch string(stripeEvent.Type) {
	case "checkout.session.completed":
		event.Kind = EventCheckoutCompleted
		event.Checkout, err = parseCheckoutSession(stripeEvent.Data.Raw)
	case "customer.subscription.created":
		event.Kind = EventSubscriptionCreated
		event.Subscription, err = parseSubscription(stripeEvent.Data.Raw)
	case "customer.subscription.updated":
		event.Kind = EventSubscriptionUpdated
		event.Subscription, err = parseSubscription(stripeEvent.Data.Raw)
	case "customer.subscription.deleted":
		event.Kind = EventSubscriptionDeleted
		event.Subscription, err = parseSubscription(stripeEvent.Data.Raw)
	case "invoice.paid", "invoice.payment_succeeded":
		event.Kind = EventInvoicePaid
		event.Invoice, err = parseInvoice(stripeEvent.Data.Raw)
	case "invoice.payment_failed":
		event.Kind = EventInvoicePaymentFail
		event.Invoice, err = parseInvoice(stripeEvent.Data.Raw)
	default:
		event.Kind = EventUnknown
	}
	if err != nil {
		// A payload that fails to decode will fail identically on every
		// redelivery; reject it like a bad signature so the caller answers
		// 400 instead of asking Stripe to retry forever.
		return Event{}, errors.Join(ErrInvalidWebhook,
			fmt.Errorf("failed to decode %s payload: %w", stripeEvent.Type, err))
	}
	return event, nil
}

// stripeSubscriptionPayload covers both pre- and post-2025 API shapes:
// current_period_* lives at the top level in older versions and on the
// subscription item in newer ones.
type stripeSubscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialStart         int64  `json:"trial_start"`
	TrialEnd           int64  `json:"trial_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func parseSubscription(raw json.RawMessage) (*SubscriptionData, error) {
	var s stripeSubscriptionPayload
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}

	data := &SubscriptionData{
		SubscriptionID:    s.ID,
		CustomerID:        s.Customer,
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixTime(s.CanceledAt),
		TrialStart:        unixTime(s.TrialStart),
		TrialEnd:          unixTime(s.TrialEnd),
	}

	periodStart, periodEnd := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		data.PriceID = item.Price.ID
		if periodStart == 0 {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	data.CurrentPeriodStart = unixTime(periodStart)
	data.CurrentPeriodEnd = unixTime(periodEnd)

	return data, nil
}

type stripeInvoicePayload struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	Status            string `json:"status"`
	AmountDue         int64  `json:"amount_due"`
	AmountPaid        int64  `json:"amount_paid"`
	Currency          string `json:"currency"`
	HostedInvoiceURL  string `json:"hosted_invoice_url"`
	InvoicePDF        string `json:"invoice_pdf"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func parseInvoice(raw json.RawMessage) (*InvoiceData, error) {
	var inv stripeInvoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, err
	}

	subID := inv.Subscription
	if subID == "" {
		subID = inv.Parent.SubscriptionDetails.Subscription
	}

	amount := inv.AmountPaid
	if amount == 0 {
		amount = inv.AmountDue
	}

	return &InvoiceData{
		InvoiceID:        inv.ID,
		CustomerID:       inv.Customer,
		SubscriptionID:   subID,
		Amount:           amount,
		Currency:         inv.Currency,
		Status:           inv.Status,
		HostedInvoiceURL: inv.HostedInvoiceURL,
		InvoicePDF:       inv.InvoicePDF,
		PeriodStart:      unixTime(inv.PeriodStart),
		PeriodEnd:        unixTime(inv.PeriodEnd),
		PaidAt:           unixTime(inv.StatusTransitions.PaidAt),
	}, nil
}

type stripeCheckoutPayload struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func parseCheckoutSession(raw json.RawMessage) (*CheckoutData, error) {
	var cs stripeCheckoutPayload
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, err
	}
	return &CheckoutData{
		SessionID:      cs.ID,
		CustomerID:     cs.Customer,
		SubscriptionID: cs.Subscription,
		UserID:         cs.Metadata[metaUserID],
		PlanID:         cs.Metadata[metaPlanID],
	}, nil
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
