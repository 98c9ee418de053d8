// Package billing manages the plan catalog, checkout and portal flows, and
// the webhook sync engine that mirrors provider subscription state locally.
// The provider is the source of truth; local writes made on user actions
// are optimistic and are overwritten by the next authoritative webhook.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/audit"
	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/logger"
)

// Service implements billing operations.
type Service struct {
	storage  Store
	provider Provider
	auditor  *audit.Recorder
	log      *slog.Logger
}

// NewService wires a billing service.
func NewService(storage Store, provider Provider, auditor *audit.Recorder, log *slog.Logger) *Service {
	return &Service{
		storage:  storage,
		provider: provider,
		auditor:  auditor,
		log:      log.With(logger.Component("billing")),
	}
}

// ListPlans returns the publicly visible plan catalog.
func (s *Service) ListPlans(ctx context.Context) ([]store.Plan, error) {
	return s.storage.ListPublicPlans(ctx)
}

// GetPlan returns a single plan from the public catalog.
func (s *Service) GetPlan(ctx context.Context, planID uuid.UUID) (*store.Plan, error) {
	plan, err := s.storage.GetPlanByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	if !plan.Active || !plan.Public {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// GetSubscription returns the user's current subscription with its plan.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*store.Subscription, *store.Plan, error) {
	sub, err := s.storage.GetCurrentSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNoSubscription
		}
		return nil, nil, err
	}

	plan, err := s.storage.GetPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return sub, plan, nil
}

// ListInvoices returns the user's invoices, newest first.
func (s *Service) ListInvoices(ctx context.Context, userID uuid.UUID) ([]store.Invoice, error) {
	return s.storage.ListInvoicesByUser(ctx, userID)
}

// InitiateCheckout creates a hosted checkout session for the plan and
// returns its URL. The provider customer is created and persisted before
// the session so any webhook referencing the customer already resolves to
// a local user, whichever order delivery happens in.
func (s *Service) InitiateCheckout(ctx context.Context, user *store.User, planID uuid.UUID, meta RequestMeta) (string, error) {
	plan, err := s.storage.GetPlanByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrPlanNotFound
		}
		return "", err
	}
	if !plan.Active {
		return "", ErrPlanNotFound
	}

	if sub, err := s.storage.GetCurrentSubscription(ctx, user.ID); err == nil {
		switch sub.Status {
		case store.SubStatusActive, store.SubStatusTrialing, store.SubStatusPastDue:
			return "", ErrAlreadySubscribed
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return "", err
	}

	url, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		PriceID:    plan.ProviderPriceID,
		UserID:     user.ID,
		PlanID:     plan.ID,
		TrialDays:  plan.TrialDays,
	})
	if err != nil {
		return "", err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionCheckoutStarted,
		EntityType: "plan",
		EntityID:   plan.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	s.log.InfoContext(ctx, "checkout session created",
		logger.UserID(user.ID), logger.PlanID(plan.ID))

	return url, nil
}

// ensureCustomer returns the user's provider customer reference, creating
// and persisting one first if needed.
func (s *Service) ensureCustomer(ctx context.Context, user *store.User) (string, error) {
	if user.ProviderCustomerID != nil && *user.ProviderCustomerID != "" {
		return *user.ProviderCustomerID, nil
	}

	customerID, err := s.provider.CreateCustomer(ctx, user.Email, user.Name, user.ID)
	if err != nil {
		return "", err
	}

	user.ProviderCustomerID = &customerID
	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return "", err
	}
	return customerID, nil
}

// CreatePortalSession returns a hosted billing portal URL where the user
// manages payment methods and plan changes.
func (s *Service) CreatePortalSession(ctx context.Context, user *store.User) (string, error) {
	if user.ProviderCustomerID == nil || *user.ProviderCustomerID == "" {
		return "", ErrNoBillingAccount
	}
	return s.provider.CreatePortalSession(ctx, *user.ProviderCustomerID)
}

// CancelSubscription cancels at period end, or immediately when asked. The
// local row is updated optimistically; LastEventAt is left untouched so the
// provider's confirming webhook is never considered stale and remains
// authoritative.
func (s *Service) CancelSubscription(ctx context.Context, user *store.User, immediate bool, meta RequestMeta) (*store.Subscription, error) {
	sub, err := s.storage.GetCurrentSubscription(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	if sub.ProviderSubscriptionID == nil || sub.Status == store.SubStatusCanceled {
		return nil, ErrNotCancelable
	}

	if immediate {
		if err := s.provider.CancelNow(ctx, *sub.ProviderSubscriptionID); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		sub.Status = store.SubStatusCanceled
		sub.CanceledAt = &now
	} else {
		if err := s.provider.CancelAtPeriodEnd(ctx, *sub.ProviderSubscriptionID); err != nil {
			return nil, err
		}
		sub.CancelAtPeriodEnd = true
	}

	if err := s.storage.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionSubscriptionCancel,
		EntityType: "subscription",
		EntityID:   sub.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return sub, nil
}

// ResumeSubscription clears a pending cancellation, again optimistically.
func (s *Service) ResumeSubscription(ctx context.Context, user *store.User, meta RequestMeta) (*store.Subscription, error) {
	sub, err := s.storage.GetCurrentSubscription(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	if sub.ProviderSubscriptionID == nil || sub.Status == store.SubStatusCanceled {
		return nil, ErrNotResumable
	}
	if !sub.CancelAtPeriodEnd {
		return nil, ErrNotResumable
	}

	if err := s.provider.Resume(ctx, *sub.ProviderSubscriptionID); err != nil {
		return nil, err
	}

	sub.CancelAtPeriodEnd = false
	if err := s.storage.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionSubscriptionResume,
		EntityType: "subscription",
		EntityID:   sub.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return sub, nil
}
