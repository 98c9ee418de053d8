package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/logger"
)

// HandleWebhook verifies, claims and applies a provider event.
//
// Signature failures return ErrInvalidWebhook without touching the ledger.
// The claim, the event's effects and the processed mark share one
// transaction, so a failure rolls everything back; the failure is then
// recorded outside the transaction (null processed_at) and the error is
// returned so the provider redelivers. Duplicate deliveries of a processed
// event are acknowledged without effect.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		s.log.WarnContext(ctx, "webhook rejected", logger.Error(err))
		return err
	}

	log := s.log.With(logger.EventID(event.ID), logger.EventType(event.Type))

	err = s.storage.InTx(ctx, func(tx Store) error {
		processed, err := tx.ClaimEvent(ctx, event.ID, event.Type, event.Payload)
		if err != nil {
			return err
		}
		if processed {
			log.InfoContext(ctx, "duplicate event delivery, skipping")
			return nil
		}
		if err := s.applyEvent(ctx, tx, log, event); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, event.ID)
	})
	if err != nil {
		if recErr := s.storage.RecordEventFailure(ctx, event.ID, event.Type, event.Payload, err.Error()); recErr != nil {
			log.ErrorContext(ctx, "failed to record event failure", logger.Error(recErr))
		}
		log.ErrorContext(ctx, "event application failed, awaiting redelivery", logger.Error(err))
		return err
	}
	return nil
}

// applyEvent dispatches a claimed event to its effect. Events that cannot
// be correlated to local records (foreign customers, unknown prices) are
// logged and acknowledged: redelivering them would never succeed.
func (s *Service) applyEvent(ctx context.Context, tx Store, log *slog.Logger, event Event) error {
	switch event.Kind {
	case EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, tx, log, event)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return s.applySubscriptionSnapshot(ctx, tx, log, event, false)
	case EventSubscriptionDeleted:
		return s.applySubscriptionSnapshot(ctx, tx, log, event, true)
	case EventInvoicePaid, EventInvoicePaymentFail:
		return s.applyInvoice(ctx, tx, log, event)
	case EventUnknown:
		log.InfoContext(ctx, "ignoring unhandled event type")
		return nil
	default:
		log.InfoContext(ctx, "ignoring unhandled event kind")
		return nil
	}
}

// applyCheckoutCompleted links the fresh provider subscription to the local
// user and plan from the session metadata. The row is created in incomplete
// status with no event timestamp: the authoritative subscription snapshot
// events that follow (in any order relative to this one) fill in the rest.
// The checkout session does not carry the subscription's real status, so we
// deliberately never guess "active" here; the snapshot event sets it.
func (s *Service) applyCheckoutCompleted(ctx context.Context, tx Store, log *slog.Logger, event Event) error {
	data := event.Checkout

	user, err := s.resolveCheckoutUser(ctx, tx, data)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.WarnContext(ctx, "checkout session does not map to a local user, skipping")
			return nil
		}
		return err
	}

	// Adopt the customer reference if the user record predates it.
	if user.ProviderCustomerID == nil || *user.ProviderCustomerID == "" {
		user.ProviderCustomerID = &data.CustomerID
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
	}

	planID, err := uuid.Parse(data.PlanID)
	if err != nil {
		log.WarnContext(ctx, "checkout session has no plan metadata, skipping")
		return nil
	}
	plan, err := tx.GetPlanByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.WarnContext(ctx, "checkout session references unknown plan, skipping",
				logger.PlanID(planID))
			return nil
		}
		return err
	}

	if data.SubscriptionID != "" {
		// Already linked by an earlier subscription snapshot event.
		if _, err := tx.GetSubscriptionByProviderID(ctx, data.SubscriptionID); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	sub := &store.Subscription{
		ID:                 uuid.New(),
		UserID:             user.ID,
		PlanID:             plan.ID,
		ProviderCustomerID: data.CustomerID,
		Status:             store.SubStatusIncomplete,
	}
	if data.SubscriptionID != "" {
		sub.ProviderSubscriptionID = &data.SubscriptionID
	}

	// Reuse the user's placeholder row if one exists and is not yet bound
	// to a different provider subscription.
	if existing, err := tx.GetCurrentSubscription(ctx, user.ID); err == nil {
		if existing.ProviderSubscriptionID == nil ||
			(data.SubscriptionID != "" && *existing.ProviderSubscriptionID == data.SubscriptionID) {
			existing.PlanID = plan.ID
			existing.ProviderCustomerID = data.CustomerID
			existing.ProviderSubscriptionID = sub.ProviderSubscriptionID
			return tx.UpdateSubscription(ctx, existing)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return tx.CreateSubscription(ctx, sub)
}

func (s *Service) resolveCheckoutUser(ctx context.Context, tx Store, data *CheckoutData) (*store.User, error) {
	if data.UserID != "" {
		if userID, err := uuid.Parse(data.UserID); err == nil {
			return tx.GetUserByID(ctx, userID)
		}
	}
	if data.CustomerID != "" {
		return tx.GetUserByProviderCustomerID(ctx, data.CustomerID)
	}
	return nil, store.ErrNotFound
}

// applySubscriptionSnapshot mirrors a provider subscription state snapshot
// into the local row. Snapshots older than the one already applied are
// skipped: redeliveries and out-of-order bursts must never regress state.
func (s *Service) applySubscriptionSnapshot(ctx context.Context, tx Store, log *slog.Logger, event Event, deleted bool) error {
	data := event.Subscription

	sub, err := tx.GetSubscriptionByProviderID(ctx, data.SubscriptionID)
	switch {
	case err == nil:
		if sub.LastEventAt != nil && event.OccurredAt.Before(*sub.LastEventAt) {
			log.InfoContext(ctx, "stale subscription event, skipping",
				logger.SubscriptionID(data.SubscriptionID))
			return nil
		}
	case errors.Is(err, store.ErrNotFound):
		if deleted {
			return nil
		}
		sub, err = s.materializeSubscription(ctx, tx, log, data)
		if err != nil || sub == nil {
			return err
		}
	default:
		return err
	}

	if data.PriceID != "" {
		if plan, err := tx.GetPlanByProviderPriceID(ctx, data.PriceID); err == nil {
			sub.PlanID = plan.ID
		} else if errors.Is(err, store.ErrNotFound) {
			log.WarnContext(ctx, "subscription references price missing from catalog, keeping current plan",
				slog.String("price_id", data.PriceID))
		} else {
			return err
		}
	}

	sub.ProviderCustomerID = data.CustomerID
	sub.ProviderSubscriptionID = &data.SubscriptionID
	sub.Status = store.SubscriptionStatus(data.Status)
	sub.CurrentPeriodStart = data.CurrentPeriodStart
	sub.CurrentPeriodEnd = data.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = data.CancelAtPeriodEnd
	sub.CanceledAt = data.CanceledAt
	sub.TrialStart = data.TrialStart
	sub.TrialEnd = data.TrialEnd
	if deleted {
		sub.Status = store.SubStatusCanceled
		if sub.CanceledAt == nil {
			sub.CanceledAt = &event.OccurredAt
		}
	}
	occurred := event.OccurredAt
	sub.LastEventAt = &occurred

	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	log.InfoContext(ctx, "subscription state synced",
		logger.SubscriptionID(data.SubscriptionID),
		slog.String("status", string(sub.Status)))
	return nil
}

// materializeSubscription builds a local row for a provider subscription
// seen for the first time through a snapshot event, which happens when the
// snapshot outruns checkout.session.completed. Returns nil without error
// when the event cannot be correlated.
func (s *Service) materializeSubscription(ctx context.Context, tx Store, log *slog.Logger, data *SubscriptionData) (*store.Subscription, error) {
	user, err := tx.GetUserByProviderCustomerID(ctx, data.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.WarnContext(ctx, "subscription event for unknown customer, skipping",
				slog.String("customer_id", data.CustomerID))
			return nil, nil
		}
		return nil, err
	}

	plan, err := tx.GetPlanByProviderPriceID(ctx, data.PriceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.WarnContext(ctx, "subscription event for price missing from catalog, skipping",
				slog.String("price_id", data.PriceID))
			return nil, nil
		}
		return nil, err
	}

	// A placeholder row from checkout may exist without a provider
	// subscription reference; adopt it instead of creating a second row.
	if existing, err := tx.GetCurrentSubscription(ctx, user.ID); err == nil {
		if existing.ProviderSubscriptionID == nil {
			return existing, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sub := &store.Subscription{
		ID:                 uuid.New(),
		UserID:             user.ID,
		PlanID:             plan.ID,
		ProviderCustomerID: data.CustomerID,
		Status:             store.SubStatusIncomplete,
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// applyInvoice upserts the invoice record, linking it to the local
// subscription when one exists. Subscription status changes caused by
// payment outcomes arrive through their own snapshot events; invoices never
// mutate subscription rows.
func (s *Service) applyInvoice(ctx context.Context, tx Store, log *slog.Logger, event Event) error {
	data := event.Invoice

	var (
		userID uuid.UUID
		subID  *uuid.UUID
	)
	if data.SubscriptionID != "" {
		sub, err := tx.GetSubscriptionByProviderID(ctx, data.SubscriptionID)
		switch {
		case err == nil:
			userID = sub.UserID
			subID = &sub.ID
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}
	if userID == uuid.Nil {
		user, err := tx.GetUserByProviderCustomerID(ctx, data.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.WarnContext(ctx, "invoice event for unknown customer, skipping",
					slog.String("customer_id", data.CustomerID))
				return nil
			}
			return err
		}
		userID = user.ID
	}

	status := store.InvoiceStatus(data.Status)
	if event.Kind == EventInvoicePaid && status == "" {
		status = store.InvoiceStatusPaid
	}

	inv := &store.Invoice{
		ID:                uuid.New(),
		UserID:            userID,
		SubscriptionID:    subID,
		ProviderInvoiceID: data.InvoiceID,
		Amount:            data.Amount,
		Currency:          data.Currency,
		Status:            status,
		HostedInvoiceURL:  data.HostedInvoiceURL,
		InvoicePDF:        data.InvoicePDF,
		PeriodStart:       data.PeriodStart,
		PeriodEnd:         data.PeriodEnd,
		PaidAt:            data.PaidAt,
	}
	if err := tx.UpsertInvoice(ctx, inv); err != nil {
		return err
	}
	log.InfoContext(ctx, "invoice synced",
		slog.String("invoice_id", data.InvoiceID),
		slog.String("status", string(status)))
	return nil
}
