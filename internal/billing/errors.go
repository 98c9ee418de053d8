package billing

import "errors"

var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrNoSubscription    = errors.New("no subscription found")
	ErrAlreadySubscribed = errors.New("an active subscription already exists")
	ErrNoBillingAccount  = errors.New("no billing account for this user")
	ErrNotCancelable     = errors.New("subscription cannot be canceled")
	ErrNotResumable      = errors.New("subscription is not scheduled for cancellation")
	ErrInvalidWebhook    = errors.New("webhook verification failed")
	ErrProviderFailure   = errors.New("billing provider request failed")
	ErrInvalidCatalog    = errors.New("invalid plan catalog")
)
