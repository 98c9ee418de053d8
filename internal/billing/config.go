package billing

// Config holds billing settings. The webhook secret is distinct from the
// API key; both come from the Stripe dashboard.
type Config struct {
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	CheckoutSuccessURL  string `env:"BILLING_CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL   string `env:"BILLING_CHECKOUT_CANCEL_URL,required"`
	PortalReturnURL     string `env:"BILLING_PORTAL_RETURN_URL,required"`
	PlanCatalogPath     string `env:"BILLING_PLAN_CATALOG_PATH" envDefault:"plans.yaml"`
}
