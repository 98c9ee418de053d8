package billing_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/billingd/internal/billing"
	"github.com/ledgerline/billingd/internal/store"
)

func TestInitiateCheckout(t *testing.T) {
	t.Parallel()

	t.Run("creates customer before session and returns url", func(t *testing.T) {
		t.Parallel()
		svc, fs, provider := newTestService(t)
		user := seedUser(fs, "")
		plan := seedPlan(fs, "price_pro")

		url, err := svc.InitiateCheckout(context.Background(), user, plan.ID, billing.RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.example.com/s/1", url)

		// The customer reference is persisted before the session is
		// created, so webhooks can always resolve the customer.
		require.Equal(t, []string{"create_customer", "create_checkout"}, provider.calls)
		stored, err := fs.GetUserByID(context.Background(), user.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ProviderCustomerID)
		assert.Equal(t, "cus_test", *stored.ProviderCustomerID)
	})

	t.Run("reuses existing customer", func(t *testing.T) {
		t.Parallel()
		svc, fs, provider := newTestService(t)
		user := seedUser(fs, "cus_existing")
		plan := seedPlan(fs, "price_pro")

		_, err := svc.InitiateCheckout(context.Background(), user, plan.ID, billing.RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, []string{"create_checkout"}, provider.calls)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()
		svc, fs, _ := newTestService(t)
		user := seedUser(fs, "")

		_, err := svc.InitiateCheckout(context.Background(), user, uuid.New(), billing.RequestMeta{})
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("inactive plan", func(t *testing.T) {
		t.Parallel()
		svc, fs, _ := newTestService(t)
		user := seedUser(fs, "")
		plan := seedPlan(fs, "price_retired")
		fs.mu.Lock()
		p := fs.plans[plan.ID]
		p.Active = false
		fs.plans[plan.ID] = p
		fs.mu.Unlock()

		_, err := svc.InitiateCheckout(context.Background(), user, plan.ID, billing.RequestMeta{})
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("active subscription blocks a second checkout", func(t *testing.T) {
		t.Parallel()
		svc, fs, provider := newTestService(t)
		user := seedUser(fs, "cus_test")
		plan := seedPlan(fs, "price_pro")

		require.NoError(t, svc.HandleWebhook(context.Background(),
			provider.stage(snapshotEvent("evt_1", "created", "active", time.Now(), false)), "ok"))

		_, err := svc.InitiateCheckout(context.Background(), user, plan.ID, billing.RequestMeta{})
		assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
	})
}

func TestCreatePortalSession(t *testing.T) {
	t.Parallel()
	svc, fs, _ := newTestService(t)

	noBilling := seedUser(fs, "")
	_, err := svc.CreatePortalSession(context.Background(), noBilling)
	assert.ErrorIs(t, err, billing.ErrNoBillingAccount)

	fs.mu.Lock()
	delete(fs.users, noBilling.ID)
	fs.mu.Unlock()

	user := seedUser(fs, "cus_test")
	url, err := svc.CreatePortalSession(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.com/p/1", url)
}

func TestCancelAndResume(t *testing.T) {
	t.Parallel()
	svc, fs, provider := newTestService(t)
	user := seedUser(fs, "cus_test")
	seedPlan(fs, "price_pro")
	ctx := context.Background()

	// No subscription yet.
	_, err := svc.CancelSubscription(ctx, user, false, billing.RequestMeta{})
	assert.ErrorIs(t, err, billing.ErrNoSubscription)

	require.NoError(t, svc.HandleWebhook(ctx,
		provider.stage(snapshotEvent("evt_1", "created", "active", time.Now(), false)), "ok"))

	// Resume before any cancellation is an error.
	_, err = svc.ResumeSubscription(ctx, user, billing.RequestMeta{})
	assert.ErrorIs(t, err, billing.ErrNotResumable)

	sub, err := svc.CancelSubscription(ctx, user, false, billing.RequestMeta{})
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)

	sub, err = svc.ResumeSubscription(ctx, user, billing.RequestMeta{})
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)

	assert.Contains(t, provider.calls, "cancel")
	assert.Contains(t, provider.calls, "resume")

	sub, err = svc.CancelSubscription(ctx, user, true, billing.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, store.SubStatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Contains(t, provider.calls, "cancel_now")

	// Terminal state: neither cancel nor resume applies anymore.
	_, err = svc.CancelSubscription(ctx, user, false, billing.RequestMeta{})
	assert.ErrorIs(t, err, billing.ErrNotCancelable)
	_, err = svc.ResumeSubscription(ctx, user, billing.RequestMeta{})
	assert.ErrorIs(t, err, billing.ErrNotResumable)
}

func TestGetSubscription(t *testing.T) {
	t.Parallel()
	svc, fs, provider := newTestService(t)
	user := seedUser(fs, "cus_test")
	plan := seedPlan(fs, "price_pro")
	ctx := context.Background()

	_, _, err := svc.GetSubscription(ctx, user.ID)
	assert.ErrorIs(t, err, billing.ErrNoSubscription)

	require.NoError(t, svc.HandleWebhook(ctx,
		provider.stage(snapshotEvent("evt_1", "created", "trialing", time.Now(), false)), "ok"))

	sub, gotPlan, err := svc.GetSubscription(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SubStatusTrialing, sub.Status)
	assert.Equal(t, plan.ID, gotPlan.ID)
}

const catalogYAML = `plans:
  - name: Starter
    description: For side projects
    price_amount: 900
    currency: usd
    interval: month
    provider_price_id: price_starter
    provider_product_id: prod_starter
    features:
      - 1 project
    active: true
    public: true
    sort_order: 1
  - name: Pro
    description: For teams
    price_amount: 1900
    currency: usd
    interval: month
    provider_price_id: price_pro
    provider_product_id: prod_pro
    features:
      - Unlimited projects
      - Priority support
    active: true
    public: true
    trial_days: 14
    sort_order: 2
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	t.Run("valid catalog", func(t *testing.T) {
		t.Parallel()
		plans, err := billing.LoadCatalog(writeCatalog(t, catalogYAML))
		require.NoError(t, err)
		require.Len(t, plans, 2)
		assert.Equal(t, "price_starter", plans[0].ProviderPriceID)
		assert.Equal(t, 14, plans[1].TrialDays)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := billing.LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid interval", func(t *testing.T) {
		t.Parallel()
		_, err := billing.LoadCatalog(writeCatalog(t, `plans:
  - name: Weird
    price_amount: 100
    currency: usd
    interval: weekly
    provider_price_id: price_weird
`))
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("duplicate price id", func(t *testing.T) {
		t.Parallel()
		_, err := billing.LoadCatalog(writeCatalog(t, `plans:
  - name: A
    price_amount: 100
    currency: usd
    interval: month
    provider_price_id: price_dup
  - name: B
    price_amount: 200
    currency: usd
    interval: month
    provider_price_id: price_dup
`))
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})

	t.Run("empty catalog", func(t *testing.T) {
		t.Parallel()
		_, err := billing.LoadCatalog(writeCatalog(t, "plans: []\n"))
		assert.ErrorIs(t, err, billing.ErrInvalidCatalog)
	})
}

func TestSeedPlans(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	plans, err := billing.LoadCatalog(writeCatalog(t, catalogYAML))
	require.NoError(t, err)

	require.NoError(t, svc.SeedPlans(context.Background(), plans))
	require.NoError(t, svc.SeedPlans(context.Background(), plans)) // idempotent

	listed, err := svc.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}
