package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/billingd/internal/auth"
	"github.com/ledgerline/billingd/internal/billing"
	"github.com/ledgerline/billingd/internal/httpapi"
	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/logger"
	"github.com/ledgerline/billingd/pkg/ratelimit"
	"github.com/ledgerline/billingd/pkg/validator"
)

// authStub satisfies httpapi.AuthService with per-test function fields.
// Calling an unset method fails the test at the call site.
type authStub struct {
	register     func(ctx context.Context, email, password, name string, meta auth.RequestMeta) (*store.User, auth.TokenPair, error)
	authenticate func(ctx context.Context, email, password string, meta auth.RequestMeta) (*store.User, auth.TokenPair, error)
	refresh      func(ctx context.Context, raw string, meta auth.RequestMeta) (auth.TokenPair, error)
	logout       func(ctx context.Context, raw string, meta auth.RequestMeta) error
	verifyAccess func(ctx context.Context, raw string) (*store.User, error)
	verifyEmail  func(ctx context.Context, token string, meta auth.RequestMeta) error
	forgot       func(ctx context.Context, email string) error
	reset        func(ctx context.Context, token, newPassword string, meta auth.RequestMeta) error
	changePass   func(ctx context.Context, userID uuid.UUID, current, newPassword string, meta auth.RequestMeta) error
	updateProf   func(ctx context.Context, userID uuid.UUID, name string, meta auth.RequestMeta) (*store.User, error)
	deleteAcct   func(ctx context.Context, userID uuid.UUID, password string, meta auth.RequestMeta) error
	listActivity func(ctx context.Context, userID uuid.UUID) ([]store.AuditEntry, error)
}

func (a *authStub) Register(ctx context.Context, email, password, name string, meta auth.RequestMeta) (*store.User, auth.TokenPair, error) {
	if a.register == nil {
		panic("unexpected Register call")
	}
	return a.register(ctx, email, password, name, meta)
}

func (a *authStub) Authenticate(ctx context.Context, email, password string, meta auth.RequestMeta) (*store.User, auth.TokenPair, error) {
	if a.authenticate == nil {
		panic("unexpected Authenticate call")
	}
	return a.authenticate(ctx, email, password, meta)
}

func (a *authStub) Refresh(ctx context.Context, raw string, meta auth.RequestMeta) (auth.TokenPair, error) {
	if a.refresh == nil {
		panic("unexpected Refresh call")
	}
	return a.refresh(ctx, raw, meta)
}

func (a *authStub) Logout(ctx context.Context, raw string, meta auth.RequestMeta) error {
	if a.logout == nil {
		panic("unexpected Logout call")
	}
	return a.logout(ctx, raw, meta)
}

func (a *authStub) VerifyAccessToken(ctx context.Context, raw string) (*store.User, error) {
	if a.verifyAccess == nil {
		panic("unexpected VerifyAccessToken call")
	}
	return a.verifyAccess(ctx, raw)
}

func (a *authStub) VerifyEmail(ctx context.Context, token string, meta auth.RequestMeta) error {
	if a.verifyEmail == nil {
		panic("unexpected VerifyEmail call")
	}
	return a.verifyEmail(ctx, token, meta)
}

func (a *authStub) ForgotPassword(ctx context.Context, email string) error {
	if a.forgot == nil {
		panic("unexpected ForgotPassword call")
	}
	return a.forgot(ctx, email)
}

func (a *authStub) ResetPassword(ctx context.Context, token, newPassword string, meta auth.RequestMeta) error {
	if a.reset == nil {
		panic("unexpected ResetPassword call")
	}
	return a.reset(ctx, token, newPassword, meta)
}

func (a *authStub) ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string, meta auth.RequestMeta) error {
	if a.changePass == nil {
		panic("unexpected ChangePassword call")
	}
	return a.changePass(ctx, userID, current, newPassword, meta)
}

func (a *authStub) UpdateProfile(ctx context.Context, userID uuid.UUID, name string, meta auth.RequestMeta) (*store.User, error) {
	if a.updateProf == nil {
		panic("unexpected UpdateProfile call")
	}
	return a.updateProf(ctx, userID, name, meta)
}

func (a *authStub) DeleteAccount(ctx context.Context, userID uuid.UUID, password string, meta auth.RequestMeta) error {
	if a.deleteAcct == nil {
		panic("unexpected DeleteAccount call")
	}
	return a.deleteAcct(ctx, userID, password, meta)
}

func (a *authStub) ListActivity(ctx context.Context, userID uuid.UUID) ([]store.AuditEntry, error) {
	if a.listActivity == nil {
		panic("unexpected ListActivity call")
	}
	return a.listActivity(ctx, userID)
}

type billingStub struct {
	listPlans    func(ctx context.Context) ([]store.Plan, error)
	getPlan      func(ctx context.Context, planID uuid.UUID) (*store.Plan, error)
	getSub       func(ctx context.Context, userID uuid.UUID) (*store.Subscription, *store.Plan, error)
	listInvoices func(ctx context.Context, userID uuid.UUID) ([]store.Invoice, error)
	checkout     func(ctx context.Context, user *store.User, planID uuid.UUID, meta billing.RequestMeta) (string, error)
	portal       func(ctx context.Context, user *store.User) (string, error)
	cancel       func(ctx context.Context, user *store.User, immediate bool, meta billing.RequestMeta) (*store.Subscription, error)
	resume       func(ctx context.Context, user *store.User, meta billing.RequestMeta) (*store.Subscription, error)
	webhook      func(ctx context.Context, payload []byte, signature string) error
}

func (b *billingStub) ListPlans(ctx context.Context) ([]store.Plan, error) {
	if b.listPlans == nil {
		panic("unexpected ListPlans call")
	}
	return b.listPlans(ctx)
}

func (b *billingStub) GetPlan(ctx context.Context, planID uuid.UUID) (*store.Plan, error) {
	if b.getPlan == nil {
		panic("unexpected GetPlan call")
	}
	return b.getPlan(ctx, planID)
}

func (b *billingStub) GetSubscription(ctx context.Context, userID uuid.UUID) (*store.Subscription, *store.Plan, error) {
	if b.getSub == nil {
		panic("unexpected GetSubscription call")
	}
	return b.getSub(ctx, userID)
}

func (b *billingStub) ListInvoices(ctx context.Context, userID uuid.UUID) ([]store.Invoice, error) {
	if b.listInvoices == nil {
		panic("unexpected ListInvoices call")
	}
	return b.listInvoices(ctx, userID)
}

func (b *billingStub) InitiateCheckout(ctx context.Context, user *store.User, planID uuid.UUID, meta billing.RequestMeta) (string, error) {
	if b.checkout == nil {
		panic("unexpected InitiateCheckout call")
	}
	return b.checkout(ctx, user, planID, meta)
}

func (b *billingStub) CreatePortalSession(ctx context.Context, user *store.User) (string, error) {
	if b.portal == nil {
		panic("unexpected CreatePortalSession call")
	}
	return b.portal(ctx, user)
}

func (b *billingStub) CancelSubscription(ctx context.Context, user *store.User, immediate bool, meta billing.RequestMeta) (*store.Subscription, error) {
	if b.cancel == nil {
		panic("unexpected CancelSubscription call")
	}
	return b.cancel(ctx, user, immediate, meta)
}

func (b *billingStub) ResumeSubscription(ctx context.Context, user *store.User, meta billing.RequestMeta) (*store.Subscription, error) {
	if b.resume == nil {
		panic("unexpected ResumeSubscription call")
	}
	return b.resume(ctx, user, meta)
}

func (b *billingStub) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if b.webhook == nil {
		panic("unexpected HandleWebhook call")
	}
	return b.webhook(ctx, payload, signature)
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Details map[string][]string `json:"details"`
	} `json:"error"`
}

func newHandler(t *testing.T, cfg httpapi.Config, a *authStub, b *billingStub) http.Handler {
	t.Helper()
	srv := httpapi.NewServer(cfg, a, b, ratelimit.NewMemoryStore(), nil, logger.New())
	return srv.Router()
}

func defaultConfig() httpapi.Config {
	return httpapi.Config{AuthRateLimit: 1000, RateLimit: 1000}
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.10:4567"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env testEnvelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	}
	return rec, env
}

func testUser(email string) *store.User {
	return &store.User{
		ID:        uuid.New(),
		Email:     email,
		Name:      "Test User",
		Role:      store.RoleUser,
		CreatedAt: time.Now().UTC(),
	}
}

func testTokens() auth.TokenPair {
	return auth.TokenPair{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenType:    "Bearer",
		ExpiresIn:    900,
	}
}

func TestRegisterThenMeThenCheckout(t *testing.T) {
	t.Parallel()

	user := testUser("flow@example.com")
	checkoutCalls := 0

	a := &authStub{
		register: func(_ context.Context, email, _, _ string, _ auth.RequestMeta) (*store.User, auth.TokenPair, error) {
			require.Equal(t, user.Email, email)
			return user, testTokens(), nil
		},
		verifyAccess: func(_ context.Context, raw string) (*store.User, error) {
			if raw != "access-token" {
				return nil, auth.ErrInvalidToken
			}
			return user, nil
		},
	}
	b := &billingStub{
		checkout: func(_ context.Context, _ *store.User, _ uuid.UUID, _ billing.RequestMeta) (string, error) {
			checkoutCalls++
			return "", billing.ErrPlanNotFound
		},
	}
	h := newHandler(t, defaultConfig(), a, b)

	rec, env := doRequest(t, h, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    user.Email,
		"password": "Sup3r-secret-pw",
		"name":     "Test User",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, env.Success)

	var session struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		Tokens auth.TokenPair `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &session))
	assert.Equal(t, user.Email, session.User.Email)
	require.Equal(t, "access-token", session.Tokens.AccessToken)

	rec, env = doRequest(t, h, http.MethodGet, "/auth/me", session.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Email string `json:"email"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, user.Email, me.Email)

	rec, env = doRequest(t, h, http.MethodPost, "/subscriptions/checkout", session.Tokens.AccessToken, map[string]string{
		"plan_id": uuid.NewString(),
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PLAN_NOT_FOUND", env.Error.Code)
	assert.Equal(t, 1, checkoutCalls)
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	a := &authStub{
		verifyAccess: func(_ context.Context, raw string) (*store.User, error) {
			switch raw {
			case "expired":
				return nil, auth.ErrTokenExpired
			default:
				return nil, auth.ErrInvalidToken
			}
		},
	}
	h := newHandler(t, defaultConfig(), a, &billingStub{})

	t.Run("missing token", func(t *testing.T) {
		rec, env := doRequest(t, h, http.MethodGet, "/auth/me", "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		rec, env := doRequest(t, h, http.MethodGet, "/auth/me", "expired", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "TOKEN_EXPIRED", env.Error.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rec, env := doRequest(t, h, http.MethodGet, "/dashboard", "nope", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "INVALID_TOKEN", env.Error.Code)
	})
}

func TestValidationErrorShape(t *testing.T) {
	t.Parallel()

	a := &authStub{
		register: func(context.Context, string, string, string, auth.RequestMeta) (*store.User, auth.TokenPair, error) {
			return nil, auth.TokenPair{}, validator.ValidationErrors{
				{Field: "email", Message: "invalid email address"},
				{Field: "password", Message: "password is too weak"},
			}
		},
	}
	h := newHandler(t, defaultConfig(), a, &billingStub{})

	rec, env := doRequest(t, h, http.MethodPost, "/auth/register", "", map[string]string{
		"email":    "not-an-email",
		"password": "short",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Details, "email")
	assert.Contains(t, env.Error.Details, "password")
}

func TestListAndGetPlans(t *testing.T) {
	t.Parallel()

	plan := store.Plan{
		ID:          uuid.New(),
		Name:        "Pro",
		PriceAmount: 2900,
		Currency:    "usd",
		Interval:    store.IntervalMonth,
	}
	getPlanCalls := 0
	b := &billingStub{
		listPlans: func(context.Context) ([]store.Plan, error) {
			return []store.Plan{plan}, nil
		},
		getPlan: func(_ context.Context, planID uuid.UUID) (*store.Plan, error) {
			getPlanCalls++
			if planID != plan.ID {
				return nil, billing.ErrPlanNotFound
			}
			return &plan, nil
		},
	}
	h := newHandler(t, defaultConfig(), &authStub{}, b)

	rec, env := doRequest(t, h, http.MethodGet, "/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plans []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "Pro", plans[0].Name)

	rec, _ = doRequest(t, h, http.MethodGet, "/plans/"+plan.ID.String(), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A malformed id never reaches the service.
	rec, env = doRequest(t, h, http.MethodGet, "/plans/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PLAN_NOT_FOUND", env.Error.Code)
	assert.Equal(t, 1, getPlanCalls)
}

func TestDashboardWithoutSubscription(t *testing.T) {
	t.Parallel()

	user := testUser("dash@example.com")
	a := &authStub{
		verifyAccess: func(context.Context, string) (*store.User, error) { return user, nil },
	}
	b := &billingStub{
		getSub: func(context.Context, uuid.UUID) (*store.Subscription, *store.Plan, error) {
			return nil, nil, billing.ErrNoSubscription
		},
		listInvoices: func(context.Context, uuid.UUID) ([]store.Invoice, error) {
			return nil, nil
		},
	}
	h := newHandler(t, defaultConfig(), a, b)

	rec, env := doRequest(t, h, http.MethodGet, "/dashboard", "token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dash struct {
		User         json.RawMessage   `json:"user"`
		Subscription *json.RawMessage  `json:"subscription"`
		Invoices     []json.RawMessage `json:"invoices"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &dash))
	assert.Nil(t, dash.Subscription)
	assert.NotNil(t, dash.Invoices, "invoices must be an array even when empty")
	assert.Empty(t, dash.Invoices)
}

func TestCancelSubscriptionImmediateFlag(t *testing.T) {
	t.Parallel()

	user := testUser("cancel@example.com")
	var gotImmediate []bool
	a := &authStub{
		verifyAccess: func(context.Context, string) (*store.User, error) { return user, nil },
	}
	b := &billingStub{
		cancel: func(_ context.Context, _ *store.User, immediate bool, _ billing.RequestMeta) (*store.Subscription, error) {
			gotImmediate = append(gotImmediate, immediate)
			return &store.Subscription{ID: uuid.New(), Status: store.SubStatusCanceled, CreatedAt: time.Now()}, nil
		},
	}
	h := newHandler(t, defaultConfig(), a, b)

	// No body defaults to cancel-at-period-end.
	rec, _ := doRequest(t, h, http.MethodPost, "/subscriptions/cancel", "token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, h, http.MethodPost, "/subscriptions/cancel", "token", map[string]bool{"immediate": true})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []bool{false, true}, gotImmediate)
}

func TestStripeWebhookStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"accepted", nil, http.StatusOK},
		{"bad signature", billing.ErrInvalidWebhook, http.StatusBadRequest},
		{"processing failure asks for redelivery", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var gotSig string
			b := &billingStub{
				webhook: func(_ context.Context, payload []byte, signature string) error {
					gotSig = signature
					require.NotEmpty(t, payload)
					return tc.err
				},
			}
			h := newHandler(t, defaultConfig(), &authStub{}, b)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, "t=1,v1=abc", gotSig)
		})
	}
}

func TestAuthRateLimit(t *testing.T) {
	t.Parallel()

	a := &authStub{
		authenticate: func(context.Context, string, string, auth.RequestMeta) (*store.User, auth.TokenPair, error) {
			return nil, auth.TokenPair{}, auth.ErrInvalidCredentials
		},
	}
	cfg := httpapi.Config{AuthRateLimit: 3, RateLimit: 1000}
	h := newHandler(t, cfg, a, &billingStub{})

	body := map[string]string{"email": "rl@example.com", "password": "wrong-pass"}
	for i := 0; i < 3; i++ {
		rec, _ := doRequest(t, h, http.MethodPost, "/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "request %d", i+1)
	}

	rec, env := doRequest(t, h, http.MethodPost, "/auth/login", "", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestForgotPasswordAlwaysOK(t *testing.T) {
	t.Parallel()

	a := &authStub{
		forgot: func(_ context.Context, email string) error {
			return fmt.Errorf("no user with email %s", email)
		},
	}
	h := newHandler(t, defaultConfig(), a, &billingStub{})

	rec, env := doRequest(t, h, http.MethodPost, "/auth/forgot-password", "", map[string]string{
		"email": "ghost@example.com",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
}

func TestUnknownFieldsRejected(t *testing.T) {
	t.Parallel()

	h := newHandler(t, defaultConfig(), &authStub{}, &billingStub{})

	rec, env := doRequest(t, h, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    "a@example.com",
		"password": "pw",
		"admin":    "true",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		srv := httpapi.NewServer(defaultConfig(), &authStub{}, &billingStub{}, ratelimit.NewMemoryStore(),
			func(context.Context) error { return nil }, logger.New())
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("dependency down", func(t *testing.T) {
		srv := httpapi.NewServer(defaultConfig(), &authStub{}, &billingStub{}, ratelimit.NewMemoryStore(),
			func(context.Context) error { return errors.New("pg unreachable") }, logger.New())
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestProfileActivity(t *testing.T) {
	t.Parallel()

	user := testUser("activity@example.com")
	a := &authStub{
		verifyAccess: func(context.Context, string) (*store.User, error) { return user, nil },
		listActivity: func(_ context.Context, userID uuid.UUID) ([]store.AuditEntry, error) {
			require.Equal(t, user.ID, userID)
			return []store.AuditEntry{
				{ID: uuid.New(), Action: "user.login", IP: "203.0.113.9", CreatedAt: time.Now()},
				{ID: uuid.New(), Action: "user.registered", CreatedAt: time.Now().Add(-time.Hour)},
			}, nil
		},
	}
	h := newHandler(t, defaultConfig(), a, &billingStub{})

	rec, env := doRequest(t, h, http.MethodGet, "/profile/activity", "token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []struct {
		Action string `json:"action"`
		IP     string `json:"ip"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "user.login", entries[0].Action)
	assert.Equal(t, "203.0.113.9", entries[0].IP)
	assert.Equal(t, "user.registered", entries[1].Action)
}
