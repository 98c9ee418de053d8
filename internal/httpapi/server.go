// Package httpapi exposes the auth and billing services over a JSON HTTP
// API. Responses use the {success, data?, error?} envelope; this layer owns
// no state.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/auth"
	"github.com/ledgerline/billingd/internal/billing"
	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/logger"
	"github.com/ledgerline/billingd/pkg/ratelimit"
)

// AuthService is the auth surface the API depends on.
type AuthService interface {
	Register(ctx context.Context, email, password, name string, meta auth.RequestMeta) (*store.User, auth.TokenPair, error)
	Authenticate(ctx context.Context, email, password string, meta auth.RequestMeta) (*store.User, auth.TokenPair, error)
	Refresh(ctx context.Context, rawRefresh string, meta auth.RequestMeta) (auth.TokenPair, error)
	Logout(ctx context.Context, rawRefresh string, meta auth.RequestMeta) error
	VerifyAccessToken(ctx context.Context, raw string) (*store.User, error)
	VerifyEmail(ctx context.Context, token string, meta auth.RequestMeta) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string, meta auth.RequestMeta) error
	ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string, meta auth.RequestMeta) error
	UpdateProfile(ctx context.Context, userID uuid.UUID, name string, meta auth.RequestMeta) (*store.User, error)
	DeleteAccount(ctx context.Context, userID uuid.UUID, password string, meta auth.RequestMeta) error
	ListActivity(ctx context.Context, userID uuid.UUID) ([]store.AuditEntry, error)
}

// BillingService is the billing surface the API depends on.
type BillingService interface {
	ListPlans(ctx context.Context) ([]store.Plan, error)
	GetPlan(ctx context.Context, planID uuid.UUID) (*store.Plan, error)
	GetSubscription(ctx context.Context, userID uuid.UUID) (*store.Subscription, *store.Plan, error)
	ListInvoices(ctx context.Context, userID uuid.UUID) ([]store.Invoice, error)
	InitiateCheckout(ctx context.Context, user *store.User, planID uuid.UUID, meta billing.RequestMeta) (string, error)
	CreatePortalSession(ctx context.Context, user *store.User) (string, error)
	CancelSubscription(ctx context.Context, user *store.User, immediate bool, meta billing.RequestMeta) (*store.Subscription, error)
	ResumeSubscription(ctx context.Context, user *store.User, meta billing.RequestMeta) (*store.Subscription, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Config holds API settings.
type Config struct {
	AuthRateLimit int `env:"API_AUTH_RATE_LIMIT" envDefault:"10"` // per minute, per IP
	RateLimit     int `env:"API_RATE_LIMIT" envDefault:"120"`     // per minute, per IP
}

// Server holds the API's dependencies.
type Server struct {
	cfg     Config
	auth    AuthService
	billing BillingService
	rlStore ratelimit.Store
	health  func(context.Context) error
	log     *slog.Logger
}

// NewServer wires the API. rlStore may be a Redis-backed store in
// production or an in-memory one in tests; health is probed by /health.
func NewServer(cfg Config, authSvc AuthService, billingSvc BillingService, rlStore ratelimit.Store, health func(context.Context) error, log *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		auth:    authSvc,
		billing: billingSvc,
		rlStore: rlStore,
		health:  health,
		log:     log.With(logger.Component("httpapi")),
	}
}

func (s *Server) limit(requests int) func(http.Handler) http.Handler {
	limiter, err := ratelimit.NewFixedWindow(s.rlStore, requests, time.Minute)
	if err != nil {
		panic(err) // static config, fails only on a programming error
	}
	return ratelimit.Middleware(limiter, ratelimit.ByIP(),
		ratelimit.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests", nil)
		}))
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// Webhooks are authenticated by signature, not bearer tokens, and are
	// exempt from IP rate limits: they originate from the provider.
	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	authLimit := s.limit(s.cfg.AuthRateLimit)
	apiLimit := s.limit(s.cfg.RateLimit)

	r.Route("/auth", func(r chi.Router) {
		r.With(authLimit).Post("/register", s.handleRegister)
		r.With(authLimit).Post("/login", s.handleLogin)
		r.With(authLimit).Post("/refresh", s.handleRefresh)
		r.With(authLimit).Post("/forgot-password", s.handleForgotPassword)
		r.With(authLimit).Post("/reset-password", s.handleResetPassword)
		r.With(apiLimit).Get("/verify-email", s.handleVerifyEmail)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth, apiLimit)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
			r.Post("/change-password", s.handleChangePassword)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(apiLimit)
		r.Get("/plans", s.handleListPlans)
		r.Get("/plans/{id}", s.handleGetPlan)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth, apiLimit)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/checkout", s.handleCheckout)
			r.Get("/current", s.handleCurrentSubscription)
			r.Post("/billing-portal", s.handleBillingPortal)
			r.Post("/cancel", s.handleCancelSubscription)
			r.Post("/resume", s.handleResumeSubscription)
			r.Get("/invoices", s.handleListInvoices)
		})

		r.Get("/dashboard", s.handleDashboard)

		r.Route("/profile", func(r chi.Router) {
			r.Get("/", s.handleGetProfile)
			r.Patch("/", s.handleUpdateProfile)
			r.Delete("/", s.handleDeleteProfile)
			r.Get("/activity", s.handleActivity)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.ErrorContext(r.Context(), "healthcheck failed", logger.Error(err))
			respondError(w, http.StatusServiceUnavailable, CodeInternal, "unhealthy", nil)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
