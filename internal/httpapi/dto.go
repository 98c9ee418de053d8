package httpapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/auth"
	"github.com/ledgerline/billingd/internal/store"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type updateProfileRequest struct {
	Name string `json:"name"`
}

type deleteProfileRequest struct {
	Password string `json:"password"`
}

type checkoutRequest struct {
	PlanID uuid.UUID `json:"plan_id"`
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

type userResponse struct {
	ID        uuid.UUID  `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Verified  bool       `json:"verified"`
	LastLogin *time.Time `json:"last_login_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func newUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      string(u.Role),
		Verified:  u.Verified,
		LastLogin: u.LastLoginAt,
		CreatedAt: u.CreatedAt,
	}
}

type sessionResponse struct {
	User   userResponse   `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

type planResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PriceAmount int64     `json:"price_amount"`
	Currency    string    `json:"currency"`
	Interval    string    `json:"interval"`
	Features    []string  `json:"features"`
	TrialDays   int       `json:"trial_days"`
}

func newPlanResponse(p *store.Plan) planResponse {
	return planResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		PriceAmount: p.PriceAmount,
		Currency:    p.Currency,
		Interval:    string(p.Interval),
		Features:    p.Features,
		TrialDays:   p.TrialDays,
	}
}

type subscriptionResponse struct {
	ID                 uuid.UUID     `json:"id"`
	Status             string        `json:"status"`
	Plan               *planResponse `json:"plan,omitempty"`
	CurrentPeriodStart *time.Time    `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time    `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool          `json:"cancel_at_period_end"`
	CanceledAt         *time.Time    `json:"canceled_at,omitempty"`
	TrialEnd           *time.Time    `json:"trial_end,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

func newSubscriptionResponse(sub *store.Subscription, plan *store.Plan) subscriptionResponse {
	resp := subscriptionResponse{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		TrialEnd:           sub.TrialEnd,
		CreatedAt:          sub.CreatedAt,
	}
	if plan != nil {
		p := newPlanResponse(plan)
		resp.Plan = &p
	}
	return resp
}

type invoiceResponse struct {
	ID               uuid.UUID  `json:"id"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	HostedInvoiceURL string     `json:"hosted_invoice_url,omitempty"`
	InvoicePDF       string     `json:"invoice_pdf,omitempty"`
	PeriodStart      *time.Time `json:"period_start,omitempty"`
	PeriodEnd        *time.Time `json:"period_end,omitempty"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func newInvoiceResponse(inv store.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:               inv.ID,
		Amount:           inv.Amount,
		Currency:         inv.Currency,
		Status:           string(inv.Status),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		InvoicePDF:       inv.InvoicePDF,
		PeriodStart:      inv.PeriodStart,
		PeriodEnd:        inv.PeriodEnd,
		PaidAt:           inv.PaidAt,
		CreatedAt:        inv.CreatedAt,
	}
}

type redirectResponse struct {
	URL string `json:"url"`
}

type usageSummary struct {
	InvoiceCount int    `json:"invoice_count"`
	TotalPaid    int64  `json:"total_paid"`
	PaidCurrency string `json:"paid_currency,omitempty"`
}

func newUsageSummary(invoices []store.Invoice) usageSummary {
	var sum usageSummary
	sum.InvoiceCount = len(invoices)
	for _, inv := range invoices {
		if inv.Status != store.InvoiceStatusPaid {
			continue
		}
		sum.TotalPaid += inv.Amount
		sum.PaidCurrency = inv.Currency
	}
	return sum
}

type dashboardResponse struct {
	User         userResponse          `json:"user"`
	Subscription *subscriptionResponse `json:"subscription,omitempty"`
	Usage        usageSummary          `json:"usage"`
	Invoices     []invoiceResponse     `json:"invoices"`
}

type auditEntryResponse struct {
	ID         uuid.UUID `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func newAuditEntryResponse(e store.AuditEntry) auditEntryResponse {
	return auditEntryResponse{
		ID:         e.ID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		CreatedAt:  e.CreatedAt,
	}
}
