package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/billing"
)

func billingMeta(r *http.Request) billing.RequestMeta {
	meta := requestMeta(r)
	return billing.RequestMeta{IP: meta.IP, UserAgent: meta.UserAgent}
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.billing.ListPlans(r.Context())
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}

	out := make([]planResponse, 0, len(plans))
	for i := range plans {
		out = append(out, newPlanResponse(&plans[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, CodePlanNotFound, "plan not found", nil)
		return
	}

	plan, err := s.billing.GetPlan(r.Context(), planID)
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, newPlanResponse(plan))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	url, err := s.billing.InitiateCheckout(r.Context(), user, req.PlanID, billingMeta(r))
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, redirectResponse{URL: url})
}

func (s *Server) handleCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	sub, plan, err := s.billing.GetSubscription(r.Context(), user.ID)
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, newSubscriptionResponse(sub, plan))
}

func (s *Server) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	url, err := s.billing.CreatePortalSession(r.Context(), user)
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, redirectResponse{URL: url})
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	// The body is optional; its absence means cancel at period end.
	var req cancelRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	sub, err := s.billing.CancelSubscription(r.Context(), user, req.Immediate, billingMeta(r))
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, newSubscriptionResponse(sub, nil))
}

func (s *Server) handleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	sub, err := s.billing.ResumeSubscription(r.Context(), user, billingMeta(r))
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, newSubscriptionResponse(sub, nil))
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	invoices, err := s.billing.ListInvoices(r.Context(), user.ID)
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}

	out := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, newInvoiceResponse(inv))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "not authenticated", nil)
		return
	}

	resp := dashboardResponse{User: newUserResponse(user), Invoices: []invoiceResponse{}}

	sub, plan, err := s.billing.GetSubscription(r.Context(), user.ID)
	switch {
	case err == nil:
		sr := newSubscriptionResponse(sub, plan)
		resp.Subscription = &sr
	case !errors.Is(err, billing.ErrNoSubscription):
		respondServiceError(w, r, s.log, err)
		return
	}

	invoices, err := s.billing.ListInvoices(r.Context(), user.ID)
	if err != nil {
		respondServiceError(w, r, s.log, err)
		return
	}
	for _, inv := range invoices {
		resp.Invoices = append(resp.Invoices, newInvoiceResponse(inv))
	}
	resp.Usage = newUsageSummary(invoices)

	respondJSON(w, http.StatusOK, resp)
}

// handleStripeWebhook reads the raw body (signature verification needs the
// exact bytes) and hands it to the sync engine. 400 means a rejected
// payload the provider should not retry as-is; 500 asks for redelivery.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidWebhook, "unreadable payload", nil)
		return
	}

	err = s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, nil)
	case errors.Is(err, billing.ErrInvalidWebhook):
		respondError(w, http.StatusBadRequest, CodeInvalidWebhook, "webhook verification failed", nil)
	default:
		respondError(w, http.StatusInternalServerError, CodeInternal, "event processing failed", nil)
	}
}
