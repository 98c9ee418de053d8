package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ledgerline/billingd/internal/auth"
	"github.com/ledgerline/billingd/internal/billing"
	"github.com/ledgerline/billingd/pkg/logger"
	"github.com/ledgerline/billingd/pkg/validator"
)

// Stable error codes clients can branch on. Internal details never cross
// this boundary.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeEmailTaken         = "EMAIL_TAKEN"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodePlanNotFound       = "PLAN_NOT_FOUND"
	CodeNoSubscription     = "NO_SUBSCRIPTION"
	CodeAlreadySubscribed  = "ALREADY_SUBSCRIBED"
	CodeNotCancelable      = "NOT_CANCELABLE"
	CodeNotResumable       = "NOT_RESUMABLE"
	CodeNoBillingAccount   = "NO_BILLING_ACCOUNT"
	CodeInvalidWebhook     = "INVALID_WEBHOOK"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message, Details: details},
	})
}

// respondServiceError translates service-layer errors into the stable
// taxonomy. Unknown errors are logged with full detail and surface as a
// generic internal error.
func respondServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		respondError(w, http.StatusUnprocessableEntity, CodeValidation, "validation failed", verrs.Fields())
		return
	}

	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		respondError(w, http.StatusConflict, CodeEmailTaken, err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, CodeInvalidCredentials, err.Error(), nil)
	case errors.Is(err, auth.ErrAccountLocked):
		respondError(w, http.StatusForbidden, CodeAccountLocked, err.Error(), nil)
	case errors.Is(err, auth.ErrTokenExpired):
		respondError(w, http.StatusUnauthorized, CodeTokenExpired, err.Error(), nil)
	case errors.Is(err, auth.ErrInvalidToken):
		respondError(w, http.StatusUnauthorized, CodeInvalidToken, err.Error(), nil)
	case errors.Is(err, auth.ErrUserNotFound):
		respondError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, billing.ErrPlanNotFound):
		respondError(w, http.StatusNotFound, CodePlanNotFound, err.Error(), nil)
	case errors.Is(err, billing.ErrNoSubscription):
		respondError(w, http.StatusNotFound, CodeNoSubscription, err.Error(), nil)
	case errors.Is(err, billing.ErrAlreadySubscribed):
		respondError(w, http.StatusConflict, CodeAlreadySubscribed, err.Error(), nil)
	case errors.Is(err, billing.ErrNotCancelable):
		respondError(w, http.StatusConflict, CodeNotCancelable, err.Error(), nil)
	case errors.Is(err, billing.ErrNotResumable):
		respondError(w, http.StatusConflict, CodeNotResumable, err.Error(), nil)
	case errors.Is(err, billing.ErrNoBillingAccount):
		respondError(w, http.StatusConflict, CodeNoBillingAccount, err.Error(), nil)
	case errors.Is(err, billing.ErrInvalidWebhook):
		respondError(w, http.StatusBadRequest, CodeInvalidWebhook, "webhook verification failed", nil)
	default:
		log.ErrorContext(r.Context(), "request failed",
			logger.Error(err),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		respondError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

// decodeJSON reads a request body into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return false
	}
	return true
}
