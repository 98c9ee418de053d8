// Package audit records sensitive account and billing actions in an
// append-only trail. Recording failures are logged, never propagated: an
// audit miss must not fail the action it describes.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/logger"
)

// Actions recorded by the service layer.
const (
	ActionUserRegistered      = "user.registered"
	ActionUserLogin           = "user.login"
	ActionUserLoginFailed     = "user.login_failed"
	ActionUserLocked          = "user.locked"
	ActionUserVerified        = "user.verified"
	ActionUserUpdated         = "user.updated"
	ActionUserDeleted         = "user.deleted"
	ActionPasswordChanged     = "user.password_changed"
	ActionPasswordReset       = "user.password_reset"
	ActionTokenRefreshed      = "session.refreshed"
	ActionSessionRevoked      = "session.revoked"
	ActionCheckoutStarted     = "billing.checkout_started"
	ActionSubscriptionChanged = "billing.subscription_changed"
	ActionSubscriptionCancel  = "billing.cancel_requested"
	ActionSubscriptionResume  = "billing.resume_requested"
)

// Sink is the storage the recorder writes to.
type Sink interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Recorder writes audit entries.
type Recorder struct {
	sink Sink
	log  *slog.Logger
}

// NewRecorder creates a Recorder over the given sink.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	return &Recorder{sink: sink, log: log.With(logger.Component("audit"))}
}

// Entry describes a single auditable action. Old and New are marshaled to
// JSON; nil values are omitted.
type Entry struct {
	UserID     *uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	Old        any
	New        any
	IP         string
	UserAgent  string
}

// Record appends the entry to the trail. Errors are swallowed after logging.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	rec := &store.AuditEntry{
		UserID:     e.UserID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
	}

	var err error
	if e.Old != nil {
		if rec.OldValues, err = json.Marshal(e.Old); err != nil {
			r.log.ErrorContext(ctx, "failed to marshal audit old values", logger.Error(err), slog.String("action", e.Action))
		}
	}
	if e.New != nil {
		if rec.NewValues, err = json.Marshal(e.New); err != nil {
			r.log.ErrorContext(ctx, "failed to marshal audit new values", logger.Error(err), slog.String("action", e.Action))
		}
	}

	if err := r.sink.AppendAuditLog(ctx, rec); err != nil {
		r.log.ErrorContext(ctx, "failed to append audit log", logger.Error(err), slog.String("action", e.Action))
	}
}
