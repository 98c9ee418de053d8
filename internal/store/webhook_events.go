package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimEvent records a provider event in the idempotency ledger and locks
// its row for the duration of the enclosing transaction. It reports whether
// the event has already been fully processed, in which case the caller must
// skip re-applying it. A previously failed delivery (null processed_at) is
// claimed again so the provider's retry makes progress.
func (s *Store) ClaimEvent(ctx context.Context, providerEventID, eventType string, payload []byte) (processed bool, err error) {
	_, err = s.db.Exec(ctx, `
		INSERT INTO webhook_events (id, provider_event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		uuid.New(), providerEventID, eventType, payload, time.Now().UTC(),
	)
	if err != nil {
		return false, wrapWrite("claim event", err)
	}

	// Row lock serializes concurrent deliveries of the same event: the
	// second delivery blocks here until the first commits, then observes
	// its processed_at.
	var processedAt *time.Time
	err = s.db.QueryRow(ctx, `
		SELECT processed_at FROM webhook_events
		WHERE provider_event_id = $1
		FOR UPDATE`, providerEventID).Scan(&processedAt)
	if err != nil {
		return false, wrapRead("claim event", err)
	}
	return processedAt != nil, nil
}

// MarkEventProcessed stamps the ledger row after the event's effects have
// been applied, within the same transaction.
func (s *Store) MarkEventProcessed(ctx context.Context, providerEventID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE webhook_events
		SET processed_at = $2, last_error = NULL
		WHERE provider_event_id = $1`,
		providerEventID, time.Now().UTC(),
	)
	if err != nil {
		return wrapWrite("mark event processed", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapRead("mark event processed", ErrNotFound)
	}
	return nil
}

// RecordEventFailure upserts a ledger row for an event whose application
// failed and rolled back. processed_at stays null so the provider's
// redelivery is retried; retry_count and last_error aid operators.
func (s *Store) RecordEventFailure(ctx context.Context, providerEventID, eventType string, payload []byte, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_events (id, provider_event_id, event_type, payload, last_error, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (provider_event_id) DO UPDATE SET
			last_error = EXCLUDED.last_error,
			retry_count = webhook_events.retry_count + 1`,
		uuid.New(), providerEventID, eventType, payload, errMsg, time.Now().UTC(),
	)
	return wrapWrite("record event failure", err)
}
