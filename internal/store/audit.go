package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppendAuditLog writes an immutable audit record. There is no update or
// delete path for audit rows.
func (s *Store) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (
			id, user_id, action, entity_type, entity_id,
			old_values, new_values, ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Action, e.EntityType, e.EntityID,
		e.OldValues, e.NewValues, e.IP, e.UserAgent, e.CreatedAt,
	)
	return wrapWrite("append audit log", err)
}

// ListAuditLogsByUser returns a user's audit trail, newest first, capped at
// limit rows.
func (s *Store) ListAuditLogsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, action, entity_type, entity_id,
		       old_values, new_values, ip, user_agent, created_at
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, wrapRead("list audit logs", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID,
			&e.OldValues, &e.NewValues, &e.IP, &e.UserAgent, &e.CreatedAt,
		); err != nil {
			return nil, wrapRead("list audit logs", err)
		}
		entries = append(entries, e)
	}
	return entries, wrapRead("list audit logs", rows.Err())
}
