package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const refreshTokenColumns = `id, user_id, token_hash, expires_at, issued_at,
	revoked_at, replaced_by, ip, user_agent`

func scanRefreshToken(row interface{ Scan(...any) error }, t *RefreshToken) error {
	return row.Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.IssuedAt,
		&t.RevokedAt, &t.ReplacedBy, &t.IP, &t.UserAgent,
	)
}

// CreateRefreshToken inserts a refresh token record.
func (s *Store) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (
			id, user_id, token_hash, expires_at, issued_at, ip, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.IssuedAt, t.IP, t.UserAgent,
	)
	return wrapWrite("create refresh token", err)
}

// GetRefreshTokenByHash looks up a token record by its stored hash.
func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	var t RefreshToken
	err := scanRefreshToken(s.db.QueryRow(ctx, `
		SELECT `+refreshTokenColumns+` FROM refresh_tokens
		WHERE token_hash = $1`, hash), &t)
	if err != nil {
		return nil, wrapRead("get refresh token", err)
	}
	return &t, nil
}

// RevokeRefreshToken marks a token revoked, optionally recording the token
// that replaced it in a rotation chain.
func (s *Store) RevokeRefreshToken(ctx context.Context, id uuid.UUID, replacedBy *uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1 AND revoked_at IS NULL`,
		id, time.Now().UTC(), replacedBy,
	)
	if err != nil {
		return wrapWrite("revoke refresh token", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapRead("revoke refresh token", ErrNotFound)
	}
	return nil
}

// RevokeAllRefreshTokens revokes every active token for a user. Called on
// password change and account deletion.
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL`,
		userID, time.Now().UTC(),
	)
	return wrapWrite("revoke all refresh tokens", err)
}
