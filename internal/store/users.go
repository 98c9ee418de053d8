package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, email, password_hash, name, role, verified,
	verification_token, verification_expires_at,
	failed_login_attempts, locked_until, last_login_at,
	provider_customer_id, deleted_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }, u *User) error {
	return row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.Verified,
		&u.VerificationToken, &u.VerificationExpiresAt,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.LastLoginAt,
		&u.ProviderCustomerID, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt,
	)
}

// CreateUser inserts a new user row. The caller sets ID; timestamps are
// assigned here.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO users (
			id, email, password_hash, name, role, verified,
			verification_token, verification_expires_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.Role, u.Verified,
		u.VerificationToken, u.VerificationExpiresAt,
		u.CreatedAt, u.UpdatedAt,
	)
	return wrapWrite("create user", err)
}

// GetUserByID returns an active (not soft-deleted) user.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE id = $1 AND deleted_at IS NULL`, id), &u)
	if err != nil {
		return nil, wrapRead("get user by id", err)
	}
	return &u, nil
}

// GetUserByEmail returns an active user by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE email = $1 AND deleted_at IS NULL`, email), &u)
	if err != nil {
		return nil, wrapRead("get user by email", err)
	}
	return &u, nil
}

// GetUserByProviderCustomerID resolves the local user behind a billing
// provider customer reference.
func (s *Store) GetUserByProviderCustomerID(ctx context.Context, customerID string) (*User, error) {
	var u User
	err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE provider_customer_id = $1 AND deleted_at IS NULL`, customerID), &u)
	if err != nil {
		return nil, wrapRead("get user by provider customer id", err)
	}
	return &u, nil
}

// GetUserByVerificationToken returns the active user holding an unexpired
// email verification token.
func (s *Store) GetUserByVerificationToken(ctx context.Context, token string) (*User, error) {
	var u User
	err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE verification_token = $1
		  AND verification_expires_at > now()
		  AND deleted_at IS NULL`, token), &u)
	if err != nil {
		return nil, wrapRead("get user by verification token", err)
	}
	return &u, nil
}

// UpdateUser persists all mutable user fields.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		UPDATE users SET
			email = $2,
			password_hash = $3,
			name = $4,
			role = $5,
			verified = $6,
			verification_token = $7,
			verification_expires_at = $8,
			failed_login_attempts = $9,
			locked_until = $10,
			last_login_at = $11,
			provider_customer_id = $12,
			deleted_at = $13,
			updated_at = $14
		WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.Role, u.Verified,
		u.VerificationToken, u.VerificationExpiresAt,
		u.FailedLoginAttempts, u.LockedUntil, u.LastLoginAt,
		u.ProviderCustomerID, u.DeletedAt, u.UpdatedAt,
	)
	if err != nil {
		return wrapWrite("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapRead("update user", ErrNotFound)
	}
	return nil
}
