package auth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ledgerline/billingd/internal/audit"
	"github.com/ledgerline/billingd/internal/auth"
	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/email"
	"github.com/ledgerline/billingd/pkg/logger"
)

type fakeStore struct {
	mu     sync.Mutex
	users  map[uuid.UUID]store.User
	tokens map[uuid.UUID]store.RefreshToken
	audits []store.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[uuid.UUID]store.User),
		tokens: make(map[uuid.UUID]store.RefreshToken),
	}
}

func (f *fakeStore) CreateUser(_ context.Context, u *store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email && existing.DeletedAt == nil {
			return store.ErrDuplicate
		}
	}
	f.users[u.ID] = *u
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	out := u
	return &out, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email && u.DeletedAt == nil {
			out := u
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetUserByVerificationToken(_ context.Context, token string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, u := range f.users {
		if u.DeletedAt == nil && u.VerificationToken != nil && *u.VerificationToken == token &&
			u.VerificationExpiresAt != nil && u.VerificationExpiresAt.After(now) {
			out := u
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateUser(_ context.Context, u *store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.ID]; !ok {
		return store.ErrNotFound
	}
	f.users[u.ID] = *u
	return nil
}

func (f *fakeStore) CreateRefreshToken(_ context.Context, t *store.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[t.ID] = *t
	return nil
}

func (f *fakeStore) GetRefreshTokenByHash(_ context.Context, hash string) (*store.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.TokenHash == hash {
			out := t
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) RevokeRefreshToken(_ context.Context, id uuid.UUID, replacedBy *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	if !ok || t.RevokedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	t.RevokedAt = &now
	t.ReplacedBy = replacedBy
	f.tokens[id] = t
	return nil
}

func (f *fakeStore) RevokeAllRefreshTokens(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for id, t := range f.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
			f.tokens[id] = t
		}
	}
	return nil
}

func (f *fakeStore) AppendAuditLog(_ context.Context, e *store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *e)
	return nil
}

func (f *fakeStore) ListAuditLogsByUser(_ context.Context, userID uuid.UUID, limit int) ([]store.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AuditEntry
	for i := len(f.audits) - 1; i >= 0 && len(out) < limit; i-- {
		e := f.audits[i]
		if e.UserID != nil && *e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.SendEmailParams
}

func (m *fakeMailer) SendEmail(_ context.Context, p email.SendEmailParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, p)
	return nil
}

func (m *fakeMailer) last(t *testing.T) email.SendEmailParams {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	return m.sent[len(m.sent)-1]
}

// linkToken extracts the token query parameter from an emailed link.
func linkToken(t *testing.T, body string) string {
	t.Helper()
	_, after, ok := strings.Cut(body, "token=")
	require.True(t, ok, "email body has no token link")
	end := strings.IndexByte(after, '"')
	require.Greater(t, end, 0)
	return after[:end]
}

func testConfig() auth.Config {
	return auth.Config{
		AccessTokenSecret:  "access-secret-for-tests-0123456789",
		RefreshTokenSecret: "refresh-secret-for-tests-0123456789",
		ResetTokenSecret:   "reset-secret-for-tests-0123456789",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    30 * 24 * time.Hour,
		VerificationTTL:    24 * time.Hour,
		PasswordResetTTL:   time.Hour,
		BcryptCost:         bcrypt.MinCost,
		MaxLoginAttempts:   5,
		LockoutDuration:    30 * time.Minute,
		AppBaseURL:         "https://app.example.com",
	}
}

func newTestService(t *testing.T) (*auth.Service, *fakeStore, *fakeMailer) {
	t.Helper()
	fs := newFakeStore()
	mailer := &fakeMailer{}
	log := logger.New()
	svc, err := auth.NewService(testConfig(), fs, mailer, audit.NewRecorder(fs, log), log)
	require.NoError(t, err)
	return svc, fs, mailer
}

const testPassword = "Sup3r-secret-pw"

func register(t *testing.T, svc *auth.Service) *store.User {
	t.Helper()
	user, _, err := svc.Register(context.Background(), "alice@example.com", testPassword, "Alice", auth.RequestMeta{})
	require.NoError(t, err)
	return user
}

func TestRegister(t *testing.T) {
	t.Parallel()

	t.Run("creates unverified user and sends verification email", func(t *testing.T) {
		t.Parallel()
		svc, _, mailer := newTestService(t)

		user := register(t, svc)
		assert.Equal(t, "alice@example.com", user.Email)
		assert.False(t, user.Verified)
		require.NotNil(t, user.VerificationToken)

		sent := mailer.last(t)
		assert.Equal(t, "alice@example.com", sent.SendTo)
		assert.Contains(t, sent.BodyHTML, *user.VerificationToken)
	})

	t.Run("rejects duplicate email", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		register(t, svc)

		_, _, err := svc.Register(context.Background(), "Alice@Example.com", testPassword, "Alice2", auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrEmailTaken)
	})

	t.Run("rejects weak password", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)

		_, _, err := svc.Register(context.Background(), "bob@example.com", "short", "Bob", auth.RequestMeta{})
		assert.Error(t, err)
	})
}

func TestVerifyEmail(t *testing.T) {
	t.Parallel()
	svc, fs, mailer := newTestService(t)
	user := register(t, svc)

	token := linkToken(t, mailer.last(t).BodyHTML)
	require.NoError(t, svc.VerifyEmail(context.Background(), token, auth.RequestMeta{}))

	updated, err := fs.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, updated.Verified)
	assert.Nil(t, updated.VerificationToken)

	assert.ErrorIs(t, svc.VerifyEmail(context.Background(), "bogus", auth.RequestMeta{}), auth.ErrInvalidToken)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("valid credentials issue a token pair", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		register(t, svc)

		user, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)
		assert.Equal(t, "Bearer", pair.TokenType)
		assert.NotNil(t, user.LastLoginAt)

		verified, err := svc.VerifyAccessToken(context.Background(), pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.ID, verified.ID)
	})

	t.Run("unknown email and wrong password both yield invalid credentials", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		register(t, svc)

		_, _, err := svc.Authenticate(context.Background(), "nobody@example.com", testPassword, auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

		_, _, err = svc.Authenticate(context.Background(), "alice@example.com", "Wrong-password-1", auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	})

	t.Run("locks account after repeated failures", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		register(t, svc)

		for i := 0; i < 4; i++ {
			_, _, err := svc.Authenticate(context.Background(), "alice@example.com", "Wrong-password-1", auth.RequestMeta{})
			assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
		}

		_, _, err := svc.Authenticate(context.Background(), "alice@example.com", "Wrong-password-1", auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrAccountLocked)

		// Correct password is refused while the lock holds.
		_, _, err = svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrAccountLocked)
	})

	t.Run("expired lock admits the correct password and resets the counter", func(t *testing.T) {
		t.Parallel()
		svc, fs, _ := newTestService(t)
		register(t, svc)

		for i := 0; i < 5; i++ {
			_, _, err := svc.Authenticate(context.Background(), "alice@example.com", "Wrong-password-1", auth.RequestMeta{})
			require.Error(t, err)
		}
		_, _, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		require.ErrorIs(t, err, auth.ErrAccountLocked)

		// The lock window elapses.
		locked, err := fs.GetUserByEmail(context.Background(), "alice@example.com")
		require.NoError(t, err)
		past := time.Now().Add(-time.Minute)
		locked.LockedUntil = &past
		require.NoError(t, fs.UpdateUser(context.Background(), locked))

		user, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
		assert.Zero(t, user.FailedLoginAttempts)
		assert.Nil(t, user.LockedUntil)

		stored, err := fs.GetUserByEmail(context.Background(), "alice@example.com")
		require.NoError(t, err)
		assert.Zero(t, stored.FailedLoginAttempts)
	})
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("rotation invalidates the used token", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		register(t, svc)

		_, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		require.NoError(t, err)

		rotated, err := svc.Refresh(context.Background(), pair.RefreshToken, auth.RequestMeta{})
		require.NoError(t, err)
		assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

		// First rotation marks the old token revoked, so replaying it is
		// treated as theft and kills the whole session family.
		_, err = svc.Refresh(context.Background(), pair.RefreshToken, auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidToken)

		_, err = svc.Refresh(context.Background(), rotated.RefreshToken, auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("rejects garbage and access tokens", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		register(t, svc)

		_, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		require.NoError(t, err)

		_, err = svc.Refresh(context.Background(), "not-a-token", auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidToken)

		_, err = svc.Refresh(context.Background(), pair.AccessToken, auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}

func TestLogout(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	register(t, svc)

	_, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), pair.RefreshToken, auth.RequestMeta{}))

	_, err = svc.Refresh(context.Background(), pair.RefreshToken, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// Idempotent.
	assert.NoError(t, svc.Logout(context.Background(), pair.RefreshToken, auth.RequestMeta{}))
	assert.NoError(t, svc.Logout(context.Background(), "unknown", auth.RequestMeta{}))
}

func TestPasswordReset(t *testing.T) {
	t.Parallel()

	t.Run("full reset flow revokes sessions", func(t *testing.T) {
		t.Parallel()
		svc, _, mailer := newTestService(t)
		register(t, svc)

		_, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		require.NoError(t, err)

		require.NoError(t, svc.ForgotPassword(context.Background(), "alice@example.com"))
		resetToken := linkToken(t, mailer.last(t).BodyHTML)

		const newPassword = "An0ther-secret-pw"
		require.NoError(t, svc.ResetPassword(context.Background(), resetToken, newPassword, auth.RequestMeta{}))

		_, err = svc.Refresh(context.Background(), pair.RefreshToken, auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidToken)

		_, _, err = svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

		_, _, err = svc.Authenticate(context.Background(), "alice@example.com", newPassword, auth.RequestMeta{})
		assert.NoError(t, err)
	})

	t.Run("unknown email succeeds silently", func(t *testing.T) {
		t.Parallel()
		svc, _, mailer := newTestService(t)

		require.NoError(t, svc.ForgotPassword(context.Background(), "ghost@example.com"))
		assert.Empty(t, mailer.sent)
	})

	t.Run("tampered token rejected", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)
		register(t, svc)

		err := svc.ResetPassword(context.Background(), "abc.def", "An0ther-secret-pw", auth.RequestMeta{})
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	user := register(t, svc)

	_, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
	require.NoError(t, err)

	err = svc.ChangePassword(context.Background(), user.ID, "Wrong-password-1", "An0ther-secret-pw", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	require.NoError(t, svc.ChangePassword(context.Background(), user.ID, testPassword, "An0ther-secret-pw", auth.RequestMeta{}))

	// Every outstanding session is revoked.
	_, err = svc.Refresh(context.Background(), pair.RefreshToken, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()
	svc, fs, _ := newTestService(t)
	user := register(t, svc)

	_, pair, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{})
	require.NoError(t, err)

	err = svc.DeleteAccount(context.Background(), user.ID, "Wrong-password-1", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	require.NoError(t, svc.DeleteAccount(context.Background(), user.ID, testPassword, auth.RequestMeta{}))

	// Deletion takes effect immediately: the still-unexpired access token
	// no longer authenticates.
	_, err = svc.VerifyAccessToken(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = svc.Refresh(context.Background(), pair.RefreshToken, auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// The email slot is free for a new registration.
	_, _, err = svc.Register(context.Background(), "alice@example.com", testPassword, "Alice again", auth.RequestMeta{})
	assert.NoError(t, err)

	// The raw row is kept with a mangled email.
	fs.mu.Lock()
	defer fs.mu.Unlock()
	deleted := fs.users[user.ID]
	assert.NotNil(t, deleted.DeletedAt)
	assert.Contains(t, deleted.Email, "#deleted#")
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	user := register(t, svc)

	updated, err := svc.UpdateProfile(context.Background(), user.ID, "Alice B", auth.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "Alice B", updated.Name)

	_, err = svc.UpdateProfile(context.Background(), user.ID, "", auth.RequestMeta{})
	assert.Error(t, err)
}

func TestListActivity(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	user := register(t, svc)

	_, _, err := svc.Authenticate(context.Background(), "alice@example.com", testPassword, auth.RequestMeta{IP: "203.0.113.9"})
	require.NoError(t, err)

	entries, err := svc.ListActivity(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// Newest first: the login follows the registration.
	assert.Equal(t, audit.ActionUserLogin, entries[0].Action)
	assert.Equal(t, "203.0.113.9", entries[0].IP)

	last := entries[len(entries)-1]
	assert.Equal(t, audit.ActionUserRegistered, last.Action)
}
