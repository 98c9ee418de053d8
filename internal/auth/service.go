// Package auth implements account lifecycle and session management:
// registration with email verification, password login with lockout,
// JWT access tokens paired with rotating refresh tokens, password reset,
// and soft account deletion.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ledgerline/billingd/internal/audit"
	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/email"
	"github.com/ledgerline/billingd/pkg/jwt"
	"github.com/ledgerline/billingd/pkg/logger"
	"github.com/ledgerline/billingd/pkg/sanitizer"
	"github.com/ledgerline/billingd/pkg/token"
	"github.com/ledgerline/billingd/pkg/validator"
)

// Store is the persistence surface the auth service depends on.
type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByVerificationToken(ctx context.Context, token string) (*store.User, error)
	UpdateUser(ctx context.Context, u *store.User) error

	CreateRefreshToken(ctx context.Context, t *store.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*store.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id uuid.UUID, replacedBy *uuid.UUID) error
	RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) error

	ListAuditLogsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]store.AuditEntry, error)
}

// RequestMeta carries per-request client metadata into the audit trail and
// refresh token records.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Service implements the auth operations.
type Service struct {
	cfg        Config
	storage    Store
	accessJWT  *jwt.Service
	refreshJWT *jwt.Service
	mailer     email.EmailSender
	auditor    *audit.Recorder
	log        *slog.Logger
	now        func() time.Time
}

// NewService wires an auth service. Access and refresh signers are built
// from the config's secrets.
func NewService(cfg Config, storage Store, mailer email.EmailSender, auditor *audit.Recorder, log *slog.Logger) (*Service, error) {
	accessJWT, err := jwt.NewFromString(cfg.AccessTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("access token signer: %w", err)
	}
	refreshJWT, err := jwt.NewFromString(cfg.RefreshTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("refresh token signer: %w", err)
	}

	return &Service{
		cfg:        cfg,
		storage:    storage,
		accessJWT:  accessJWT,
		refreshJWT: refreshJWT,
		mailer:     mailer,
		auditor:    auditor,
		log:        log.With(logger.Component("auth")),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register creates an account, starts a session and sends the verification
// email. The email failure is logged but does not fail registration; the
// user can request a new verification link.
func (s *Service) Register(ctx context.Context, emailAddr, password, name string, meta RequestMeta) (*store.User, TokenPair, error) {
	emailAddr = sanitizer.NormalizeEmail(emailAddr)
	if err := validator.Apply(
		validator.ValidEmail("email", emailAddr),
		validator.StrongPassword("password", password, validator.DefaultPasswordStrength()),
		validator.MaxLen("name", name, 100),
	); err != nil {
		return nil, TokenPair{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, TokenPair{}, fmt.Errorf("failed to hash password: %w", err)
	}

	verifyToken, err := randomToken()
	if err != nil {
		return nil, TokenPair{}, fmt.Errorf("failed to generate verification token: %w", err)
	}
	verifyExpiry := s.now().Add(s.cfg.VerificationTTL)

	user := &store.User{
		ID:                    uuid.New(),
		Email:                 emailAddr,
		PasswordHash:          hash,
		Name:                  name,
		Role:                  store.RoleUser,
		VerificationToken:     &verifyToken,
		VerificationExpiresAt: &verifyExpiry,
	}
	if err := s.storage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, TokenPair{}, ErrEmailTaken
		}
		return nil, TokenPair{}, err
	}

	if err := s.sendVerificationEmail(ctx, user, verifyToken); err != nil {
		s.log.ErrorContext(ctx, "failed to send verification email",
			logger.Error(err), logger.UserID(user.ID))
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionUserRegistered,
		EntityType: "user",
		EntityID:   user.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	s.log.InfoContext(ctx, "user registered", logger.UserID(user.ID))

	pair, err := s.startSession(ctx, user, meta)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, pair, nil
}

// VerifyEmail marks the account verified if the token matches and has not
// expired.
func (s *Service) VerifyEmail(ctx context.Context, verifyToken string, meta RequestMeta) error {
	if verifyToken == "" {
		return ErrInvalidToken
	}

	user, err := s.storage.GetUserByVerificationToken(ctx, verifyToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}

	user.Verified = true
	user.VerificationToken = nil
	user.VerificationExpiresAt = nil
	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionUserVerified,
		EntityType: "user",
		EntityID:   user.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return nil
}

// Authenticate validates credentials and issues a token pair. Failed
// attempts are counted; crossing the threshold locks the account for the
// configured duration.
func (s *Service) Authenticate(ctx context.Context, emailAddr, password string, meta RequestMeta) (*store.User, TokenPair, error) {
	emailAddr = sanitizer.NormalizeEmail(emailAddr)

	user, err := s.storage.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn a comparison so unknown emails take as long as bad
			// passwords.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}

	now := s.now()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return nil, TokenPair{}, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, TokenPair{}, s.recordFailedLogin(ctx, user, meta)
	}

	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return nil, TokenPair{}, err
	}

	pair, err := s.startSession(ctx, user, meta)
	if err != nil {
		return nil, TokenPair{}, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionUserLogin,
		EntityType: "user",
		EntityID:   user.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return user, pair, nil
}

func (s *Service) recordFailedLogin(ctx context.Context, user *store.User, meta RequestMeta) error {
	user.FailedLoginAttempts++
	action := audit.ActionUserLoginFailed
	result := ErrInvalidCredentials

	if user.FailedLoginAttempts >= s.cfg.MaxLoginAttempts {
		lockedUntil := s.now().Add(s.cfg.LockoutDuration)
		user.LockedUntil = &lockedUntil
		user.FailedLoginAttempts = 0
		action = audit.ActionUserLocked
		result = ErrAccountLocked
		s.log.WarnContext(ctx, "account locked after repeated login failures",
			logger.UserID(user.ID))
	}

	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     action,
		EntityType: "user",
		EntityID:   user.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return result
}

// dummyHash is a bcrypt hash of an unguessable value, used to equalize
// timing on unknown-email logins.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(uuid.New().String()), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

func (s *Service) startSession(ctx context.Context, user *store.User, meta RequestMeta) (TokenPair, error) {
	pair, record, err := s.issueTokens(user, uuid.New(), s.now())
	if err != nil {
		return TokenPair{}, err
	}
	record.IP = meta.IP
	record.UserAgent = meta.UserAgent
	if err := s.storage.CreateRefreshToken(ctx, record); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued, linked through replaced_by. Presenting an already-revoked
// token is treated as theft and revokes every session for the user.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, meta RequestMeta) (TokenPair, error) {
	var claims Claims
	if err := s.refreshJWT.Parse(rawRefresh, &claims); err != nil {
		return TokenPair{}, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeRefresh {
		return TokenPair{}, ErrInvalidToken
	}

	record, err := s.storage.GetRefreshTokenByHash(ctx, hashRefreshToken(rawRefresh))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}

	now := s.now()
	if !record.Active(now) {
		if record.RevokedAt != nil {
			s.log.WarnContext(ctx, "revoked refresh token presented, revoking all sessions",
				logger.UserID(record.UserID))
			if err := s.storage.RevokeAllRefreshTokens(ctx, record.UserID); err != nil {
				return TokenPair{}, err
			}
		}
		return TokenPair{}, ErrInvalidToken
	}

	user, err := s.storage.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}

	// Revoke before issuing so the old token cannot race a second refresh.
	newID := uuid.New()
	if err := s.storage.RevokeRefreshToken(ctx, record.ID, &newID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}

	pair, newRecord, err := s.issueTokens(user, newID, now)
	if err != nil {
		return TokenPair{}, err
	}
	newRecord.IP = meta.IP
	newRecord.UserAgent = meta.UserAgent
	if err := s.storage.CreateRefreshToken(ctx, newRecord); err != nil {
		return TokenPair{}, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionTokenRefreshed,
		EntityType: "session",
		EntityID:   newID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return pair, nil
}

// Logout revokes the presented refresh token. Unknown or already-revoked
// tokens succeed silently; logout is idempotent.
func (s *Service) Logout(ctx context.Context, rawRefresh string, meta RequestMeta) error {
	record, err := s.storage.GetRefreshTokenByHash(ctx, hashRefreshToken(rawRefresh))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := s.storage.RevokeRefreshToken(ctx, record.ID, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &record.UserID,
		Action:     audit.ActionSessionRevoked,
		EntityType: "session",
		EntityID:   record.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return nil
}

// VerifyAccessToken validates a bearer token and confirms the subject still
// exists and is not soft-deleted, so deletion takes effect immediately
// rather than at token expiry.
func (s *Service) VerifyAccessToken(ctx context.Context, raw string) (*store.User, error) {
	var claims Claims
	if err := s.accessJWT.Parse(raw, &claims); err != nil {
		if errors.Is(err, jwt.ErrExpiredToken) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	user, err := s.storage.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

// ForgotPassword issues a signed reset token and emails it. The response is
// identical whether or not the email is registered.
func (s *Service) ForgotPassword(ctx context.Context, emailAddr string) error {
	emailAddr = sanitizer.NormalizeEmail(emailAddr)

	user, err := s.storage.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	resetToken, err := token.Generate(resetPayload{
		UserID:    user.ID,
		ExpiresAt: s.now().Add(s.cfg.PasswordResetTTL).Unix(),
	}, s.cfg.ResetTokenSecret)
	if err != nil {
		return fmt.Errorf("failed to generate reset token: %w", err)
	}

	if err := s.sendPasswordResetEmail(ctx, user, resetToken); err != nil {
		s.log.ErrorContext(ctx, "failed to send password reset email",
			logger.Error(err), logger.UserID(user.ID))
		return ErrFailedToSendEmail
	}
	return nil
}

// ResetPassword sets a new password from a reset token and revokes every
// active session.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string, meta RequestMeta) error {
	payload, err := token.Parse[resetPayload](resetToken, s.cfg.ResetTokenSecret)
	if err != nil {
		return ErrInvalidToken
	}
	if s.now().Unix() > payload.ExpiresAt {
		return ErrInvalidToken
	}

	if err := validator.Apply(
		validator.StrongPassword("password", newPassword, validator.DefaultPasswordStrength()),
	); err != nil {
		return err
	}

	user, err := s.storage.GetUserByID(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.PasswordHash = hash
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return err
	}

	if err := s.storage.RevokeAllRefreshTokens(ctx, user.ID); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionPasswordReset,
		EntityType: "user",
		EntityID:   user.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return nil
}

// ChangePassword verifies the current password, stores the new one and
// revokes every active session, forcing re-authentication everywhere.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string, meta RequestMeta) error {
	user, err := s.storage.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(current)); err != nil {
		return ErrInvalidCredentials
	}

	if err := validator.Apply(
		validator.StrongPassword("password", newPassword, validator.DefaultPasswordStrength()),
	); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.PasswordHash = hash
	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return err
	}

	if err := s.storage.RevokeAllRefreshTokens(ctx, user.ID); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionPasswordChanged,
		EntityType: "user",
		EntityID:   user.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return nil
}

// UpdateProfile changes mutable profile fields.
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, name string, meta RequestMeta) (*store.User, error) {
	if err := validator.Apply(
		validator.Required("name", name),
		validator.MaxLen("name", name, 100),
	); err != nil {
		return nil, err
	}

	user, err := s.storage.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	oldName := user.Name
	user.Name = name
	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionUserUpdated,
		EntityType: "user",
		EntityID:   user.ID.String(),
		Old:        map[string]string{"name": oldName},
		New:        map[string]string{"name": name},
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return user, nil
}

// activityPageSize caps the audit entries returned per activity request.
const activityPageSize = 50

// ListActivity returns the user's most recent audit trail entries, newest
// first.
func (s *Service) ListActivity(ctx context.Context, userID uuid.UUID) ([]store.AuditEntry, error) {
	return s.storage.ListAuditLogsByUser(ctx, userID, activityPageSize)
}

// DeleteAccount soft-deletes the user after confirming their password. The
// email is mangled so the address can be registered again, and every
// session is revoked immediately.
func (s *Service) DeleteAccount(ctx context.Context, userID uuid.UUID, password string, meta RequestMeta) error {
	user, err := s.storage.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}

	now := s.now()
	user.DeletedAt = &now
	user.Email = fmt.Sprintf("%s#deleted#%d", user.Email, now.Unix())
	if err := s.storage.UpdateUser(ctx, user); err != nil {
		return err
	}

	if err := s.storage.RevokeAllRefreshTokens(ctx, user.ID); err != nil {
		return err
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     audit.ActionUserDeleted,
		EntityType: "user",
		EntityID:   user.ID.String(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	})
	s.log.InfoContext(ctx, "user account deleted", logger.UserID(user.ID))
	return nil
}
