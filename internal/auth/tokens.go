package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/billingd/internal/store"
	"github.com/ledgerline/billingd/pkg/jwt"
)

// Token type discriminators embedded in claims so an access token can never
// be presented as a refresh token or vice versa.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims are the JWT claims issued by this service.
type Claims struct {
	jwt.StandardClaims
	TokenType string `json:"token_type"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
}

// TokenPair is the credential set returned to clients after authentication
// or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// resetPayload is the signed content of a password reset token.
type resetPayload struct {
	UserID    uuid.UUID `json:"uid"`
	ExpiresAt int64     `json:"exp"`
}

// hashRefreshToken computes the storage form of a refresh token. Only the
// hash is persisted; a database leak does not yield usable credentials.
func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// randomToken returns a URL-safe high-entropy token for email verification
// links.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// issueTokens mints an access/refresh pair for the user and persists the
// refresh token record under recordID.
func (s *Service) issueTokens(user *store.User, recordID uuid.UUID, now time.Time) (TokenPair, *store.RefreshToken, error) {
	access, err := s.accessJWT.Generate(Claims{
		StandardClaims: jwt.StandardClaims{
			ID:        uuid.New().String(),
			Subject:   user.ID.String(),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.cfg.AccessTokenTTL).Unix(),
		},
		TokenType: tokenTypeAccess,
		Email:     user.Email,
		Role:      string(user.Role),
	})
	if err != nil {
		return TokenPair{}, nil, err
	}

	refresh, err := s.refreshJWT.Generate(Claims{
		StandardClaims: jwt.StandardClaims{
			ID:        recordID.String(),
			Subject:   user.ID.String(),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.cfg.RefreshTokenTTL).Unix(),
		},
		TokenType: tokenTypeRefresh,
	})
	if err != nil {
		return TokenPair{}, nil, err
	}

	record := &store.RefreshToken{
		ID:        recordID,
		UserID:    user.ID,
		TokenHash: hashRefreshToken(refresh),
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		IssuedAt:  now,
	}

	pair := TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
	}
	return pair, record, nil
}
