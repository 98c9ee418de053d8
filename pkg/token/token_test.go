package token_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/billingd/pkg/token"
)

type resetPayload struct {
	UserID   string `json:"uid"`
	Purpose  string `json:"purpose"`
	ExpireAt int64  `json:"exp"`
}

func TestGenerateParse(t *testing.T) {
	t.Parallel()

	const secret = "token-secret"

	t.Run("round trip", func(t *testing.T) {
		in := resetPayload{UserID: "u1", Purpose: "password_reset", ExpireAt: 42}

		tok, err := token.Generate(in, secret)
		require.NoError(t, err)

		out, err := token.Parse[resetPayload](tok, secret)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, err := token.Generate(resetPayload{UserID: "u1"}, secret)
		require.NoError(t, err)

		_, err = token.Parse[resetPayload](tok, "other-secret")
		require.ErrorIs(t, err, token.ErrSignatureInvalid)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := token.Parse[resetPayload]("garbage", secret)
		require.ErrorIs(t, err, token.ErrInvalidToken)
	})

	t.Run("tampered payload", func(t *testing.T) {
		tok, err := token.Generate(resetPayload{UserID: "u1"}, secret)
		require.NoError(t, err)

		_, err = token.Parse[resetPayload]("eyJ1aWQiOiJ1MiJ9"+tok[len(tok)-9:], secret)
		require.Error(t, err)
	})
}
