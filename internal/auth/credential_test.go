package auth

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

var now = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

// sign creates a token the way the game server does: EdDSA with sub and
// an optional exp.
func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	require.NoError(t, err)
	return token
}

func TestInspectValidToken(t *testing.T) {
	token := sign(t, jwt.MapClaims{"sub": "p-17", "exp": now.Add(time.Hour).Unix()})

	cred, err := Inspect(token, now)
	require.NoError(t, err)
	assert.Equal(t, "p-17", cred.Subject)
	assert.Equal(t, now.Add(time.Hour).Unix(), cred.ExpiresAt.Unix())
	assert.False(t, cred.Opaque)
}

func TestInspectNeverExpiring(t *testing.T) {
	cred, err := Inspect(sign(t, jwt.MapClaims{"sub": "p-1"}), now)
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.IsZero())
}

func TestInspectRejects(t *testing.T) {
	tests := map[string]string{
		"empty":       "  ",
		"expired":     sign(t, jwt.MapClaims{"sub": "p-1", "exp": now.Add(-time.Minute).Unix()}),
		"expires now": sign(t, jwt.MapClaims{"sub": "p-1", "exp": now.Unix()}),
		"garbage jwt": "aaa.bbb.ccc",
		"numeric sub": sign(t, jwt.MapClaims{"sub": 42}),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Inspect(token, now)
			require.Error(t, err)
			assert.True(t, errors.Is(err, syncerr.ErrAuth))
		})
	}
}

func TestOpaqueTokenPassesThrough(t *testing.T) {
	cred, err := Inspect("session-4f1c9e", now)
	require.NoError(t, err)
	assert.True(t, cred.Opaque)
	assert.Empty(t, cred.Subject)
	assert.Equal(t, "session-4f1c9e", cred.Token)
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("secret-token")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("secret-token"))
	assert.NotEqual(t, fp, Fingerprint("secret-token2"))
	assert.NotContains(t, fp, "secret")
	assert.Equal(t, fp, Credential{Token: "secret-token"}.Fingerprint())
}
