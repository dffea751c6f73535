// internal/auth/credential.go
package auth

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/Sorok-Dva/project42-sync/internal/syncerr"
)

// Credential is what the client can learn from a session token without
// the server's key. The server still verifies the signature on hello.
type Credential struct {
	Token string
	// Subject is the JWT "sub" claim, the player id, when present.
	Subject string
	// ExpiresAt is zero when the token carries no exp claim.
	ExpiresAt time.Time
	// Opaque is set when the token is not a JWT.
	Opaque bool
}

// Inspect reads the claims of a JWT credential without verifying it and
// fails fast on expired or malformed tokens. Tokens that are not JWTs are
// passed through as opaque.
func Inspect(token string, now time.Time) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, fmt.Errorf("empty credential: %w", syncerr.ErrAuth)
	}
	if strings.Count(token, ".") != 2 {
		return Credential{Token: token, Opaque: true}, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("malformed jwt: %w: %w", syncerr.ErrAuth, err)
	}

	cred := Credential{Token: token}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Credential{}, fmt.Errorf("invalid exp claim: %w: %w", syncerr.ErrAuth, err)
	}
	if exp != nil {
		cred.ExpiresAt = exp.Time
		if !now.Before(exp.Time) {
			return Credential{}, fmt.Errorf("credential expired at %s: %w", exp.Time.Format(time.RFC3339), syncerr.ErrAuth)
		}
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return Credential{}, fmt.Errorf("invalid sub claim: %w: %w", syncerr.ErrAuth, err)
	}
	cred.Subject = sub
	return cred, nil
}

// Fingerprint is a short, log-safe identifier for a token.
func Fingerprint(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Fingerprint of the inspected token.
func (c Credential) Fingerprint() string {
	return Fingerprint(c.Token)
}
