// Package auth issues and verifies the bearer tokens the websocket
// transport checks at "hello" time. It is grounded on the JWT
// issue/parse pair from the REST backend's auth package, trimmed to the
// one thing the kernel needs: verifying a token presented once per
// connection, not a full login/session/role system.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sticky-tools/sticky-kerneld/errs"
)

// Claims is the JWT payload the kernel expects.
type Claims struct {
	jwt.RegisteredClaims
	ClientID uuid.UUID `json:"cid"`
}

// Verifier validates bearer tokens against a single HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. secret must be non-empty.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Issue creates a signed HS256 token for clientID with the given TTL. Used
// by tests and by any operator tooling that mints tokens out-of-band — the
// kernel itself never originates tokens for end users.
func (v *Verifier) Issue(clientID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates signature and expiry and returns the claims. Fails with
// *errs.Error{Kind: AuthRequired} on any failure — the kernel does not
// distinguish "missing", "malformed", and "expired" at the transport layer.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.Wrap(errs.AuthRequired, err, "auth: token expired")
		}
		return nil, errs.Wrap(errs.AuthRequired, err, "auth: invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errs.New(errs.AuthRequired, "auth: invalid token claims")
	}
	return claims, nil
}
