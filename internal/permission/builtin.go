package permission

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AllowAny always allows.
type AllowAny struct{}

func (AllowAny) Allow(context.Context, Request) (bool, error) { return true, nil }

// Identity is optionally implemented by the auth context to report whether a
// real user is behind the connection. The core otherwise treats the auth
// context as opaque.
type Identity interface {
	Authenticated() bool
}

// IsAuthenticated allows connections that carry an authenticated identity.
type IsAuthenticated struct{}

func (IsAuthenticated) Allow(_ context.Context, req Request) (bool, error) {
	id, ok := req.Auth.(Identity)
	return ok && id.Authenticated(), nil
}

func (IsAuthenticated) DenialMessage() string { return "Authentication required" }

// TokenCarrier is optionally implemented by the auth context to expose a
// bearer token for HasValidToken.
type TokenCarrier interface {
	BearerToken() string
}

// HasValidToken allows when the auth context carries a JWT signed with the
// configured secret. Typically mounted on the connect pseudo-action.
type HasValidToken struct {
	secret []byte
}

// NewHasValidToken builds the check for an HMAC secret.
func NewHasValidToken(secret []byte) *HasValidToken {
	return &HasValidToken{secret: secret}
}

func (h *HasValidToken) Allow(_ context.Context, req Request) (bool, error) {
	carrier, ok := req.Auth.(TokenCarrier)
	if !ok {
		return false, nil
	}
	token := carrier.BearerToken()
	if token == "" {
		return false, nil
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return h.secret, nil
	})
	if err != nil {
		return false, nil
	}
	return parsed.Valid, nil
}

func (h *HasValidToken) DenialMessage() string { return "Invalid or missing token" }
