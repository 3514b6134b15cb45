// Package auth verifies connect tokens for the websocket handshake and
// resolves each user's authorization snapshot: the patient ids they may
// observe and the field capabilities their role grants.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the connect-token claims the stream server cares about. The
// subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// TokenVerifier validates HS256 connect tokens issued by the primary API.
type TokenVerifier struct {
	signingKey []byte
	issuer     string
}

// NewTokenVerifier creates a verifier. issuer may be empty, in which case the
// iss claim is not checked.
func NewTokenVerifier(signingKey []byte, issuer string) *TokenVerifier {
	return &TokenVerifier{signingKey: signingKey, issuer: issuer}
}

// Verify parses and validates a bearer token and returns its claims.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("empty connect token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse connect token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid connect token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("connect token missing subject")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("connect token missing tenant_id")
	}
	return claims, nil
}
