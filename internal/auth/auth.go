// Package auth extracts identity claims from bearer tokens.
//
// Tokens are decoded, not cryptographically verified: signature validation
// happens at the ingress layer in front of this service (the identity
// provider's JWKS is not distributed to per-tenant containers). This
// boundary is deliberate; see DESIGN.md before moving verification here.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudtolocalllm/relay/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// Subject returns the sub claim of a bearer token.
func Subject(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token: %w", apperr.ErrAuthentication)
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("decode token: %w", apperr.ErrAuthentication)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject: %w", apperr.ErrAuthentication)
	}
	return sub, nil
}

// VerifySubject checks that the token's subject equals userID.
func VerifySubject(token, userID string) error {
	sub, err := Subject(token)
	if err != nil {
		return err
	}
	if sub != userID {
		return fmt.Errorf("token subject %q does not match user %q: %w", sub, userID, apperr.ErrAuthentication)
	}
	return nil
}

// FromRequest extracts the bearer token from the Authorization header,
// falling back to the X-Container-Token header and the token query
// parameter (WebSocket clients cannot set headers on upgrade).
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix)
	}
	if h := r.Header.Get("X-Container-Token"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}
