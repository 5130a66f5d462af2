package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/cloudtolocalllm/relay/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestSubject(t *testing.T) {
	sub, err := Subject(signedToken(t, "user-1"))
	if err != nil {
		t.Fatalf("Subject: %v", err)
	}
	if sub != "user-1" {
		t.Errorf("Subject = %q, want %q", sub, "user-1")
	}
}

func TestSubjectEmptyToken(t *testing.T) {
	_, err := Subject("")
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestSubjectMalformed(t *testing.T) {
	_, err := Subject("not.a.jwt")
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestSubjectMissingClaim(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"aud": "relay"})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := Subject(s); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestVerifySubject(t *testing.T) {
	tok := signedToken(t, "user-1")

	if err := VerifySubject(tok, "user-1"); err != nil {
		t.Errorf("VerifySubject match: %v", err)
	}
	if err := VerifySubject(tok, "user-2"); !errors.Is(err, apperr.ErrAuthentication) {
		t.Errorf("VerifySubject mismatch: expected ErrAuthentication, got %v", err)
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := FromRequest(r); got != "abc123" {
		t.Errorf("Authorization header: got %q", got)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Container-Token", "ctok")
	if got := FromRequest(r); got != "ctok" {
		t.Errorf("X-Container-Token header: got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws?token=qtok", nil)
	if got := FromRequest(r); got != "qtok" {
		t.Errorf("query token: got %q", got)
	}

	r = httptest.NewRequest("GET", "/", nil)
	if got := FromRequest(r); got != "" {
		t.Errorf("no token: got %q", got)
	}
}
