package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cloudtolocalllm/relay/internal/auth"
	"github.com/cloudtolocalllm/relay/internal/metrics"
)

type contextKey string

const subjectContextKey contextKey = "subject"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireToken rejects requests that carry no decodable bearer token and
// stores the token's subject in the request context. Signature validation
// is the upstream ingress layer's job; this gate only establishes which
// user the caller claims to be, and per-resource ownership checks happen
// in the registry.
func RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.FromRequest(r)
		sub, err := auth.Subject(token)
		if err != nil {
			metrics.AuthFailures.Inc()
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		ctx := context.WithValue(r.Context(), subjectContextKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSubject returns the token subject stored by RequireToken.
func GetSubject(r *http.Request) string {
	sub, _ := r.Context().Value(subjectContextKey).(string)
	return sub
}
