// Package apperr defines the error categories shared between the registry
// and the per-tenant proxy. Callers classify failures with errors.Is and
// wrap with fmt.Errorf("...: %w", ...) to add context.
package apperr

import "errors"

var (
	// ErrAuthentication indicates a token whose subject does not match
	// the resource owner, or a missing/undecodable token.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNotFound indicates an unknown tunnel or user.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates no qualifying endpoint exists.
	ErrUnavailable = errors.New("unavailable")

	// ErrTimeout indicates an outbound call exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrValidation indicates rejected input. State is left unchanged.
	ErrValidation = errors.New("validation failed")
)
