// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Authentication and session sentinels.
var (
	// ErrUnauthenticated indicates there is no session (or no matching account) for the caller.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotApproved indicates the session exists but its verification code was not confirmed yet.
	ErrNotApproved = errors.New("session not approved")

	// ErrInvalidAPIKey indicates no user currently owns the presented api key.
	ErrInvalidAPIKey = errors.New("invalid api key")

	// ErrForbidden indicates a non-administrator called an administrator-only operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidCode indicates the verification code does not match.
	ErrInvalidCode = errors.New("invalid verification code")

	// ErrCodeExpired indicates the session has no usable verification code.
	ErrCodeExpired = errors.New("verification code expired")

	// ErrRateLimited indicates temporary lock due to too many failed attempts.
	ErrRateLimited = errors.New("rate limited")
)

// Data sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation (e.g., username taken).
	ErrConflict = errors.New("conflict")

	// ErrLocked indicates an edit or delete against a validated day bucket.
	ErrLocked = errors.New("locked")

	// ErrStorage indicates a durable store or blob I/O failure.
	ErrStorage = errors.New("storage error")

	// ErrInvalidInput indicates malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// IsAuth reports whether err belongs to the request-level authentication family.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrNotApproved) ||
		errors.Is(err, ErrInvalidAPIKey) ||
		errors.Is(err, ErrInvalidCode) ||
		errors.Is(err, ErrCodeExpired)
}
