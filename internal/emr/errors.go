package emr

import "errors"

// Error taxonomy for remote EMR calls. Callers branch on these with
// errors.Is; the sync engine routes ErrRemoteUnavailable to the retry queue
// and surfaces ErrValidation immediately.
var (
	// ErrRemoteUnavailable covers network failures, timeouts, and 5xx
	// responses. Eligible for retry.
	ErrRemoteUnavailable = errors.New("remote EMR unavailable")

	// ErrAuthExpired is returned when the EMR rejects the session even after
	// one transparent re-authentication.
	ErrAuthExpired = errors.New("EMR authentication expired")

	// ErrNotFound is returned when the requested entity does not exist
	// remotely.
	ErrNotFound = errors.New("entity not found in EMR")

	// ErrValidation is returned for malformed payloads rejected by the EMR.
	// Not retried automatically.
	ErrValidation = errors.New("EMR rejected payload")
)

// Retryable reports whether an operation that failed with err should be
// queued for replay rather than surfaced as permanent.
func Retryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrAuthExpired)
}
