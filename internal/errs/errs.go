// Package errs holds sentinel errors shared across services.
package errs

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrStaleJob marks a queue job whose campaign or recipient no longer
	// matches what the job expects. Consumers drop it silently.
	ErrStaleJob = errors.New("stale job")

	ErrVerificationExhausted = errors.New("max attempts reached")
	ErrNoSender              = errors.New("no sender for mailbox")
	ErrDeliveryFailed        = errors.New("delivery failed")
	ErrProviderUnavailable   = errors.New("provider unavailable")
)

// Stale wraps ErrStaleJob with a reason.
func Stale(reason string) error {
	return &staleError{reason: reason}
}

type staleError struct{ reason string }

func (e *staleError) Error() string   { return "stale job: " + e.reason }
func (e *staleError) Unwrap() error   { return ErrStaleJob }
func (e *staleError) Kind() string    { return "stale_job" }
func (e *staleError) Retryable() bool { return false }
