package dns

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress: the input is not a dotted-quad IPv4 address.
	ErrInvalidAddress = errors.New("invalid IPv4 address")

	// ErrTransient marks transport failures worth another attempt
	// (network, timeout, server-side errors).
	ErrTransient = errors.New("transient resolver failure")

	// ErrNoRecord: the resolver answered definitively that there is no PTR.
	ErrNoRecord = errors.New("no PTR record")

	// ErrMalformedResponse: the resolver's answer could not be understood.
	ErrMalformedResponse = errors.New("malformed resolver response")

	// ErrResolutionFailed is returned when retries are exhausted or the
	// transport failed permanently.
	ErrResolutionFailed = errors.New("resolution failed")
)

// LookupError describes a failed Lookup. errors.Is matches both Kind and
// the underlying cause.
type LookupError struct {
	Addr     string
	Attempts int
	Kind     error
	Err      error
}

func (e *LookupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lookup %s: %v", e.Addr, e.Kind)
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("lookup %s: %v after %d attempt(s): %v", e.Addr, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("lookup %s: %v: %v", e.Addr, e.Kind, e.Err)
}

func (e *LookupError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient wraps err so that it matches ErrTransient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
