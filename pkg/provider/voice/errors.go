package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProviderUnavailable marks transient upstream failures: network errors,
	// timeouts, 5xx responses, and responses that could not be parsed.
	ErrProviderUnavailable = errors.New("voice provider unavailable")

	// ErrProviderRejected marks permanent failures for the given input: 4xx
	// responses such as invalid audio, unknown voice, or a provider-side quota.
	ErrProviderRejected = errors.New("voice provider rejected request")

	// ErrSampleFetchFailed is returned when a referenced sample could not be
	// downloaded before clone creation.
	ErrSampleFetchFailed = errors.New("voice sample fetch failed")
)

// Error describes a failed provider call. It matches exactly one of the
// package sentinels through [errors.Is].
type Error struct {
	// Op is the provider operation, e.g. "create clone".
	Op string

	// Kind is one of ErrProviderUnavailable, ErrProviderRejected or
	// ErrSampleFetchFailed.
	Kind error

	// StatusCode is the upstream HTTP status, or 0 when no response was received.
	StatusCode int

	// Message is the upstream error detail, if any.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindForStatus classifies an HTTP status code. 5xx, 408 and 429 are treated
// as transient; every other non-2xx status is a rejection.
func KindForStatus(code int) error {
	switch {
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ErrProviderUnavailable
	default:
		return ErrProviderRejected
	}
}

// Unavailable wraps a transport-level failure (including deadline expiry) as
// an [ErrProviderUnavailable] error for op.
func Unavailable(op string, err error) error {
	e := &Error{Op: op, Kind: ErrProviderUnavailable, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		e.Message = "timed out"
	}
	return e
}

// IsRetryable reports whether err is a transient provider failure that a
// caller may retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
