package client

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by *APIError through errors.Is.
var (
	// ErrAuthenticationRequired is returned when no usable credential exists
	// and none could be obtained.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthenticationExpired is returned after a failed refresh or a
	// repeated 401. The local session has been cleared.
	ErrAuthenticationExpired = errors.New("authentication expired")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	// KindAuthenticationRequired: no usable credential, none obtainable.
	KindAuthenticationRequired ErrorKind = "authentication_required"

	// KindAuthenticationExpired: refresh failed or re-attempt still unauthorized.
	KindAuthenticationExpired ErrorKind = "authentication_expired"

	// KindNetwork represents transport errors and timeouts.
	KindNetwork ErrorKind = "network"

	// KindServer represents 5xx server errors.
	KindServer ErrorKind = "server"

	// KindClient represents 4xx client errors other than a recoverable 401.
	KindClient ErrorKind = "client"

	// KindRetryExhausted is a network or server failure after the retry
	// budget was spent. Cause holds the underlying kind.
	KindRetryExhausted ErrorKind = "retry_exhausted"
)

// Transient reports whether failures of this kind are retried automatically.
func (k ErrorKind) Transient() bool {
	return k == KindNetwork || k == KindServer
}

// APIError is the failure outcome of a call.
type APIError struct {
	Kind ErrorKind

	// Cause is the transient kind behind a KindRetryExhausted error.
	Cause ErrorKind

	StatusCode int
	Endpoint   string
	Method     string
	Message    string

	// Body is the raw response body of the last attempt, if any.
	Body []byte

	// Attempts is the number of dispatches made for the call.
	Attempts int

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("api %s error", e.Kind)
	if e.Kind == KindRetryExhausted && e.Cause != "" {
		msg = fmt.Sprintf("api %s error (%s)", e.Kind, e.Cause)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Method != "" || e.Endpoint != "" {
		msg += fmt.Sprintf(" %s %s", e.Method, e.Endpoint)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthenticationRequired:
		return e.Kind == KindAuthenticationRequired
	case ErrAuthenticationExpired:
		return e.Kind == KindAuthenticationExpired
	case ErrRetryExhausted:
		return e.Kind == KindRetryExhausted
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not an *APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
