package fanout

import (
	"errors"
	"fmt"
)

// Kind is the classification of a loader outcome.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound means the upstream answered 404. Resolvers usually render null.
	KindNotFound
	KindUnauthorized
	KindForbidden
	// KindTimeout means the call exceeded its deadline or the caller stopped waiting.
	KindTimeout
	// KindUpstream covers every other non-2xx status and transport failure.
	KindUpstream
	// KindUnauthenticated is a local precondition failure: an authenticated
	// loader was invoked without an end-user identity. No network call is made.
	KindUnauthenticated
	// KindConfiguration is only ever produced at startup.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindTimeout:
		return "Timeout"
	case KindUpstream:
		return "UpstreamError"
	case KindUnauthenticated:
		return "Unauthenticated"
	case KindConfiguration:
		return "ConfigurationError"
	default:
		return "Unknown"
	}
}

// Sentinel errors for errors.Is comparisons. Matching is by Kind only.
var (
	ErrNotFound        = &LoaderError{Kind: KindNotFound}
	ErrUnauthorized    = &LoaderError{Kind: KindUnauthorized}
	ErrForbidden       = &LoaderError{Kind: KindForbidden}
	ErrTimeout         = &LoaderError{Kind: KindTimeout}
	ErrUpstream        = &LoaderError{Kind: KindUpstream}
	ErrUnauthenticated = &LoaderError{Kind: KindUnauthenticated}
	ErrConfiguration   = &LoaderError{Kind: KindConfiguration}
)

// ErrCredentialUnavailable is the cause of an Upstream error returned by
// app-authenticated loaders before the first credential has been fetched.
var ErrCredentialUnavailable = errors.New("fanout: application credential not yet available")

// LoaderError is the only error type returned across the loader boundary.
type LoaderError struct {
	Kind     Kind
	Endpoint string
	// StatusCode is the upstream HTTP status, 0 when no response was received.
	StatusCode int
	// Message is a short fragment safe to display to end users.
	Message string
	Cause   error
}

// Error implements error.
func (e *LoaderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Endpoint)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s %d", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *LoaderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a LoaderError of the same Kind.
func (e *LoaderError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*LoaderError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the Kind of err, KindUnknown for nil or foreign errors.
func KindOf(err error) Kind {
	var le *LoaderError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// IsTransient reports whether a fresh call might succeed: timeouts, upstream
// failures and a missing application credential.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUpstream:
		return true
	default:
		return false
	}
}

func configError(format string, args ...interface{}) *LoaderError {
	return &LoaderError{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}
