package mailapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a remote failure for retry policy.
type Kind int

const (
	// KindPermanent is a rejection that retrying cannot fix.
	KindPermanent Kind = iota
	// KindAuth means no usable credential; fatal to the current operation.
	KindAuth
	// KindThrottled is a rate-limit signal carrying a server-suggested wait.
	KindThrottled
	// KindTransient is a recoverable network or server failure.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// DefaultRetryAfter is assumed when a throttling response carries no
// Retry-After indication.
const DefaultRetryAfter = 60 * time.Second

// Error is a classified remote API failure.
type Error struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("mailapi: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mailapi: %s: %s", e.Kind, e.Message)
}

// NewError builds a classified error without an HTTP status.
func NewError(kind Kind, message string) *Error {
	e := &Error{Kind: kind, Message: message}
	if kind == KindThrottled {
		e.RetryAfter = DefaultRetryAfter
	}
	return e
}

// FromStatus classifies an HTTP status into an error. retryAfter is only
// meaningful for 429 responses; zero falls back to DefaultRetryAfter.
func FromStatus(status int, message string, retryAfter time.Duration) *Error {
	e := &Error{StatusCode: status, Message: message}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindThrottled
		e.RetryAfter = retryAfter
		if e.RetryAfter <= 0 {
			e.RetryAfter = DefaultRetryAfter
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

// Retryable network failure signatures, matched against error text from the
// transport when no status code is available.
var transientSignatures = []string{
	"econnreset",
	"connection reset",
	"etimedout",
	"timeout",
	"enotfound",
	"no such host",
	"econnrefused",
	"connection refused",
	"network",
}

// ClassifyErr returns the kind of any error. Classified errors report their
// own kind; everything else is matched against the transient signatures and
// otherwise treated as permanent.
func ClassifyErr(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return KindTransient
		}
	}
	return KindPermanent
}

// RetryAfterOf extracts the throttle wait from an error, reporting whether
// the error is a throttling signal at all.
func RetryAfterOf(err error) (time.Duration, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Kind == KindThrottled {
		if apiErr.RetryAfter > 0 {
			return apiErr.RetryAfter, true
		}
		return DefaultRetryAfter, true
	}
	return 0, false
}
