package gwerr

import (
	"fmt"
	"net/http"
)

// Kind classifies gateway-originated failures. Each kind maps to exactly one
// HTTP status and one rendering shape (problem details or envelope error).
type Kind string

const (
	KindRoutingNotFound     Kind = "ROUTING_NOT_FOUND"
	KindBlocked             Kind = "BLOCKED"
	KindUnauthenticated     Kind = "UNAUTHENTICATED"
	KindForbidden           Kind = "FORBIDDEN"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindCircuitOpen         Kind = "CIRCUIT_OPEN"
	KindUpstreamTimeout     Kind = "UPSTREAM_TIMEOUT"
	KindUpstreamUnreachable Kind = "UPSTREAM_UNREACHABLE"
	KindUpstreamError       Kind = "UPSTREAM_ERROR"
	KindInternal            Kind = "INTERNAL"
)

func (k Kind) Status() int {
	switch k {
	case KindRoutingNotFound:
		return http.StatusNotFound
	case KindBlocked, KindForbidden:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUpstreamTimeout, KindUpstreamUnreachable:
		return http.StatusServiceUnavailable
	case KindUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Problem reports whether the kind renders as RFC 7807 problem details.
// Policy outcomes (blocked, rate limited, circuit open, upstream trouble) are
// rendered as envelope errors instead.
func (k Kind) Problem() bool {
	switch k {
	case KindRoutingNotFound, KindUnauthenticated, KindForbidden, KindInternal:
		return true
	default:
		return false
	}
}

func (k Kind) Title() string {
	switch k {
	case KindRoutingNotFound:
		return "No route matched"
	case KindUnauthenticated:
		return "Authentication failed"
	case KindForbidden:
		return "Access denied"
	default:
		return "Internal gateway error"
	}
}

// Message is the client-friendly summary used in envelope errors.
func (k Kind) Message() string {
	switch k {
	case KindBlocked:
		return "Access temporarily blocked"
	case KindRateLimited:
		return "Too many requests, slow down"
	case KindCircuitOpen:
		return "Service temporarily unavailable, please retry shortly"
	case KindUpstreamTimeout:
		return "Upstream service timed out"
	case KindUpstreamUnreachable:
		return "Upstream service unreachable"
	case KindUpstreamError:
		return "Upstream service error"
	default:
		return "An error occurred"
	}
}

// Error is the short-circuit value filters return to terminate a request.
type Error struct {
	Kind    Kind
	Detail  string
	Details map[string]any // envelope error.details payload
	// Message overrides the kind's default client message (route fallbacks).
	Message    string
	RetryAfter int // seconds; set for 429 and open-circuit 503
	err        error
}

// ClientMessage is the text shown in envelope errors.
func (e *Error) ClientMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Message()
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithRetryAfter(seconds int) *Error {
	if seconds < 1 {
		seconds = 1
	}
	e.RetryAfter = seconds
	return e
}
