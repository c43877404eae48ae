// Package envelope wraps downstream JSON responses in the gateway's standard
// success/error shape.
package envelope

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	GatewayName = "API-Gateway"
	Version     = "1.0"

	// DefaultMaxBuffer bounds how much of a JSON body is held for rewriting.
	DefaultMaxBuffer = 1 << 20
)

type Meta struct {
	RequestID  string `json:"request_id"`
	DurationMS int64  `json:"duration_ms"`
	Gateway    string `json:"gateway"`
	Version    string `json:"version"`
}

type ErrorBody struct {
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
	TraceID string         `json:"trace_id"`
}

type Envelope struct {
	Success bool       `json:"success"`
	Code    string     `json:"code"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

func NewMeta(requestID string, durationMS int64) Meta {
	return Meta{
		RequestID:  requestID,
		DurationMS: durationMS,
		Gateway:    GatewayName,
		Version:    Version,
	}
}

// CodeForStatus maps a downstream status to the envelope error code.
func CodeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case status == http.StatusForbidden:
		return "FORBIDDEN"
	case status == http.StatusNotFound:
		return "NOT_FOUND"
	case status == http.StatusConflict:
		return "CONFLICT"
	case status == http.StatusUnprocessableEntity:
		return "VALIDATION"
	case status == http.StatusTooManyRequests:
		return "RATE_LIMIT"
	case status >= 500:
		return "UPSTREAM_ERROR"
	default:
		return "ERROR"
	}
}

func messageForStatus(status int) string {
	switch CodeForStatus(status) {
	case "UNAUTHENTICATED":
		return "Authentication is required"
	case "FORBIDDEN":
		return "Access denied"
	case "NOT_FOUND":
		return "Resource not found"
	case "CONFLICT":
		return "Request conflicts with current state"
	case "VALIDATION":
		return "Request validation failed"
	case "RATE_LIMIT":
		return "Too many requests, slow down"
	case "UPSTREAM_ERROR":
		return "Upstream service error"
	default:
		return "Request failed"
	}
}

// Rewriter decides whether a response is wrapped and builds the wrapper.
type Rewriter struct {
	// Exclude lists path prefixes never wrapped (auth flows, public assets,
	// health, API docs).
	Exclude []string
	// MaxBuffer is the largest JSON body held for rewriting; bigger bodies
	// stream through untouched.
	MaxBuffer int64
}

func NewRewriter(exclude []string) *Rewriter {
	return &Rewriter{Exclude: exclude, MaxBuffer: DefaultMaxBuffer}
}

// Applies reports whether a response with the given path and content type is
// a candidate for wrapping.
func (rw *Rewriter) Applies(path string, contentType string) bool {
	if rw == nil {
		return false
	}
	if !strings.HasPrefix(contentType, "application/json") {
		return false
	}
	for _, p := range rw.Exclude {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	return true
}

// Wrap builds the envelope for a downstream response body. 2xx bodies become
// data; everything else becomes an error with the original payload preserved.
func Wrap(status int, body []byte, meta Meta) Envelope {
	if status >= 200 && status < 300 {
		return Envelope{
			Success: true,
			Code:    "SUCCESS",
			Data:    parseBody(body),
			Meta:    meta,
		}
	}
	return Envelope{
		Success: false,
		Code:    CodeForStatus(status),
		Message: messageForStatus(status),
		Error: &ErrorBody{
			Type: CodeForStatus(status),
			Details: map[string]any{
				"http_status":       status,
				"original_response": parseBody(body),
			},
			TraceID: meta.RequestID,
		},
		Meta: meta,
	}
}

// WrapGatewayError builds the envelope for a gateway-originated policy error
// (blocked, rate limited, circuit open, upstream trouble).
func WrapGatewayError(code string, message string, details map[string]any, meta Meta) Envelope {
	return Envelope{
		Success: false,
		Code:    code,
		Message: message,
		Error: &ErrorBody{
			Type:    code,
			Details: details,
			TraceID: meta.RequestID,
		},
		Meta: meta,
	}
}

// WriteJSON renders an envelope directly to a response writer.
func WriteJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func parseBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		// Keep unparsable payloads as the raw string.
		return string(body)
	}
	return v
}
