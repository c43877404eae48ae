// Package telemetry publishes gateway events to the message bus. Emission is
// fire-and-forget: the request path only ever enqueues into a bounded
// in-memory queue.
package telemetry

import (
	"time"
)

// Bus topics (routing keys on the gateway exchange).
const (
	TopicAccess    = "logs.gateway"
	TopicAuth      = "events.auth"
	TopicRateLimit = "events.ratelimit"
	TopicBreaker   = "events.circuitbreaker"
)

// Event types.
const (
	TypeRequestStart      = "request.start"
	TypeRequestEnd        = "request.end"
	TypeAuthFailure       = "auth.failure"
	TypeAuthSuccess       = "auth.success"
	TypeAutoBlock         = "auth.auto_block"
	TypeRateLimitExceeded = "ratelimit.exceeded"
	TypeRateLimitFailOpen = "ratelimit.fail_open"
	TypeBreakerTransition = "circuitbreaker.transition"
)

type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	Route     string         `json:"route,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ string, requestID string, route string, data map[string]any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		Route:     route,
		Data:      data,
	}
}
