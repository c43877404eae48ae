// Package problem renders RFC 7807 problem-details responses for
// gateway-originated errors.
package problem

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/3xpluto/svc-gateway/internal/gwerr"
)

type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	Timestamp string `json:"timestamp"`
}

// Write emits a problem-details body. The detail string is sanitized before
// it reaches the client; instance carries the request id.
func Write(w http.ResponseWriter, status int, title string, detail string, requestID string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Details{
		Type:      "about:blank",
		Title:     title,
		Status:    status,
		Detail:    gwerr.Sanitize(detail),
		Instance:  requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
