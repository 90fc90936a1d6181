// Package problem writes RFC 7807 problem documents.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	contentType = "application/problem+json"
	baseTypeURL = "https://errors.sharded-wallet.dev/"
)

// Details is an RFC 7807 problem document. SagaID is an extension member set
// on cross-shard transfer failures.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
	SagaID    string `json:"saga_id,omitempty"`
}

// Option adjusts a problem response before it is written.
type Option func(h http.Header, d *Details)

// WithSagaID names the saga a failed transfer ran as.
func WithSagaID(id string) Option {
	return func(_ http.Header, d *Details) {
		d.SagaID = id
	}
}

// WithRetryAfter sets the Retry-After header.
func WithRetryAfter(seconds int) Option {
	return func(h http.Header, _ *Details) {
		h.Set("Retry-After", strconv.Itoa(seconds))
	}
}

// Type builds an absolute problem type URI from a slug like "ledger/lock-timeout".
func Type(slug string) string {
	return baseTypeURL + slug
}

// Write sends a problem document. The request id is the request's trace id.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string, opts ...Option) {
	if title == "" {
		title = http.StatusText(status)
	}
	if problemType == "" {
		problemType = "about:blank"
	}
	d := Details{
		Type:   problemType,
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		d.Instance = r.URL.Path
		d.RequestID = r.Header.Get("X-Trace-ID")
	}
	if d.RequestID == "" {
		d.RequestID = w.Header().Get("X-Trace-ID")
	}
	for _, opt := range opts {
		opt(w.Header(), &d)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(d)
}
