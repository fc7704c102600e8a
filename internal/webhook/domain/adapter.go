package domain

import (
	"context"
	"net/http"
)

// Adapter authenticates and parses deliveries from one sender. Verify and
// Parse always see the raw request bytes.
type Adapter interface {
	Source() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte, headers http.Header) (*Event, error)
}

type Service interface {
	Ingest(ctx context.Context, source string, payload []byte, headers http.Header) (Outcome, error)
}
