package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a failed upstream attempt. Transient kinds are retried
// once on a different endpoint before surfacing.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindServerError Kind = "server_error"
	KindMalformed   Kind = "malformed"
)

var (
	// ErrAllEndpointsExhausted is returned when no endpoint is eligible
	// and in budget for a request.
	ErrAllEndpointsExhausted = errors.New("all endpoints exhausted")

	// ErrNotFound is returned when the requested address or transaction
	// does not exist on-chain. Never retried.
	ErrNotFound = errors.New("not found")
)

// UpstreamError wraps a classified failure from one endpoint attempt.
type UpstreamError struct {
	Kind     Kind
	Endpoint string
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %s (status %d): %v", e.Endpoint, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s (status %d)", e.Endpoint, e.Kind, e.Status)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error warrants an immediate failover to a
// different endpoint. Malformed bodies count: they score against the
// endpoint that produced them and another mirror may answer correctly.
func Transient(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case KindTimeout, KindRateLimited, KindServerError, KindMalformed:
			return true
		}
	}
	return false
}
