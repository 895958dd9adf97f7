// Package provider defines the uniform adapter boundary between the router
// and heterogeneous LLM backends. One implementation exists per backend;
// adding a backend means adding an implementation, nothing else changes.
package provider

import (
	"context"
	"io"

	"github.com/infergate/infergate/internal/domain"
)

// Adapter translates the canonical chat shape to and from one backend's
// native protocol.
//
// Complete performs a single round trip and never retries internally; any
// transport or HTTP failure surfaces as a *domain.ProviderError.
//
// StreamComplete returns a finite, non-restartable chunk sequence as a
// channel pair. Chunks are produced one at a time in lockstep with the
// consumer; cancelling ctx closes the upstream connection and stops
// production. The errs channel carries at most one error.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	StreamComplete(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
}

const maxErrorBody = 4 << 10

// APIError builds the ProviderError for a non-2xx upstream reply, keeping
// a bounded slice of the body for server-side logs.
func APIError(name string, status int, body io.Reader) *domain.ProviderError {
	b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return &domain.ProviderError{
		Provider: name,
		Status:   status,
		Message:  string(b),
	}
}

// TransportError wraps a failed round trip (connection refused, timeout).
// Status 0 marks a transport-level failure, which classifies as transient
// for fallback purposes.
func TransportError(name string, err error) *domain.ProviderError {
	return &domain.ProviderError{
		Provider: name,
		Status:   0,
		Message:  err.Error(),
	}
}
