package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/provider"
)

// Stream executes a streaming completion. Failover is only possible before
// the first chunk: once a delta has been forwarded, the stream is committed
// to its backend and a later failure surfaces as a stream error instead.
//
// The returned channels follow the adapter contract (chunks then close,
// at most one error). The profile identifies the backend that actually
// serves the stream.
func (r *Router) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error, domain.ModelProfile, error) {
	primary, adapter, err := r.Resolve(req.Model)
	if err != nil {
		return nil, nil, domain.ModelProfile{}, err
	}

	chunks, errs, err := r.openStream(ctx, adapter, primary, req)
	if err == nil {
		return chunks, errs, primary, nil
	}

	pe, transient := transientProviderError(err)
	if !transient {
		return nil, nil, primary, err
	}

	slog.Warn("stream open failed, walking fallback chain",
		"model", primary.ID,
		"provider", primary.Provider,
		"status", pe.Status,
	)

	for _, candidate := range r.candidates(primary.ID) {
		profile, ok := r.catalog.Get(candidate)
		if !ok {
			continue
		}
		adapter, ok := r.adapters[profile.Provider]
		if !ok {
			continue
		}

		chunks, errs, err = r.openStream(ctx, adapter, profile, req)
		if err == nil {
			return chunks, errs, profile, nil
		}
		if _, transient := transientProviderError(err); !transient {
			return nil, nil, profile, err
		}

		slog.Warn("fallback stream candidate failed",
			"model", profile.ID,
			"provider", profile.Provider,
		)
	}

	return nil, nil, primary, fmt.Errorf("%w: %v", domain.ErrAllProvidersFailed, err)
}

// openStream starts the adapter stream and peeks at its first event. A
// failure before any chunk arrives is returned synchronously so the caller
// can still fail over; after the first chunk the stream is handed off to a
// forwarding goroutine that rewrites the public model id.
func (r *Router) openStream(ctx context.Context, adapter provider.Adapter, profile domain.ModelProfile, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error, error) {
	breaker := r.breakers.Get(profile.ID)
	if err := breaker.Allow(); err != nil {
		return nil, nil, &domain.ProviderError{
			Provider: profile.Provider,
			Status:   503,
			Message:  "circuit breaker open for " + profile.ID,
		}
	}

	req.Model = profile.BackendModelName
	upstream, upstreamErrs := adapter.StreamComplete(ctx, req)

	select {
	case first, ok := <-upstream:
		if !ok {
			// Producer finished without a single chunk: either a failure
			// (error waiting in the buffer) or a legitimately empty stream.
			if err := <-upstreamErrs; err != nil {
				breaker.RecordFailure()
				return nil, nil, err
			}
			breaker.RecordSuccess()
			return closedStream(), closedErrs(), nil
		}

		breaker.RecordSuccess()
		return r.forward(ctx, profile, first, upstream, upstreamErrs)

	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// forward relays the already-received first chunk and everything after it,
// stamping each chunk with the public model id. A mid-stream producer
// error trips the breaker and is passed through once.
func (r *Router) forward(ctx context.Context, profile domain.ModelProfile, first domain.StreamChunk, upstream <-chan domain.StreamChunk, upstreamErrs <-chan error) (<-chan domain.StreamChunk, <-chan error, error) {
	out := make(chan domain.StreamChunk)
	outErrs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(outErrs)

		send := func(chunk domain.StreamChunk) bool {
			chunk.Model = profile.ID
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(first) {
			return
		}

		for chunk := range upstream {
			if !send(chunk) {
				return
			}
		}

		if err := <-upstreamErrs; err != nil {
			r.breakers.Get(profile.ID).RecordFailure()
			outErrs <- err
		}
	}()

	return out, outErrs, nil
}

func closedStream() <-chan domain.StreamChunk {
	ch := make(chan domain.StreamChunk)
	close(ch)
	return ch
}

func closedErrs() <-chan error {
	ch := make(chan error, 1)
	close(ch)
	return ch
}
