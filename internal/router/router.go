// Package router composes the catalog, the provider adapters, and the
// circuit breakers into a single dispatch point. It is stateless across
// calls; all selection happens per request.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/circuitbreaker"
	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/provider"
)

type Router struct {
	catalog  *catalog.Catalog
	adapters map[string]provider.Adapter
	breakers *circuitbreaker.Registry

	// fallback is the ordered chain of model ids tried after a transient
	// provider failure, cheapest-latency first to bound added cost.
	fallback []string
}

func New(cat *catalog.Catalog, adapters map[string]provider.Adapter, fallback []string) *Router {
	return &Router{
		catalog:  cat,
		adapters: adapters,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		fallback: fallback,
	}
}

// Resolve maps a requested model id to its profile and adapter. A missing
// id selects the catalog default; an unknown id is ErrInvalidModel; a
// profile whose provider has no adapter is a configuration fault.
func (r *Router) Resolve(model string) (domain.ModelProfile, provider.Adapter, error) {
	var profile domain.ModelProfile
	if model == "" {
		profile = r.catalog.Default()
	} else {
		p, ok := r.catalog.Get(model)
		if !ok {
			return domain.ModelProfile{}, nil, domain.ErrInvalidModel
		}
		profile = p
	}

	adapter, ok := r.adapters[profile.Provider]
	if !ok {
		return domain.ModelProfile{}, nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, profile.Provider)
	}

	return profile, adapter, nil
}

// BreakerStates snapshots the per-model circuit breakers.
func (r *Router) BreakerStates() map[string]string {
	return r.breakers.States()
}

// Complete executes a buffered completion, failing over once across the
// fallback chain on a transient provider error. The returned profile is
// the model that actually produced the response; only it may be billed.
func (r *Router) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, domain.ModelProfile, error) {
	primary, adapter, err := r.Resolve(req.Model)
	if err != nil {
		return nil, domain.ModelProfile{}, err
	}

	resp, err := r.attempt(ctx, adapter, primary, req)
	if err == nil {
		return resp, primary, nil
	}

	pe, transient := transientProviderError(err)
	if !transient {
		return nil, primary, err
	}

	slog.Warn("provider failed, walking fallback chain",
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

		resp, err = r.attempt(ctx, adapter, profile, req)
		if err == nil {
			return resp, profile, nil
		}
		if _, transient := transientProviderError(err); !transient {
			return nil, profile, err
		}

		slog.Warn("fallback candidate failed",
			"model", profile.ID,
			"provider", profile.Provider,
		)
	}

	return nil, primary, fmt.Errorf("%w: %v", domain.ErrAllProvidersFailed, err)
}

// attempt runs one adapter call with the profile's backend model name and
// restores the public id on the way out.
func (r *Router) attempt(ctx context.Context, adapter provider.Adapter, profile domain.ModelProfile, req domain.ChatRequest) (*domain.ChatResponse, error) {
	breaker := r.breakers.Get(profile.ID)
	if err := breaker.Allow(); err != nil {
		return nil, &domain.ProviderError{
			Provider: profile.Provider,
			Status:   503,
			Message:  "circuit breaker open for " + profile.ID,
		}
	}

	req.Model = profile.BackendModelName

	resp, err := adapter.Complete(ctx, req)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}

	breaker.RecordSuccess()
	resp.Model = profile.ID
	return resp, nil
}

// candidates returns the fallback chain minus the model that just failed
// and minus anything whose breaker is currently open.
func (r *Router) candidates(failedID string) []string {
	out := make([]string, 0, len(r.fallback))
	for _, id := range r.fallback {
		if id == failedID {
			continue
		}
		if r.breakers.Get(id).Allow() != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// transientProviderError reports whether err is a ProviderError worth
// failing over: rate limiting or backend unavailability. Anything else
// (including non-provider errors) propagates unchanged.
func transientProviderError(err error) (*domain.ProviderError, bool) {
	pe, ok := domain.AsProviderError(err)
	if !ok {
		return nil, false
	}
	return pe, pe.Transient()
}
