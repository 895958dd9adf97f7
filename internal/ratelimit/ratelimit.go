// Package ratelimit enforces a per-user requests-per-minute ceiling in
// front of the completion endpoint. Both backends implement a sliding
// one-minute window, and a denied request does not consume quota.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

// RateLimiter reports whether a request may proceed, how much quota is
// left, and when the window frees up again.
type RateLimiter interface {
	Allow(ctx context.Context, userID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter keeps per-user request timestamps. Single-instance
// deployments only; gateway replicas need the Redis backend to share a
// window.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		history: make(map[string][]time.Time),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	kept := r.history[userID][:0]
	for _, ts := range r.history[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		r.history[userID] = kept
		// The window opens when the oldest surviving request ages out.
		return false, 0, kept[0].Add(window), nil
	}

	r.history[userID] = append(kept, now)
	return true, limit - len(kept) - 1, now.Add(window), nil
}
