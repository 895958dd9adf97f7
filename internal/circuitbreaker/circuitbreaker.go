// Package circuitbreaker fails fast on models whose backend keeps erroring,
// so the router stops offering them as fallback candidates until they
// recover.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: backend unhealthy, requests rejected immediately
//   - Half-Open: probing recovery, limited requests allowed
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // time before probing recovery
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

func New(cfg Config) *Breaker {
	return &Breaker{
		state:  StateClosed,
		config: cfg,
	}
}

// Allow reports whether a request may pass. In the open state it returns
// ErrOpen until the timeout elapses, then lets a probe through half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.lastFailure) < b.config.Timeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
	}

	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry keys one breaker per model id.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

func (r *Registry) Get(id string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[id]
	if !ok {
		b = New(r.config)
		r.breakers[id] = b
	}
	return b
}

// States snapshots every breaker, for health reporting.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}
