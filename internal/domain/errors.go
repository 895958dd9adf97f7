package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidModel        = errors.New("invalid model")
	ErrInvalidProvider     = errors.New("no adapter for provider")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrKeyNotFound         = errors.New("api key not found")
	ErrUserNotFound        = errors.New("user not found")
)

// ProviderError is a failed round trip to a backend. Status carries the
// upstream HTTP status (0 when the transport itself failed).
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: status=%d %s", e.Provider, e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying on another
// backend: rate limiting, upstream overload, or the backend being down.
func (e *ProviderError) Transient() bool {
	switch e.Status {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, 529:
		return true
	}
	return false
}

// AsProviderError unwraps err to a *ProviderError if one is in the chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
