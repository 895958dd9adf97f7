package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/infergate/infergate/internal/domain"
)

// errorStatus maps internal errors to the public status and error code.
// Upstream detail never leaks; clients get a stable code they can switch on.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "invalid or missing credentials"
	case errors.Is(err, domain.ErrInvalidModel):
		return http.StatusBadRequest, "invalid_model", "unknown model"
	case errors.Is(err, domain.ErrInvalidProvider):
		return http.StatusBadRequest, "invalid_model", "model has no configured backend"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits", "wallet balance does not cover this request"
	case errors.Is(err, domain.ErrAllProvidersFailed):
		return http.StatusBadGateway, "upstream_unavailable", "all backends failed for this request"
	}

	if pe, ok := domain.AsProviderError(err); ok {
		if pe.Status >= 400 && pe.Status < 500 && pe.Status != http.StatusTooManyRequests {
			return http.StatusBadRequest, "invalid_request", "the backend rejected this request"
		}
		return http.StatusBadGateway, "upstream_unavailable", "the backend failed to serve this request"
	}

	return http.StatusInternalServerError, "internal_error", "internal error"
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message := errorStatus(err)
	writeError(w, status, code, message)
}
