package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/infergate/infergate/internal/auth"
	"github.com/infergate/infergate/internal/crypto"
	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/ledger"
	"github.com/infergate/infergate/internal/repository"
)

// AdminHandler is the operator surface: account provisioning, credit
// grants, and usage lookup. It always sits behind basic auth.
type AdminHandler struct {
	users  repository.UserStore
	keys   repository.KeyStore
	ledger *ledger.Ledger
	auth   *auth.Resolver
	mux    *http.ServeMux
}

func NewAdminHandler(users repository.UserStore, keys repository.KeyStore, l *ledger.Ledger, resolver *auth.Resolver, guard *auth.AdminGuard) http.Handler {
	h := &AdminHandler{
		users:  users,
		keys:   keys,
		ledger: l,
		auth:   resolver,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /admin/users", h.createUser)
	h.mux.HandleFunc("GET /admin/users/{id}/balance", h.getBalance)
	h.mux.HandleFunc("GET /admin/users/{id}/usage", h.getUsage)
	h.mux.HandleFunc("POST /admin/users/{id}/credits", h.grantCredits)
	h.mux.HandleFunc("POST /admin/users/{id}/keys", h.mintKey)
	h.mux.HandleFunc("POST /admin/users/{id}/tokens", h.issueToken)

	return guard.Wrap(h.mux)
}

type createUserRequest struct {
	ID             string  `json:"id,omitempty"`
	OrgID          string  `json:"org_id,omitempty"`
	Role           string  `json:"role,omitempty"`
	InitialCredits float64 `json:"initial_credits,omitempty"`
}

func (h *AdminHandler) createUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := &domain.User{
		ID:     req.ID,
		OrgID:  req.OrgID,
		Role:   req.Role,
		Active: true,
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = "member"
	}

	if err := h.users.Create(ctx, user); err != nil {
		slog.Error("failed to create user", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	if req.InitialCredits > 0 {
		if err := h.ledger.Credit(ctx, user.ID, "initial grant", req.InitialCredits); err != nil {
			slog.Error("failed to seed wallet", "error", err, "user_id", user.ID)
			writeAdminError(w, http.StatusInternalServerError, "user created but wallet seed failed")
			return
		}
	}

	slog.Info("user created", "user_id", user.ID, "org_id", user.OrgID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

func (h *AdminHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	balance, err := h.ledger.Balance(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			writeAdminError(w, http.StatusNotFound, "wallet not found")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": id,
		"balance": balance,
	})
}

func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	since := time.Time{}
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	entries, err := h.ledger.Entries(ctx, id, since)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": id,
		"entries": entries,
		"count":   len(entries),
	})
}

type grantCreditsRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

func (h *AdminHandler) grantCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req grantCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeAdminError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual grant"
	}

	if err := h.ledger.Credit(ctx, id, req.Reason, req.Amount); err != nil {
		slog.Error("failed to grant credits", "error", err, "user_id", id)
		writeAdminError(w, http.StatusInternalServerError, "failed to grant credits")
		return
	}

	balance, err := h.ledger.Balance(ctx, id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "credits granted but balance read failed")
		return
	}

	slog.Info("credits granted", "user_id", id, "amount", req.Amount)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"user_id": id,
		"balance": balance,
	})
}

// mintKey issues a fresh API key. The plaintext appears exactly once in
// the response; only its hash is stored.
func (h *AdminHandler) mintKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := h.users.GetByID(ctx, id); err != nil {
		writeAdminError(w, http.StatusNotFound, "user not found")
		return
	}

	plaintext := auth.APIKeyPrefix + uuid.New().String()
	key := &domain.APIKey{
		KeyHash:   crypto.HashAPIKey(plaintext),
		UserID:    id,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.keys.Create(ctx, key); err != nil {
		slog.Error("failed to mint API key", "error", err, "user_id", id)
		writeAdminError(w, http.StatusInternalServerError, "failed to mint API key")
		return
	}

	slog.Info("API key minted", "user_id", id)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"api_key": plaintext,
	})
}

type issueTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

func (h *AdminHandler) issueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := h.users.GetByID(ctx, id); err != nil {
		writeAdminError(w, http.StatusNotFound, "user not found")
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	token := h.auth.IssueToken(id, ttl)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      token,
		"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}
