package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infergate/infergate/internal/auth"
	"github.com/infergate/infergate/internal/cache"
	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/ledger"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/ratelimit"
	"github.com/infergate/infergate/internal/router"
	"github.com/infergate/infergate/internal/stream"
	"github.com/infergate/infergate/internal/telemetry"
)

// defaultCompletionEstimate is the output token count assumed by the
// pre-flight balance check when the request sets no max_tokens.
const defaultCompletionEstimate = 1024

// settleTimeout bounds the post-stream debit, which runs on a detached
// context so a client disconnect cannot dodge the bill.
const settleTimeout = 10 * time.Second

type HandlerConfig struct {
	Auth         *auth.Resolver
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Router       *router.Router
	Catalog      *catalog.Catalog
	Ledger       *ledger.Ledger
	Cache        cache.Cache
	CacheTTL     time.Duration
}

type Handler struct {
	auth         *auth.Resolver
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	router       *router.Router
	catalog      *catalog.Catalog
	ledger       *ledger.Ledger
	cache        cache.Cache
	cacheTTL     time.Duration
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	rpm := cfg.RateLimitRPM
	if rpm == 0 {
		rpm = 60
	}

	h := &Handler{
		auth:         cfg.Auth,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: rpm,
		router:       cfg.Router,
		catalog:      cfg.Catalog,
		ledger:       cfg.Ledger,
		cache:        cfg.Cache,
		cacheTTL:     cacheTTL,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	credential := extractBearer(r)
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}

	principal, err := h.auth.Authenticate(ctx, credential)
	if err != nil {
		slog.Warn("authentication failed", "error", err, "request_id", requestID)
		writeMappedError(w, domain.ErrUnauthorized)
		return
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, principal.UserID, h.rateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		slog.Warn("rate limit exceeded", "user_id", principal.UserID, "request_id", requestID)
		metrics.RateLimitHits.Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}

	profile, _, err := h.router.Resolve(req.Model)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	// Pin the public id so an empty model field resolves the same way
	// everywhere downstream (cache key, billing, response).
	req.Model = profile.ID

	ctx, span := telemetry.StartSpan(ctx, "chat.completion")
	defer span.End()
	telemetry.AddRequestAttributes(span, principal.UserID, profile.Provider, profile.ID, requestID)

	tokensIn := ledger.EstimateTokens(req.Messages)
	tokensOut := defaultCompletionEstimate
	if req.MaxTokens != nil {
		tokensOut = *req.MaxTokens
	}

	ok, err := h.ledger.Precheck(ctx, principal.UserID, profile, tokensIn, tokensOut)
	if err != nil {
		slog.Error("balance precheck failed", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if !ok {
		metrics.InsufficientCreditsTotal.Inc()
		writeMappedError(w, domain.ErrInsufficientCredits)
		return
	}

	if req.Stream {
		h.handleStreaming(ctx, w, req, principal, requestID, start)
		return
	}

	var cacheKey string
	if h.cache != nil && cache.Cacheable(req) {
		cacheKey = cache.Key(req)
		if cached, hit := h.cache.Get(ctx, cacheKey); hit {
			metrics.CacheHits.Inc()
			telemetry.AddCacheAttribute(span, true)
			slog.Info("cache hit",
				"request_id", requestID,
				"user_id", principal.UserID,
				"model", req.Model,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Request-ID", requestID)
			w.Header().Set("X-Cache", "HIT")
			json.NewEncoder(w).Encode(cached)
			return
		}
		metrics.CacheMisses.Inc()
	}

	resp, used, err := h.router.Complete(ctx, req)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		if pe, isPE := domain.AsProviderError(err); isPE {
			metrics.RecordProviderError(pe.Provider, strconv.Itoa(pe.Status))
		}
		metrics.RecordRequest(profile.Provider, profile.ID, "error", time.Since(start).Seconds())
		slog.Error("completion failed", "error", err, "request_id", requestID)
		writeMappedError(w, err)
		return
	}

	tokensIn, tokensOut = billableTokens(resp.Usage, req.Messages, responseContent(resp))

	entry, err := h.ledger.Debit(ctx, ledger.DebitParams{
		Principal: principal,
		Profile:   used,
		RequestID: requestID,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	})
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(used.Provider, used.ID, "debit_failed", time.Since(start).Seconds())
		slog.Error("debit failed", "error", err, "request_id", requestID, "user_id", principal.UserID)
		writeMappedError(w, err)
		return
	}

	if h.cache != nil && cacheKey != "" {
		if err := h.cache.Set(ctx, cacheKey, resp, h.cacheTTL); err != nil {
			slog.Warn("failed to cache response", "error", err, "request_id", requestID)
		}
	}

	if used.ID != profile.ID {
		metrics.RecordFallback(profile.ID, used.ID)
	}
	metrics.RecordRequest(used.Provider, used.ID, "ok", time.Since(start).Seconds())
	metrics.RecordTokens(used.Provider, used.ID, tokensIn, tokensOut)
	metrics.RecordDebit(used.Provider, used.ID, entry.Cost)
	telemetry.AddTokenAttributes(span, tokensIn, tokensOut)
	telemetry.AddDebitAttribute(span, entry.Cost)

	slog.Info("request completed",
		"request_id", requestID,
		"user_id", principal.UserID,
		"provider", used.Provider,
		"model", used.ID,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"cost", entry.Cost,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	if cacheKey != "" {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStreaming(ctx context.Context, w http.ResponseWriter, req domain.ChatRequest, principal domain.Principal, requestID string, start time.Time) {
	chunks, errs, used, err := h.router.Stream(ctx, req)
	if err != nil {
		slog.Error("stream open failed", "error", err, "request_id", requestID)
		writeMappedError(w, err)
		return
	}

	normalizer, ok := stream.NewNormalizer(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}
	w.Header().Set("X-Request-ID", requestID)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	res := normalizer.Pump(ctx, chunks, errs)

	// Settle on a detached context: the client may already be gone, but
	// whatever was emitted still has to be billed.
	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	var usage domain.Usage
	if res.Usage != nil {
		usage = *res.Usage
	}
	tokensIn, tokensOut := billableTokens(usage, req.Messages, res.CompletionContent)

	entry, debitErr := h.ledger.Debit(settleCtx, ledger.DebitParams{
		Principal: principal,
		Profile:   used,
		RequestID: requestID,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	})
	if debitErr != nil {
		slog.Error("stream debit failed", "error", debitErr, "request_id", requestID, "user_id", principal.UserID)
	}

	status := "ok"
	if res.Err != nil {
		status = "stream_error"
		if pe, isPE := domain.AsProviderError(res.Err); isPE {
			metrics.RecordProviderError(pe.Provider, strconv.Itoa(pe.Status))
		}
	}
	if used.ID != req.Model {
		metrics.RecordFallback(req.Model, used.ID)
	}
	metrics.RecordRequest(used.Provider, used.ID, status, time.Since(start).Seconds())
	metrics.RecordTokens(used.Provider, used.ID, tokensIn, tokensOut)
	metrics.RecordDebit(used.Provider, used.ID, entry.Cost)

	slog.Info("streaming request completed",
		"request_id", requestID,
		"user_id", principal.UserID,
		"provider", used.Provider,
		"model", used.ID,
		"status", status,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"cost", entry.Cost,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

// handleListModels exposes the catalog with backend routing and pricing
// redacted. Clients see stable public ids only.
func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	profiles := h.catalog.List()

	models := make([]domain.Model, 0, len(profiles))
	for _, p := range profiles {
		models = append(models, domain.Model{
			ID:            p.ID,
			Object:        "model",
			OwnedBy:       "infergate",
			ContextWindow: p.ContextWindow,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}

// billableTokens picks reported usage when the backend sent any, and falls
// back to the character estimate otherwise.
func billableTokens(usage domain.Usage, messages []domain.Message, completion string) (int, int) {
	tokensIn := usage.PromptTokens
	tokensOut := usage.CompletionTokens
	if tokensIn == 0 && tokensOut == 0 {
		tokensIn = ledger.EstimateTokens(messages)
		tokensOut = ledger.EstimateCompletionTokens(completion)
	}
	return tokensIn, tokensOut
}

func responseContent(resp *domain.ChatResponse) string {
	var sb strings.Builder
	for _, c := range resp.Choices {
		if c.Message != nil {
			sb.WriteString(c.Message.Content)
		}
	}
	return sb.String()
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
