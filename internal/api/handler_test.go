package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/infergate/infergate/internal/auth"
	"github.com/infergate/infergate/internal/cache"
	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/crypto"
	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/ledger"
	"github.com/infergate/infergate/internal/provider"
	"github.com/infergate/infergate/internal/repository"
	"github.com/infergate/infergate/internal/router"
)

const testAPIKey = "ig-test-key"

// MockAdapter implements provider.Adapter for testing.
type MockAdapter struct {
	NameValue          string
	CompleteFunc       func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	StreamCompleteFunc func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
}

func (m *MockAdapter) Name() string {
	return m.NameValue
}

func (m *MockAdapter) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &domain.ChatResponse{
		ID:      "resp-1",
		Object:  "chat.completion",
		Model:   req.Model,
		Choices: []domain.Choice{{Message: &domain.Message{Role: "assistant", Content: "hi there"}}},
		Usage:   domain.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (m *MockAdapter) StreamComplete(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	if m.StreamCompleteFunc != nil {
		return m.StreamCompleteFunc(ctx, req)
	}
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)
	close(errs)
	close(chunks)
	return chunks, errs
}

// MockRateLimiter implements ratelimit.RateLimiter for testing.
type MockRateLimiter struct {
	AllowFunc func(ctx context.Context, userID string, limit int) (bool, int, time.Time, error)
}

func (m *MockRateLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	if m.AllowFunc != nil {
		return m.AllowFunc(ctx, userID, limit)
	}
	return true, limit - 1, time.Now().Add(time.Minute), nil
}

type fixture struct {
	handler     *Handler
	wallet      *repository.InMemoryWalletStore
	rateLimiter *MockRateLimiter
	groq        *MockAdapter
	together    *MockAdapter
}

func setupHandler(t *testing.T) *fixture {
	t.Helper()

	keys := repository.NewInMemoryKeyStore()
	users := repository.NewInMemoryUserStore()
	wallet := repository.NewInMemoryWalletStore()

	ctx := context.Background()
	if err := users.Create(ctx, &domain.User{ID: "u1", OrgID: "org-1", Role: "member", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := keys.Create(ctx, &domain.APIKey{
		KeyHash:  crypto.HashAPIKey(testAPIKey),
		UserID:   "u1",
		IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	wallet.SetBalance("u1", 100.0)

	cat, err := catalog.New([]domain.ModelProfile{
		{ID: "fast", Provider: "groq", BackendModelName: "backend-fast",
			Pricing: domain.Pricing{InputPerMillion: 1.0, OutputPerMillion: 2.0}},
		{ID: "cheap", Provider: "together", BackendModelName: "backend-cheap",
			Pricing: domain.Pricing{InputPerMillion: 0.1, OutputPerMillion: 0.2}},
	})
	if err != nil {
		t.Fatal(err)
	}

	groq := &MockAdapter{NameValue: "groq"}
	together := &MockAdapter{NameValue: "together"}
	adapters := map[string]provider.Adapter{
		"groq":     groq,
		"together": together,
	}

	rateLimiter := &MockRateLimiter{}
	resolver := auth.NewResolver(keys, users, auth.NewTokenSigner("test-secret"))

	f := &fixture{
		wallet:      wallet,
		rateLimiter: rateLimiter,
		groq:        groq,
		together:    together,
	}
	f.handler = NewHandler(HandlerConfig{
		Auth:         resolver,
		RateLimiter:  rateLimiter,
		RateLimitRPM: 100,
		Router:       router.New(cat, adapters, []string{"fast", "cheap"}),
		Catalog:      cat,
		Ledger:       ledger.New(wallet),
		Cache:        cache.NewInMemoryCache(),
		CacheTTL:     time.Minute,
	})
	return f
}

func completionRequest(t *testing.T, body interface{}, apiKey string) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req
}

func chatBody(model string, stream bool) domain.ChatRequest {
	return domain.ChatRequest{
		Model:    model,
		Messages: []domain.Message{{Role: "user", Content: "Hello, world!"}},
		Stream:   stream,
	}
}

func errorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body.Bytes(), &envelope); err != nil {
		t.Fatalf("error envelope unmarshal: %v (%q)", err, body.String())
	}
	return envelope.Error.Code
}

func TestChatCompletionHappyPath(t *testing.T) {
	f := setupHandler(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, chatBody("fast", false), testAPIKey))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Model != "fast" {
		t.Errorf("response model = %q, want public id fast", resp.Model)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	// 100 in at $1/M + 50 out at $2/M.
	wantCost := 100.0/1_000_000*1.0 + 50.0/1_000_000*2.0
	balance, _ := f.wallet.Balance(context.Background(), "u1")
	if balance != 100.0-wantCost {
		t.Errorf("balance = %v, want %v", balance, 100.0-wantCost)
	}

	entries, _ := f.wallet.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Model != "fast" || entries[0].TokensIn != 100 || entries[0].TokensOut != 50 {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestChatCompletionRejections(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fixture)
		request    func(*testing.T) *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing credentials",
			request:    func(t *testing.T) *http.Request { return completionRequest(t, chatBody("fast", false), "") },
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
		},
		{
			name: "unknown api key",
			request: func(t *testing.T) *http.Request {
				return completionRequest(t, chatBody("fast", false), "ig-wrong-key")
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "unauthorized",
		},
		{
			name: "malformed body",
			request: func(t *testing.T) *http.Request {
				req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("not json"))
				req.Header.Set("Authorization", "Bearer "+testAPIKey)
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name: "empty messages",
			request: func(t *testing.T) *http.Request {
				return completionRequest(t, domain.ChatRequest{Model: "fast"}, testAPIKey)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name: "unknown model",
			request: func(t *testing.T) *http.Request {
				return completionRequest(t, chatBody("no-such-model", false), testAPIKey)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_model",
		},
		{
			name: "rate limited",
			setup: func(f *fixture) {
				f.rateLimiter.AllowFunc = func(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
					return false, 0, time.Now().Add(time.Minute), nil
				}
			},
			request: func(t *testing.T) *http.Request {
				return completionRequest(t, chatBody("fast", false), testAPIKey)
			},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "rate_limited",
		},
		{
			name: "insufficient balance at precheck",
			setup: func(f *fixture) {
				f.wallet.SetBalance("u1", 0.0000001)
			},
			request: func(t *testing.T) *http.Request {
				return completionRequest(t, chatBody("fast", false), testAPIKey)
			},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   "insufficient_credits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupHandler(t)
			backendCalled := false
			f.groq.CompleteFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
				backendCalled = true
				return &domain.ChatResponse{ID: "r", Model: req.Model}, nil
			}
			if tt.setup != nil {
				tt.setup(f)
			}

			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, tt.request(t))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := errorCode(t, rec.Body); got != tt.wantCode {
				t.Errorf("error code = %q, want %q", got, tt.wantCode)
			}
			if backendCalled {
				t.Error("backend was called for a rejected request")
			}

			entries, _ := f.wallet.Entries(context.Background(), "u1", time.Time{})
			if len(entries) != 0 {
				t.Errorf("rejected request wrote %d ledger entries", len(entries))
			}
		})
	}
}

func TestChatCompletionBillsOnlyFallbackModel(t *testing.T) {
	f := setupHandler(t)

	f.groq.CompleteFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, &domain.ProviderError{Provider: "groq", Status: 503, Message: "down"}
	}
	f.together.CompleteFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			ID: "r2", Object: "chat.completion", Model: req.Model,
			Choices: []domain.Choice{{Message: &domain.Message{Role: "assistant", Content: "ok"}}},
			Usage:   domain.Usage{PromptTokens: 1_000_000, CompletionTokens: 0, TotalTokens: 1_000_000},
		}, nil
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, chatBody("fast", false), testAPIKey))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp domain.ChatResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Model != "cheap" {
		t.Errorf("response model = %q, want cheap", resp.Model)
	}

	// 1M input billed at cheap's $0.1/M, not fast's $1/M.
	balance, _ := f.wallet.Balance(context.Background(), "u1")
	if balance != 100.0-0.1 {
		t.Errorf("balance = %v, want %v", balance, 100.0-0.1)
	}

	entries, _ := f.wallet.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 1 || entries[0].Model != "cheap" {
		t.Errorf("entries = %+v, want one entry for cheap", entries)
	}
}

func TestChatCompletionAllBackendsDown(t *testing.T) {
	f := setupHandler(t)

	down := func(name string) func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, &domain.ProviderError{Provider: name, Status: 503, Message: "down"}
		}
	}
	f.groq.CompleteFunc = down("groq")
	f.together.CompleteFunc = down("together")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, chatBody("fast", false), testAPIKey))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := errorCode(t, rec.Body); got != "upstream_unavailable" {
		t.Errorf("error code = %q", got)
	}

	entries, _ := f.wallet.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 0 {
		t.Errorf("failed request wrote %d ledger entries", len(entries))
	}
}

func TestChatCompletionDebitFailsAfterResponse(t *testing.T) {
	f := setupHandler(t)
	// Enough to pass the precheck for a tiny request, not enough for the
	// actual usage the backend reports.
	f.wallet.SetBalance("u1", 0.5)

	f.groq.CompleteFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			ID: "r", Object: "chat.completion", Model: req.Model,
			Usage: domain.Usage{PromptTokens: 900_000, CompletionTokens: 0, TotalTokens: 900_000},
		}, nil
	}

	body := chatBody("fast", false)
	one := 1
	body.MaxTokens = &one

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, body, testAPIKey))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 (body %s)", rec.Code, rec.Body.String())
	}

	balance, _ := f.wallet.Balance(context.Background(), "u1")
	if balance != 0.5 {
		t.Errorf("balance = %v, want 0.5 unchanged", balance)
	}
}

func TestChatCompletionCacheHitBillsNothing(t *testing.T) {
	f := setupHandler(t)

	calls := 0
	f.groq.CompleteFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		calls++
		return &domain.ChatResponse{
			ID: "r", Object: "chat.completion", Model: req.Model,
			Choices: []domain.Choice{{Message: &domain.Message{Role: "assistant", Content: "cached answer"}}},
			Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
		}, nil
	}

	body := chatBody("fast", false)
	zero := 0.0
	body.Temperature = &zero

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, completionRequest(t, body, testAPIKey))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
		if i == 1 && rec.Header().Get("X-Cache") != "HIT" {
			t.Errorf("second request X-Cache = %q, want HIT", rec.Header().Get("X-Cache"))
		}
	}

	if calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}
	entries, _ := f.wallet.Entries(context.Background(), "u1", time.Time{})
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1 (cache hit bills nothing)", len(entries))
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	f := setupHandler(t)

	f.groq.StreamCompleteFunc = func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
		chunks := make(chan domain.StreamChunk, 3)
		errs := make(chan error, 1)
		chunks <- domain.StreamChunk{
			Object:  "chat.completion.chunk",
			Choices: []domain.Choice{{Delta: &domain.Delta{Role: "assistant", Content: "hel"}}},
		}
		chunks <- domain.StreamChunk{
			Object:  "chat.completion.chunk",
			Choices: []domain.Choice{{Delta: &domain.Delta{Content: "lo"}}},
		}
		chunks <- domain.StreamChunk{
			Object:  "chat.completion.chunk",
			Choices: []domain.Choice{{FinishReason: "stop"}},
			Usage:   &domain.Usage{PromptTokens: 100, CompletionTokens: 2, TotalTokens: 102},
		}
		close(errs)
		close(chunks)
		return chunks, errs
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, completionRequest(t, chatBody("fast", true), testAPIKey))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]: %q", body)
	}
	if !strings.Contains(body, `"model":"fast"`) {
		t.Errorf("chunks not stamped with public model id: %q", body)
	}

	// 100 in at $1/M + 2 out at $2/M.
	wantCost := 100.0/1_000_000*1.0 + 2.0/1_000_000*2.0
	balance, _ := f.wallet.Balance(context.Background(), "u1")
	if balance != 100.0-wantCost {
		t.Errorf("balance = %v, want %v", balance, 100.0-wantCost)
	}
}

func TestListModelsRedactsInternals(t *testing.T) {
	f := setupHandler(t)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp domain.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("models = %d, want 2", len(resp.Data))
	}

	body := rec.Body.String()
	for _, leaked := range []string{"backend-fast", "backend-cheap", "pricing", "per_million", "groq", "together"} {
		if strings.Contains(body, leaked) {
			t.Errorf("models listing leaks %q", leaked)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := setupHandler(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}
}
