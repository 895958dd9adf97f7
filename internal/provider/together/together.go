// Package together is the budget-tier adapter. The Together API speaks the
// OpenAI chat shape but uses its own sampling parameter names, so the
// canonical fields are remapped explicitly rather than passed through.
package together

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/httputil"
	"github.com/infergate/infergate/internal/provider"
)

const defaultBaseURL = "https://api.together.xyz/v1"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey string) *Adapter {
	return NewWithBaseURL(apiKey, defaultBaseURL)
}

func NewWithBaseURL(apiKey, baseURL string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) Name() string {
	return "together"
}

type togetherRequest struct {
	Model             string           `json:"model"`
	Messages          []domain.Message `json:"messages"`
	Temperature       *float64         `json:"temperature,omitempty"`
	MaxTokens         *int             `json:"max_tokens,omitempty"`
	TopP              *float64         `json:"top_p,omitempty"`
	RepetitionPenalty *float64         `json:"repetition_penalty,omitempty"`
	Stop              []string         `json:"stop,omitempty"`
	Stream            bool             `json:"stream,omitempty"`
}

func toTogetherRequest(req domain.ChatRequest) togetherRequest {
	out := togetherRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}

	// Together models take a single repetition penalty centered on 1.0
	// instead of OpenAI's additive frequency penalty.
	if req.FrequencyPenalty != nil {
		rp := 1.0 + *req.FrequencyPenalty
		out.RepetitionPenalty = &rp
	}

	return out
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toTogetherRequest(req))
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.APIError(a.Name(), resp.StatusCode, resp.Body)
	}

	var chatResp domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	return &chatResp, nil
}

func (a *Adapter) StreamComplete(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		togetherReq := toTogetherRequest(req)
		togetherReq.Stream = true

		body, err := json.Marshal(togetherReq)
		if err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- provider.APIError(a.Name(), resp.StatusCode, resp.Body)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk domain.StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- provider.TransportError(a.Name(), err)
		}
	}()

	return chunks, errs
}
