// Package groq is the low-latency adapter. Groq serves an OpenAI-compatible
// chat API, so canonical request fields map through almost directly.
package groq

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

const defaultBaseURL = "https://api.groq.com/openai/v1"

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
	return "groq"
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req.Stream = false

	body, err := json.Marshal(req)
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

		req.Stream = true
		body, err := json.Marshal(req)
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
