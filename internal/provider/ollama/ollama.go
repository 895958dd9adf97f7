// Package ollama is the local/on-prem adapter. Ollama speaks its own
// NDJSON chat protocol on /api/chat; sampling parameters ride in an
// options object and usage comes back as eval counts on the final line.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/httputil"
	"github.com/infergate/infergate/internal/provider"
)

type Adapter struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) Name() string {
	return "ollama"
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaResponse struct {
	Model           string         `json:"model"`
	Message         *ollamaMessage `json:"message,omitempty"`
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason,omitempty"`
	PromptEvalCount int            `json:"prompt_eval_count,omitempty"`
	EvalCount       int            `json:"eval_count,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toOllamaRequest(req domain.ChatRequest) ollamaRequest {
	out := ollamaRequest{
		Model:    req.Model,
		Messages: req.Messages,
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		out.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
		}
	}

	return out
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ollamaReq := toOllamaRequest(req)
	ollamaReq.Stream = false

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.APIError(a.Name(), resp.StatusCode, resp.Body)
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	content := ""
	if ollamaResp.Message != nil {
		content = ollamaResp.Message.Content
	}

	return &domain.ChatResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: content},
				FinishReason: mapDoneReason(ollamaResp.DoneReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     ollamaResp.PromptEvalCount,
			CompletionTokens: ollamaResp.EvalCount,
			TotalTokens:      ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		},
	}, nil
}

func (a *Adapter) StreamComplete(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		ollamaReq := toOllamaRequest(req)
		ollamaReq.Stream = true

		body, err := json.Marshal(ollamaReq)
		if err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}

		httpReq.Header.Set("Content-Type", "application/json")

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

		id := "chatcmpl-" + uuid.New().String()
		created := time.Now().Unix()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var ollamaChunk ollamaResponse
			if err := json.Unmarshal(line, &ollamaChunk); err != nil {
				continue
			}

			chunk := toCanonicalChunk(ollamaChunk, id, created, req.Model)

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}

			if ollamaChunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- provider.TransportError(a.Name(), err)
		}
	}()

	return chunks, errs
}

func toCanonicalChunk(c ollamaResponse, id string, created int64, model string) domain.StreamChunk {
	chunk := domain.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []domain.Choice{{Index: 0, Delta: &domain.Delta{}}},
	}

	if c.Message != nil {
		chunk.Choices[0].Delta.Content = c.Message.Content
	}

	if c.Done {
		chunk.Choices[0].FinishReason = mapDoneReason(c.DoneReason)
		chunk.Usage = &domain.Usage{
			PromptTokens:     c.PromptEvalCount,
			CompletionTokens: c.EvalCount,
			TotalTokens:      c.PromptEvalCount + c.EvalCount,
		}
	}

	return chunk
}

func mapDoneReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return reason
	}
}
