// Package bedrock is the premium adapter, driving Anthropic models through
// AWS Bedrock. The backend speaks the Anthropic messages protocol, so both
// directions of the canonical mapping are explicit here.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/provider"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

type Adapter struct {
	client *bedrockruntime.Client
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}
}

func (a *Adapter) Name() string {
	return "bedrock"
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toBedrockRequest(req))
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := a.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, sdkError(a.Name(), err)
	}

	var bedrockResp bedrockResponse
	if err := json.Unmarshal(output.Body, &bedrockResp); err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	return toCanonicalResponse(bedrockResp, req.Model), nil
}

func (a *Adapter) StreamComplete(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(toBedrockRequest(req))
		if err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}

		input := &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		}

		output, err := a.client.InvokeModelWithResponseStream(ctx, input)
		if err != nil {
			errs <- sdkError(a.Name(), err)
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		id := "chatcmpl-" + uuid.New().String()
		created := time.Now().Unix()
		var usage domain.Usage

		for event := range stream.Events() {
			member, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal(member.Value.Bytes, &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					usage.PromptTokens = ev.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if ev.Delta == nil || ev.Delta.Text == "" {
					continue
				}
				chunk := domain.StreamChunk{
					ID:      id,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   req.Model,
					Choices: []domain.Choice{
						{Index: 0, Delta: &domain.Delta{Content: ev.Delta.Text}},
					},
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}

			case "message_delta":
				if ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
					final := domain.StreamChunk{
						ID:      id,
						Object:  "chat.completion.chunk",
						Created: created,
						Model:   req.Model,
						Choices: []domain.Choice{
							{Index: 0, Delta: &domain.Delta{}, FinishReason: mapStopReason(ev.Delta.StopReason)},
						},
						Usage: &usage,
					}
					select {
					case chunks <- final:
					case <-ctx.Done():
					}
					return
				}

			case "message_stop":
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- sdkError(a.Name(), err)
		}
	}()

	return chunks, errs
}

// sdkError maps AWS SDK failures onto the ProviderError taxonomy. Throttle
// and unavailability surface their HTTP status so fallback can classify.
func sdkError(name string, err error) *domain.ProviderError {
	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		return &domain.ProviderError{Provider: name, Status: http.StatusTooManyRequests, Message: err.Error()}
	}

	var unavailable *types.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return &domain.ProviderError{Provider: name, Status: http.StatusServiceUnavailable, Message: err.Error()}
	}

	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return &domain.ProviderError{Provider: name, Status: http.StatusInternalServerError, Message: err.Error()}
	}

	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return &domain.ProviderError{Provider: name, Status: http.StatusBadRequest, Message: err.Error()}
	}

	return provider.TransportError(name, err)
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	StopSequences    []string         `json:"stop_sequences,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      bedrockUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string       `json:"type"`
	Message *streamStart `json:"message,omitempty"`
	Delta   *streamDelta `json:"delta,omitempty"`
	Usage   *streamUsage `json:"usage,omitempty"`
}

type streamStart struct {
	Usage bedrockUsage `json:"usage"`
}

type streamDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type streamUsage struct {
	OutputTokens int `json:"output_tokens"`
}

func toBedrockRequest(req domain.ChatRequest) bedrockRequest {
	var systemPrompt string
	messages := make([]bedrockMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			systemPrompt = m.Content
			continue
		}
		messages = append(messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return bedrockRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           systemPrompt,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.Stop,
	}
}

func toCanonicalResponse(resp bedrockResponse, model string) *domain.ChatResponse {
	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: content},
				FinishReason: mapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
