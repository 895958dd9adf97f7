package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/infergate/infergate/internal/domain"
	"github.com/infergate/infergate/internal/provider"
)

func streamOf(chunks ...domain.StreamChunk) func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	return func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
		out := make(chan domain.StreamChunk)
		errs := make(chan error, 1)
		go func() {
			defer close(out)
			defer close(errs)
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, errs
	}
}

func failedStream(err error) func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	return func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
		out := make(chan domain.StreamChunk)
		errs := make(chan error, 1)
		errs <- err
		close(errs)
		close(out)
		return out, errs
	}
}

func collect(t *testing.T, chunks <-chan domain.StreamChunk, errs <-chan error) ([]domain.StreamChunk, error) {
	t.Helper()
	var got []domain.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	select {
	case err := <-errs:
		return got, err
	case <-time.After(time.Second):
		t.Fatal("errs channel not closed")
		return nil, nil
	}
}

func delta(content string) domain.StreamChunk {
	return domain.StreamChunk{
		Object:  "chat.completion.chunk",
		Choices: []domain.Choice{{Delta: &domain.Delta{Content: content}}},
	}
}

func TestStreamStampsPublicModelID(t *testing.T) {
	cat := testCatalog(t)
	adapters := map[string]provider.Adapter{
		"groq": &MockAdapter{
			NameValue:          "groq",
			StreamCompleteFunc: streamOf(delta("hel"), delta("lo")),
		},
	}
	r := New(cat, adapters, nil)

	chunks, errs, used, err := r.Stream(context.Background(), chatReq("fast"))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if used.ID != "fast" {
		t.Errorf("used profile = %q, want fast", used.ID)
	}

	got, streamErr := collect(t, chunks, errs)
	if streamErr != nil {
		t.Fatalf("stream error = %v", streamErr)
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	for _, c := range got {
		if c.Model != "fast" {
			t.Errorf("chunk model = %q, want public id fast", c.Model)
		}
	}
}

func TestStreamFallsBackBeforeFirstChunk(t *testing.T) {
	cat := testCatalog(t)
	adapters := map[string]provider.Adapter{
		"groq": &MockAdapter{
			NameValue:          "groq",
			StreamCompleteFunc: failedStream(transientErr("groq")),
		},
		"together": &MockAdapter{
			NameValue:          "together",
			StreamCompleteFunc: streamOf(delta("from fallback")),
		},
	}
	r := New(cat, adapters, []string{"fast", "cheap"})

	chunks, errs, used, err := r.Stream(context.Background(), chatReq("fast"))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if used.ID != "cheap" {
		t.Errorf("used profile = %q, want cheap", used.ID)
	}

	got, streamErr := collect(t, chunks, errs)
	if streamErr != nil {
		t.Fatalf("stream error = %v", streamErr)
	}
	if len(got) != 1 || got[0].Model != "cheap" {
		t.Errorf("chunks = %+v, want one chunk from cheap", got)
	}
}

func TestStreamMidStreamErrorDoesNotFallBack(t *testing.T) {
	cat := testCatalog(t)
	midErr := transientErr("groq")
	togetherCalls := 0
	adapters := map[string]provider.Adapter{
		"groq": &MockAdapter{
			NameValue: "groq",
			StreamCompleteFunc: func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
				out := make(chan domain.StreamChunk)
				errs := make(chan error, 1)
				go func() {
					defer close(out)
					defer close(errs)
					out <- delta("partial")
					errs <- midErr
				}()
				return out, errs
			},
		},
		"together": &MockAdapter{
			NameValue: "together",
			StreamCompleteFunc: func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
				togetherCalls++
				return streamOf(delta("nope"))(ctx, req)
			},
		},
	}
	r := New(cat, adapters, []string{"fast", "cheap"})

	chunks, errs, used, err := r.Stream(context.Background(), chatReq("fast"))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if used.ID != "fast" {
		t.Errorf("used profile = %q, want fast", used.ID)
	}

	got, streamErr := collect(t, chunks, errs)
	if len(got) != 1 {
		t.Errorf("chunks = %d, want the 1 emitted before failure", len(got))
	}
	if !errors.Is(streamErr, midErr) {
		t.Errorf("stream error = %v, want the mid-stream error", streamErr)
	}
	if togetherCalls != 0 {
		t.Errorf("fallback attempted after first chunk, calls = %d", togetherCalls)
	}
}

func TestStreamNonTransientOpenFailure(t *testing.T) {
	cat := testCatalog(t)
	adapters := map[string]provider.Adapter{
		"groq": &MockAdapter{
			NameValue: "groq",
			StreamCompleteFunc: failedStream(&domain.ProviderError{
				Provider: "groq", Status: 401, Message: "bad key",
			}),
		},
		"together": &MockAdapter{
			NameValue:          "together",
			StreamCompleteFunc: streamOf(delta("nope")),
		},
	}
	r := New(cat, adapters, []string{"fast", "cheap"})

	_, _, _, err := r.Stream(context.Background(), chatReq("fast"))
	pe, ok := domain.AsProviderError(err)
	if !ok || pe.Status != 401 {
		t.Fatalf("Stream() error = %v, want 401 ProviderError", err)
	}
}

func TestStreamExhaustedChain(t *testing.T) {
	cat := testCatalog(t)
	adapters := map[string]provider.Adapter{
		"groq": &MockAdapter{
			NameValue:          "groq",
			StreamCompleteFunc: failedStream(transientErr("groq")),
		},
		"together": &MockAdapter{
			NameValue:          "together",
			StreamCompleteFunc: failedStream(transientErr("together")),
		},
	}
	r := New(cat, adapters, []string{"fast", "cheap"})

	_, _, _, err := r.Stream(context.Background(), chatReq("fast"))
	if !errors.Is(err, domain.ErrAllProvidersFailed) {
		t.Errorf("Stream() error = %v, want ErrAllProvidersFailed", err)
	}
}

func TestStreamEmptySuccess(t *testing.T) {
	cat := testCatalog(t)
	adapters := map[string]provider.Adapter{
		"groq": &MockAdapter{
			NameValue:          "groq",
			StreamCompleteFunc: streamOf(),
		},
	}
	r := New(cat, adapters, nil)

	chunks, errs, _, err := r.Stream(context.Background(), chatReq("fast"))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	got, streamErr := collect(t, chunks, errs)
	if len(got) != 0 || streamErr != nil {
		t.Errorf("empty stream: chunks=%d err=%v", len(got), streamErr)
	}
}
