// Package stream writes canonical chat.completion.chunk frames to an SSE
// response. Every stream terminates in exactly one of two ways: a clean
// exhaustion followed by the [DONE] sentinel, or a single error frame.
// Silent truncation is never allowed.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/infergate/infergate/internal/domain"
)

// ErrClientGone marks a consumer disconnect mid-stream. Billing still
// covers whatever was emitted before the disconnect.
var ErrClientGone = errors.New("client disconnected")

// Result describes what actually went over the wire, for billing.
type Result struct {
	// CompletionContent is the concatenated delta text that reached the
	// client. Used to estimate output tokens when the backend reports none.
	CompletionContent string
	// Usage is the backend-reported usage, when any chunk carried one.
	Usage *domain.Usage
	// FinishReason from the final delta, if the stream got that far.
	FinishReason string
	// Err is nil only for a clean, fully-terminated stream.
	Err error
}

type Normalizer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewNormalizer prepares w for SSE output. Returns false when the
// underlying writer cannot flush incrementally.
func NewNormalizer(w http.ResponseWriter) (*Normalizer, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Normalizer{w: w, flusher: flusher}, true
}

// Pump forwards chunks to the client one at a time, in lockstep with the
// producer: nothing is buffered beyond the frame being written. It returns
// once the stream has terminated, one way or the other.
func (n *Normalizer) Pump(ctx context.Context, chunks <-chan domain.StreamChunk, errs <-chan error) Result {
	var res Result

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Producer done. One buffered error may still be pending.
				if err := drainErr(errs); err != nil {
					res.Err = err
					n.writeErrorFrame(err)
					return res
				}
				n.writeDone()
				return res
			}

			n.record(&res, chunk)
			if err := n.writeFrame(chunk); err != nil {
				res.Err = ErrClientGone
				return res
			}

		case <-ctx.Done():
			res.Err = ErrClientGone
			return res
		}
	}
}

func (n *Normalizer) record(res *Result, chunk domain.StreamChunk) {
	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			res.CompletionContent += choice.Delta.Content
		}
		if choice.FinishReason != "" {
			res.FinishReason = choice.FinishReason
		}
	}
	if chunk.Usage != nil {
		res.Usage = chunk.Usage
	}
}

func (n *Normalizer) writeFrame(chunk domain.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := n.w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	n.flusher.Flush()
	return nil
}

// writeErrorFrame signals a mid-stream failure to the client exactly once.
// Upstream details stay server-side; the client sees a stable shape.
func (n *Normalizer) writeErrorFrame(err error) {
	frame := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "stream_error",
			"message": "the stream ended unexpectedly",
		},
	}
	data, _ := json.Marshal(frame)
	n.w.Write([]byte("data: " + string(data) + "\n\n"))
	n.flusher.Flush()
}

func (n *Normalizer) writeDone() {
	n.w.Write([]byte("data: [DONE]\n\n"))
	n.flusher.Flush()
}

func drainErr(errs <-chan error) error {
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
