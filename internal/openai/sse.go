package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StreamWriter emits chat.completion.chunk events over SSE, terminated by
// a [DONE] marker.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64
	started bool
}

// NewStreamWriter prepares the response for streaming. Returns an error
// when the underlying writer cannot flush.
func NewStreamWriter(w http.ResponseWriter, model string) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &StreamWriter{
		w:       w,
		flusher: flusher,
		id:      NewCompletionID(),
		model:   model,
		created: time.Now().Unix(),
	}, nil
}

// WriteDelta emits one content delta. The first delta carries the
// assistant role.
func (s *StreamWriter) WriteDelta(content string) error {
	delta := Delta{Content: content}
	if !s.started {
		delta.Role = "assistant"
		s.started = true
	}
	return s.writeChunk(ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: delta}},
	})
}

// Finish emits the terminal chunk with finish_reason and usage, then the
// [DONE] marker.
func (s *StreamWriter) Finish(finishReason string, usage *Usage) error {
	chunk := ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: Delta{}, FinishReason: &finishReason}},
		Usage:   usage,
	}
	if err := s.writeChunk(chunk); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *StreamWriter) writeChunk(chunk ChatCompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
