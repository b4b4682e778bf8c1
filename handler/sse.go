package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kbgateway/gateway/document"
)

// The SSE envelope: one JSON object per data: line, status-discriminated.

type thinkingEvent struct {
	Status     string `json:"status"`
	IsComplete bool   `json:"isComplete"`
}

type sourcesEvent struct {
	Status     string          `json:"status"`
	Sources    []sourcePayload `json:"sources"`
	IsComplete bool            `json:"isComplete"`
}

type sourcePayload struct {
	PageContent string            `json:"page_content"`
	Metadata    document.Metadata `json:"metadata"`
}

type streamingEvent struct {
	Status     string `json:"status"`
	Chunk      string `json:"chunk"`
	IsComplete bool   `json:"isComplete"`
}

type completeEvent struct {
	Status     string      `json:"status"`
	IsComplete bool        `json:"isComplete"`
	FromCache  interface{} `json:"fromCache"` // false, or the tier name
}

type errorEvent struct {
	Status     string `json:"status"`
	Error      string `json:"error"`
	IsComplete bool   `json:"isComplete"`
}

// sseWriter serializes envelope events onto a flushed text/event-stream.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes one event. A write error marks the stream failed (client
// gone); subsequent sends are no-ops so the caller can finish its
// accounting without guarding every call.
func (s *sseWriter) send(event interface{}) {
	if s.failed {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}

func (s *sseWriter) thinking() {
	s.send(thinkingEvent{Status: "thinking"})
}

func (s *sseWriter) sources(docs []document.Document) {
	payload := make([]sourcePayload, 0, len(docs))
	for _, d := range docs {
		payload = append(payload, sourcePayload{PageContent: d.Content, Metadata: d.Metadata})
	}
	s.send(sourcesEvent{Status: "sources", Sources: payload})
}

func (s *sseWriter) chunk(text string) {
	s.send(streamingEvent{Status: "streaming", Chunk: text})
}

func (s *sseWriter) complete(fromCache interface{}) {
	s.send(completeEvent{Status: "complete", IsComplete: true, FromCache: fromCache})
}

func (s *sseWriter) error(message string) {
	s.send(errorEvent{Status: "error", Error: message, IsComplete: true})
}

// streamText emits text in small chunks so long cached answers still
// render progressively client-side; the per-chunk flush is the writer's
// cooperative yield.
func (s *sseWriter) streamText(text string, chunkRunes int) {
	runes := []rune(text)
	for start := 0; start < len(runes); start += chunkRunes {
		end := start + chunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		s.chunk(string(runes[start:end]))
		if s.failed {
			return
		}
	}
}
