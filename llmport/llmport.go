// Package llmport defines the narrow boundary between the pipeline and
// whichever large-language-model backend is configured. Per the design
// note on LLM-library coupling, everything upstream of this package is
// framework- and vendor-agnostic: it calls Embed and StreamGenerate and
// never touches a vendor SDK directly.
package llmport

import "context"

// Message is one turn of chat history or the current user turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// EmbeddingResult holds the dense vector and, when the backend supports
// it, a sparse (keyword) representation used for BM25-style search.
type EmbeddingResult struct {
	Dense  []float32
	Sparse map[string]float64 // term -> weight; nil if unsupported
}

// Embedder produces embeddings for retrieval and semantic-cache keys.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
}

// StructuredRewrite is the query router's forced-schema LLM output.
type StructuredRewrite struct {
	IsDependent     bool   `json:"is_dependent"`
	StandaloneQuery string `json:"standalone_query"`
}

// Rewriter invokes the LLM with a structured-output schema to decide
// whether a query depends on history and, if so, produce a standalone
// rewrite. Used by the query router's slow path and, through
// ExpandShortQuery, a plain-text call returning the expanded question, by
// short-query expansion.
type Rewriter interface {
	RewriteStandalone(ctx context.Context, history []Message, query string) (StructuredRewrite, error)
	ExpandShortQuery(ctx context.Context, query string) (string, error)
}

// Usage reports actual token counts, when the backend's response metadata
// carries them (preferred over the local tokenizer estimate).
type Usage struct {
	InputTokens  int
	OutputTokens int
	Reported     bool // true if these came from the backend, not an estimate
}

// StreamEvent is one token (or terminal usage report) from a generation.
type StreamEvent struct {
	Chunk string
	Done  bool
	Usage Usage // populated only when Done
	Err   error
}

// Generator streams a grounded answer token-by-token. The returned channel
// is closed after a terminal event (Done or non-nil Err). Implementations
// must honor ctx cancellation by closing the channel promptly.
type Generator interface {
	StreamGenerate(ctx context.Context, system, context_ string, history []Message, query string) (<-chan StreamEvent, error)
	Model() string
}
