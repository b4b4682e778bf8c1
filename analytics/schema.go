// Package analytics records per-query outcomes through an asynchronous,
// batched ingestion pipeline. Events are advisory: the hot path never
// blocks on them, and a full buffer drops rather than stalls.
package analytics

import "time"

// QueryEvent captures one query's trip through the pipeline, from
// admission verdict to token accounting.
type QueryEvent struct {
	RequestID     string `json:"request_id"`
	Identifier    string `json:"identifier"` // stable identifier, never the raw IP
	Outcome       string `json:"outcome"`    // generated | cached | no_match | rejected | error
	FromCache     string `json:"from_cache,omitempty"`
	RejectKind    string `json:"reject_kind,omitempty"`
	IsDependent   bool   `json:"is_dependent"`
	Intent        string `json:"intent,omitempty"`
	QueryLength   int    `json:"query_length"`
	DocsRetrieved int    `json:"docs_retrieved"`
	SourcesShown  int    `json:"sources_shown"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`

	LatencyMs        int  `json:"latency_ms"`
	ClientDisconnect bool `json:"client_disconnect"`

	CreatedAt time.Time `json:"created_at"`
}
