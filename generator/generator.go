// Package generator drives the final leg of the pipeline: a
// disconnect-aware streaming generation with pre-flight spend reservation,
// post-hoc cost settlement, and cache backfill against a single
// configured LLM backend.
package generator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/cache"
	"github.com/kbgateway/gateway/document"
	"github.com/kbgateway/gateway/llmport"
	"github.com/kbgateway/gateway/spend"
)

// Event is one step of a generation, consumed by the HTTP layer and
// mapped onto its streaming envelope: sources, chunk, metadata, complete,
// or error.
type Event struct {
	Type     string
	Sources  []document.Document
	Chunk    string
	Metadata Metadata
	Err      error
}

// Metadata is the final accounting payload for one generation.
type Metadata struct {
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	FinishReason  string // "stop" | "error" | "client_disconnect"
}

// Metrics mirrors handler/stream.go's StreamMetrics, tracking chunk/byte
// counts and disconnect state for one generation so the caller can log and
// bill accurately even on a partial stream.
type Metrics struct {
	mu               sync.Mutex
	ChunksSent       int
	CharsSent        int
	ClientDisconnect bool
	FinishReason     string
	TotalDuration    time.Duration
}

func (m *Metrics) recordChunk(chunk string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksSent++
	m.CharsSent += len(chunk)
}

func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{ChunksSent: m.ChunksSent, CharsSent: m.CharsSent,
		ClientDisconnect: m.ClientDisconnect, FinishReason: m.FinishReason, TotalDuration: m.TotalDuration}
}

// Request bundles everything the generator needs to run one answer.
type Request struct {
	Identifier  string
	System      string
	Context     string
	History     []llmport.Message
	Query       string
	Sources     []document.Document
	ExactKey    string  // set when the caller wants a T3 cache write
	Vector      []float32 // set when the caller wants a T4 cache write
}

// Generator composes the LLM backend, the spend ledger, and the cache
// hierarchy into one streaming call.
type Generator struct {
	llm    llmport.Generator
	prices *llmport.PriceTable
	tok    *llmport.Tokenizer
	ledger *spend.Ledger
	cache  *cache.Hierarchy
	logger zerolog.Logger
}

func New(llm llmport.Generator, prices *llmport.PriceTable, tok *llmport.Tokenizer, ledger *spend.Ledger, cacheHierarchy *cache.Hierarchy, logger zerolog.Logger) *Generator {
	return &Generator{llm: llm, prices: prices, tok: tok, ledger: ledger, cache: cacheHierarchy,
		logger: logger.With().Str("component", "generator").Logger()}
}

// Stream runs the pre-flight reservation, streams the answer onto the
// returned channel, and settles/caches once the stream ends. The channel
// is closed after the terminal event. ctx cancellation (client disconnect)
// stops the stream promptly and still settles for tokens already sent.
func (g *Generator) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 4)

	go func() {
		defer close(out)

		estimatedTokens := g.tok.EstimateMessages(req.History, req.Query) + g.tok.Estimate(req.Context)
		estimatedCost := g.prices.Cost(g.llm.Model(), estimatedTokens, estimatedTokens/3)

		reservation, reject := g.ledger.Reserve(ctx, req.Identifier, estimatedCost, time.Now())
		if reject != spend.RejectNone {
			out <- Event{Type: "error", Err: spendRejectError(reject)}
			return
		}

		published := document.FilterPublished(req.Sources)
		out <- Event{Type: "sources", Sources: published}

		events, err := g.llm.StreamGenerate(ctx, req.System, req.Context, req.History, req.Query)
		if err != nil {
			g.ledger.Settle(ctx, reservation, 0, 0, 0)
			out <- Event{Type: "error", Err: err}
			return
		}

		metrics := &Metrics{}
		start := time.Now()
		var full []byte
		var usage llmport.Usage

		for {
			select {
			case <-ctx.Done():
				metrics.mu.Lock()
				metrics.ClientDisconnect = true
				metrics.FinishReason = "client_disconnect"
				metrics.TotalDuration = time.Since(start)
				metrics.mu.Unlock()
				md := g.finish(context.Background(), req, reservation, metrics, usage, string(full), published)
				out <- Event{Type: "metadata", Metadata: md}
				out <- Event{Type: "complete"}
				return

			case ev, ok := <-events:
				if !ok {
					metrics.mu.Lock()
					metrics.TotalDuration = time.Since(start)
					metrics.mu.Unlock()
					md := g.finish(context.Background(), req, reservation, metrics, usage, string(full), published)
					out <- Event{Type: "metadata", Metadata: md}
					out <- Event{Type: "complete"}
					return
				}
				if ev.Err != nil {
					metrics.mu.Lock()
					metrics.FinishReason = "error"
					metrics.TotalDuration = time.Since(start)
					metrics.mu.Unlock()
					g.logger.Error().Err(ev.Err).Msg("stream generation error")
					out <- Event{Type: "error", Err: ev.Err}
					g.finish(context.Background(), req, reservation, metrics, usage, string(full), published)
					return
				}
				if ev.Done {
					usage = ev.Usage
					metrics.mu.Lock()
					metrics.FinishReason = "stop"
					metrics.TotalDuration = time.Since(start)
					metrics.mu.Unlock()
					continue
				}
				full = append(full, ev.Chunk...)
				metrics.recordChunk(ev.Chunk)
				out <- Event{Type: "chunk", Chunk: ev.Chunk}
			}
		}
	}()

	return out
}

// finish settles the reservation, backfills the T3/T4 cache tiers — never
// on a disconnected or errored stream, so a partial answer can't be served
// from cache later — and returns the metadata the caller emits.
func (g *Generator) finish(ctx context.Context, req Request, reservation spend.Reservation, metrics *Metrics, usage llmport.Usage, full string, published []document.Document) Metadata {
	snap := metrics.Snapshot()

	inputTokens := g.tok.EstimateMessages(req.History, req.Query) + g.tok.Estimate(req.Context)
	outputTokens := g.tok.Estimate(full)
	if usage.Reported {
		inputTokens = usage.InputTokens
		outputTokens = usage.OutputTokens
	}
	actualCost := g.prices.Cost(g.llm.Model(), inputTokens, outputTokens)

	g.ledger.Settle(ctx, reservation, actualCost, inputTokens, outputTokens)

	if snap.FinishReason == "stop" && full != "" && full != cache.GenericErrorText {
		answer := cache.Answer{Text: full, Sources: published}
		if req.ExactKey != "" {
			g.cache.SetExact(context.Background(), req.ExactKey, answer)
		}
		if len(req.Vector) > 0 {
			g.cache.SetSemantic(context.Background(), req.Vector, answer)
		}
	}

	g.logger.Info().
		Int("chunks_sent", snap.ChunksSent).
		Int("chars_sent", snap.CharsSent).
		Bool("client_disconnected", snap.ClientDisconnect).
		Str("finish_reason", snap.FinishReason).
		Int("input_tokens", inputTokens).
		Int("output_tokens", outputTokens).
		Float64("cost_usd", actualCost).
		Dur("duration", snap.TotalDuration).
		Msg("generation finished")

	return Metadata{InputTokens: inputTokens, OutputTokens: outputTokens, CostUSD: actualCost, FinishReason: snap.FinishReason}
}

func spendRejectError(reason spend.RejectReason) error {
	switch reason {
	case spend.RejectDaily:
		return spendLimitError{msg: "daily spend limit reached", reason: reason}
	case spend.RejectHourly:
		return spendLimitError{msg: "hourly spend limit reached", reason: reason}
	default:
		return spendLimitError{msg: "spend limit reached", reason: reason}
	}
}

type spendLimitError struct {
	msg    string
	reason spend.RejectReason
}

func (e spendLimitError) Error() string { return e.msg }

// SpendReject reports whether err is a spend pre-flight rejection and, if
// so, which window tripped. The HTTP layer uses this to emit the 429
// spend-limit body instead of a streamed error.
func SpendReject(err error) (spend.RejectReason, bool) {
	var e spendLimitError
	if errors.As(err, &e) {
		return e.reason, true
	}
	return spend.RejectNone, false
}
