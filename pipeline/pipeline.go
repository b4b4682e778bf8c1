// Package pipeline drives one query through the retrieval-generation
// state machine: sanitize_normalize → route → prechecks → semantic_cache
// → retrieve → resolve_parents, with conditional early exits after the
// precheck and semantic-cache nodes. The spend pre-flight and streaming
// generation sit downstream in the generator; the HTTP handler maps the
// final state onto the SSE envelope.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/cache"
	"github.com/kbgateway/gateway/document"
	"github.com/kbgateway/gateway/llmport"
	"github.com/kbgateway/gateway/queryrouter"
	"github.com/kbgateway/gateway/retrieval"
)

// NoMatchText is the friendly fallback when retrieval finds nothing —
// deliberately distinct from cache.GenericErrorText so the two failure
// modes stay tellable apart in logs and caches.
const NoMatchText = "I couldn't find any relevant content in our knowledge base yet."

// Validation errors surfaced as 422 at the HTTP boundary.
var (
	ErrEmptyQuery   = errors.New("pipeline: empty query")
	ErrQueryTooLong = errors.New("pipeline: query exceeds maximum length")
)

// State is the shared typed state map every node reads and writes.
type State struct {
	RawQuery        string
	SanitizedQuery  string
	NormalizedQuery string

	History         []llmport.Message // truncated to the configured pair count
	RecentUserTurns []string

	IsDependent    bool
	EffectiveQuery string
	Intent         cache.Intent

	// EarlyAnswer terminates the pipeline before generation; FromCache
	// names the tier that produced it ("intent", "faq", "exact",
	// "semantic") for the complete-event's fromCache field.
	EarlyAnswer *cache.Answer
	FromCache   string

	QueryVector      []float32
	ContextDocs      []document.Document
	PublishedSources []document.Document
	ExactKey         string

	NoMatch bool
	Fatal   error
}

// Terminal reports whether a node set an early exit.
func (s *State) Terminal() bool {
	return s.EarlyAnswer != nil || s.Fatal != nil || s.NoMatch
}

// Config holds the driver's tunables.
type Config struct {
	MaxQueryLength      int
	MaxChatHistoryPairs int
	UseVectorSearch     bool // mirrors USE_INFINITY_EMBEDDINGS
}

// Driver composes the stages into the directed graph of the state machine.
type Driver struct {
	cfg       Config
	router    *queryrouter.Router
	expander  *cache.Expander
	caches    *cache.Hierarchy
	embedder  llmport.Embedder
	retriever *retrieval.Retriever
	parents   *retrieval.LazyParentIndex
	logger    zerolog.Logger
}

func NewDriver(cfg Config, router *queryrouter.Router, expander *cache.Expander, caches *cache.Hierarchy, embedder llmport.Embedder, retriever *retrieval.Retriever, parents *retrieval.LazyParentIndex, logger zerolog.Logger) *Driver {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxChatHistoryPairs == 0 {
		cfg.MaxChatHistoryPairs = 2
	}
	return &Driver{
		cfg:       cfg,
		router:    router,
		expander:  expander,
		caches:    caches,
		embedder:  embedder,
		retriever: retriever,
		parents:   parents,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the graph for one query. The returned state is terminal:
// either an early answer, a fatal error, a no-match, or a full context
// ready for generation.
func (d *Driver) Run(ctx context.Context, rawQuery string, history []llmport.Message) *State {
	s := &State{RawQuery: rawQuery}

	d.sanitizeNormalize(s, history)
	if s.Fatal != nil {
		return s
	}

	d.route(ctx, s)

	d.prechecks(ctx, s)
	if s.Terminal() {
		return s
	}

	d.semanticCache(ctx, s)
	if s.Terminal() {
		return s
	}

	d.retrieve(ctx, s)
	if s.Fatal != nil || s.NoMatch {
		return s
	}

	d.resolveParents(ctx, s)
	return s
}

// sanitizeNormalize bounds and cleans the raw text before any other use.
func (d *Driver) sanitizeNormalize(s *State, history []llmport.Message) {
	sanitized := sanitize(s.RawQuery)
	if sanitized == "" {
		s.Fatal = ErrEmptyQuery
		return
	}
	if len(sanitized) > d.cfg.MaxQueryLength {
		s.Fatal = ErrQueryTooLong
		return
	}
	s.SanitizedQuery = sanitized
	s.NormalizedQuery = strings.ToLower(sanitized)
	s.History = truncateToPairs(history, d.cfg.MaxChatHistoryPairs)
	for _, m := range s.History {
		if m.Role == "user" {
			s.RecentUserTurns = append(s.RecentUserTurns, m.Content)
		}
	}
}

func (d *Driver) route(ctx context.Context, s *State) {
	result := d.router.Route(ctx, s.History, s.SanitizedQuery)
	s.IsDependent = result.IsDependent
	s.EffectiveQuery = result.EffectiveQuery
	if s.EffectiveQuery == "" {
		s.EffectiveQuery = s.SanitizedQuery
	}
}

// prechecks runs T1 (intent-static), T2 (FAQ fuzzy), and T3 (exact).
// Intent classification is skipped for history-dependent queries so a
// "thanks" follow-up isn't greeted from cache.
func (d *Driver) prechecks(ctx context.Context, s *State) {
	s.Intent = cache.ClassifyIntent(s.SanitizedQuery, s.IsDependent)

	if answer, ok := d.caches.IntentStaticAnswer(s.Intent); ok {
		s.EarlyAnswer = &answer
		s.FromCache = "intent"
		return
	}

	if answer, ok := d.caches.FAQLookup(s.EffectiveQuery); ok {
		s.EarlyAnswer = &answer
		s.FromCache = "faq"
		return
	}

	// T3 keys on the original query plus effective history, not the
	// rewrite, so two conversation paths only converge on T4.
	s.ExactKey = cache.ExactKey(s.SanitizedQuery, s.RecentUserTurns)
	if answer, ok := d.caches.GetExact(ctx, s.ExactKey); ok {
		s.EarlyAnswer = &answer
		s.FromCache = "exact"
	}
}

// semanticCache runs short-query expansion, embeds the standalone query,
// and consults T4. T4 is skipped when T2 already matched the query class
// — the FAQ answer is fresher and cheaper. (The FAQ hit short-circuits in
// prechecks, so reaching here means T2 missed.)
func (d *Driver) semanticCache(ctx context.Context, s *State) {
	if d.expander != nil && cache.ShouldExpand(s.EffectiveQuery) {
		s.EffectiveQuery = d.expander.Expand(ctx, s.EffectiveQuery)
	}

	if !d.cfg.UseVectorSearch || d.embedder == nil {
		return
	}

	emb, err := d.embedder.Embed(ctx, s.EffectiveQuery)
	if err != nil {
		d.logger.Warn().Err(err).Msg("embedding failed, skipping semantic cache and dense search")
		return
	}
	s.QueryVector = emb.Dense

	if answer, sim, ok := d.caches.GetSemantic(ctx, s.QueryVector); ok {
		d.logger.Debug().Float64("similarity", sim).Msg("semantic cache hit")
		s.EarlyAnswer = &answer
		s.FromCache = "semantic"
	}
}

// retrieve runs the hybrid search. If both legs fail, a single
// history-aware retry re-invokes the router with the full retained
// history before giving up with the no-match answer.
func (d *Driver) retrieve(ctx context.Context, s *State) {
	docs, err := d.retriever.Retrieve(ctx, s.EffectiveQuery, s.QueryVector)
	if errors.Is(err, retrieval.ErrBothSearchesFailed) {
		retryResult := d.router.Route(ctx, s.History, s.SanitizedQuery)
		retryQuery := retryResult.EffectiveQuery
		if retryQuery == "" || retryQuery == s.EffectiveQuery {
			retryQuery = s.SanitizedQuery
		}
		docs, err = d.retriever.Retrieve(ctx, retryQuery, s.QueryVector)
	}
	if err != nil || len(docs) == 0 {
		if err != nil {
			d.logger.Error().Err(err).Msg("retrieval failed")
		}
		s.NoMatch = true
		return
	}
	s.ContextDocs = docs
}

func (d *Driver) resolveParents(ctx context.Context, s *State) {
	idx, err := d.parents.Get(ctx)
	if err != nil {
		// Stale or missing parent map is tolerated: synthetic hits pass
		// through unresolved rather than failing the query.
		d.logger.Warn().Err(err).Msg("parent index unavailable, keeping synthetic hits")
	} else {
		s.ContextDocs = retrieval.ResolveParents(s.ContextDocs, idx, d.logger)
	}
	s.PublishedSources = document.FilterPublished(s.ContextDocs)
}

// ContextBlock renders the resolved documents into the prompt's Context:
// section. Draft documents are included for grounding but never surface
// as sources.
func ContextBlock(docs []document.Document) string {
	var b strings.Builder
	for i, doc := range docs {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		if doc.Metadata.Title != "" {
			b.WriteString(doc.Metadata.Title)
			b.WriteString("\n")
		}
		b.WriteString(doc.Content)
	}
	return b.String()
}

// sanitize strips control characters (keeping newline and tab), collapses
// runs of whitespace, and trims.
func sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(strings.Join(strings.Fields(b.String()), " "))
}

// truncateToPairs keeps the most recent n (user, assistant) pairs,
// preserving order and never splitting a pair.
func truncateToPairs(history []llmport.Message, n int) []llmport.Message {
	max := n * 2
	if len(history) <= max {
		return history
	}
	trimmed := history[len(history)-max:]
	// Don't start mid-pair: drop a leading assistant turn left over from
	// the cut.
	if len(trimmed) > 0 && trimmed[0].Role == "assistant" {
		trimmed = trimmed[1:]
	}
	return trimmed
}
