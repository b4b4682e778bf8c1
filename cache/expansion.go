package cache

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kbgateway/gateway/llmport"
)

// synonymExpansions is the deterministic fallback table used when the LLM
// expansion call fails.
var synonymExpansions = map[string]string{
	"mweb":        "what is mimblewimble extension block",
	"mimblewimble": "what is the mimblewimble extension block",
	"ltc":         "what is litecoin",
	"halving":     "what is the litecoin block reward halving",
	"segwit":      "what is segregated witness",
	"atomicswap":  "what is an atomic swap",
}

// Expander implements the short-query expansion pre-T4 step: for 1-3
// token queries, invoke the LLM to expand to a 5-12 word standalone
// question, cached in an in-process LRU keyed by the lowercased original.
type Expander struct {
	rewriter llmport.Rewriter
	lru      *lru.Cache[string, string]
}

func NewExpander(rewriter llmport.Rewriter, cacheSize int) *Expander {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	c, _ := lru.New[string, string](cacheSize)
	return &Expander{rewriter: rewriter, lru: c}
}

// ShouldExpand reports whether query is a 1-3 token candidate for
// expansion.
func ShouldExpand(query string) bool {
	n := len(strings.Fields(query))
	return n >= 1 && n <= 3
}

// Expand returns a standalone expansion of a short query, preferring a
// cached result, then the LLM, then the deterministic synonym table. An
// LLM expansion is accepted only when it meaningfully differs from the
// input; a trivial echo falls through to the synonym table.
func (e *Expander) Expand(ctx context.Context, query string) string {
	key := strings.ToLower(strings.TrimSpace(query))
	if cached, ok := e.lru.Get(key); ok {
		return cached
	}

	if e.rewriter != nil {
		expanded, err := e.rewriter.ExpandShortQuery(ctx, query)
		if err == nil && meaningfullyDiffers(key, expanded) {
			e.lru.Add(key, expanded)
			return expanded
		}
	}

	if fallback, ok := synonymExpansions[key]; ok {
		e.lru.Add(key, fallback)
		return fallback
	}
	return query
}

func meaningfullyDiffers(original, expanded string) bool {
	expanded = strings.TrimSpace(expanded)
	if expanded == "" {
		return false
	}
	normalizedExpanded := strings.ToLower(expanded)
	if normalizedExpanded == original {
		return false
	}
	words := strings.Fields(expanded)
	return len(words) >= 3
}
