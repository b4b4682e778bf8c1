// Package queryrouter decides whether a query depends on conversation
// history and, if so, produces a standalone rewrite. Anchoring always
// builds the router's working input first; the LLM rewrite wins only when
// it determines the query is dependent.
package queryrouter

import (
	"context"
	"strings"

	"github.com/kbgateway/gateway/llmport"
)

var strongPronouns = map[string]bool{
	"it": true, "this": true, "that": true, "they": true, "them": true,
	"former": true, "latter": true, "he": true, "she": true, "its": true,
	"their": true, "those": true, "these": true,
}

var strongPrefixes = []string{"and ", "also ", "what about", "how about", "but ", "so "}

// vocabularyMap maps domain slang/abbreviations to their canonical term,
// appended (not replacing) so both forms remain searchable.
var vocabularyMap = map[string]string{
	"mimblewimble": "mweb",
	"mweb":         "mimblewimble extension block",
	"ltc":          "litecoin",
	"atomic swap":  "cross-chain atomic swap",
}

// Result is the router's decision for one query.
type Result struct {
	IsDependent     bool
	EffectiveQuery  string // what downstream stages (cache T4, retriever) should use
}

// Router decides history-dependence and produces standalone rewrites.
type Router struct {
	rewriter llmport.Rewriter
}

func New(rewriter llmport.Rewriter) *Router {
	return &Router{rewriter: rewriter}
}

// Route runs fast-path detection, the LLM slow path when ambiguous, then
// deterministic anchoring and vocabulary expansion applied to whichever
// candidate wins.
func (r *Router) Route(ctx context.Context, history []llmport.Message, query string) Result {
	fastDependent := fastPathDependent(query)

	// Anchoring always runs first to build the router's working input,
	// per original_source's router_input construction.
	anchored := anchorPronouns(query, history)
	anchored = expandVocabulary(anchored)

	if !fastDependent {
		return Result{IsDependent: false, EffectiveQuery: anchored}
	}

	// Ambiguous/dependent: ask the LLM for a structured rewrite using a
	// short history window of the last two messages.
	window := lastN(history, 2)
	rewrite, err := r.rewriter.RewriteStandalone(ctx, window, query)
	if err != nil || !rewrite.IsDependent || strings.TrimSpace(rewrite.StandaloneQuery) == "" {
		// LLM call failed, or it disagreed the query is dependent: fall
		// back to anchoring-only.
		return Result{IsDependent: fastDependent, EffectiveQuery: anchored}
	}

	return Result{IsDependent: true, EffectiveQuery: expandVocabulary(rewrite.StandaloneQuery)}
}

// fastPathDependent implements the deterministic fast path: a strong
// pronoun anywhere, or a strong prefix, marks the query as dependent.
func fastPathDependent(query string) bool {
	lower := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range strongPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?;:")
		if strongPronouns[word] {
			return true
		}
	}
	return false
}

// anchorPronouns replaces a leading ambiguous pronoun with the most
// recently mentioned entity from history — a crude but deterministic
// recall aid used when the LLM rewrite doesn't apply (Open Question 2).
func anchorPronouns(query string, history []llmport.Message) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return query
	}
	lead := strings.ToLower(strings.Trim(words[0], ".,!?;:"))
	if !strongPronouns[lead] {
		return query
	}
	entity := mostRecentEntity(history)
	if entity == "" {
		return query
	}
	rest := strings.Join(words[1:], " ")
	if rest == "" {
		return entity
	}
	return entity + " " + rest
}

// mostRecentEntity picks the first capitalized token of three or more
// characters from the
// most recent assistant turn as a stand-in for "the entity under
// discussion" — a heuristic, not NER; the LLM rewrite covers the cases
// this misses.
func mostRecentEntity(history []llmport.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "assistant" {
			continue
		}
		for _, word := range strings.Fields(history[i].Content) {
			word = strings.Trim(word, ".,!?;:()")
			if len(word) > 2 && word[0] >= 'A' && word[0] <= 'Z' {
				return word
			}
		}
	}
	return ""
}

// expandVocabulary maps domain synonyms/acronyms to their canonical term,
// appending the canonical form so both surface forms remain in the text
// for retrieval recall.
func expandVocabulary(query string) string {
	lower := strings.ToLower(query)
	var additions []string
	for term, canonical := range vocabularyMap {
		if strings.Contains(lower, term) && !strings.Contains(lower, strings.ToLower(canonical)) {
			additions = append(additions, canonical)
		}
	}
	if len(additions) == 0 {
		return query
	}
	return query + " (" + strings.Join(additions, ", ") + ")"
}

func lastN(history []llmport.Message, n int) []llmport.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
