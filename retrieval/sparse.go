package retrieval

import (
	"math"
	"sort"
	"strings"

	"github.com/kbgateway/gateway/document"
)

// sparseRerank recomputes a term-frequency "sparse embedding" for the
// query and the top-R merged candidates, then sorts that prefix by sparse
// cosine similarity, leaving the tail untouched. This is a local, I/O-free
// re-rank — no external sparse-embedding service is needed for
// term-frequency cosine, unlike the dense path's vector search.
func (r *Retriever) sparseRerank(query string, merged []document.Document) []document.Document {
	limit := r.cfg.SparseRerankLimit
	if limit <= 0 || limit >= len(merged) {
		return merged
	}

	queryVec := termFrequency(query)
	prefix := merged[:limit]
	tail := merged[limit:]

	type scored struct {
		doc   document.Document
		score float64
	}
	scoredPrefix := make([]scored, len(prefix))
	for i, d := range prefix {
		scoredPrefix[i] = scored{doc: d, score: sparseCosine(queryVec, termFrequency(d.Content))}
	}
	sort.SliceStable(scoredPrefix, func(i, j int) bool {
		return scoredPrefix[i].score > scoredPrefix[j].score
	})

	out := make([]document.Document, 0, len(merged))
	for _, s := range scoredPrefix {
		out = append(out, s.doc)
	}
	out = append(out, tail...)
	return out
}

// termFrequency builds a bag-of-words vector: lowercased, punctuation
// stripped, stopword-free term counts.
func termFrequency(text string) map[string]float64 {
	vec := make(map[string]float64)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:()[]{}\"'")
		if word == "" || stopwords[word] {
			continue
		}
		vec[word]++
	}
	return vec
}

func sparseCosine(a, b map[string]float64) float64 {
	var dot, normA, normB float64
	for term, va := range a {
		normA += va * va
		if vb, ok := b[term]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "of": true,
	"to": true, "and": true, "in": true, "for": true, "on": true, "what": true,
	"how": true, "does": true, "do": true, "it": true, "this": true, "that": true,
}
