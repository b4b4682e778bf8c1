// Package retrieval implements the hybrid retriever: parallel dense
// vector + sparse keyword search, merged with sparse-first ordering, an
// optional sparse re-rank pass, and a similarity floor. It also carries
// the parent-document resolver that swaps synthetic question hits for
// their real content chunks.
package retrieval

import (
	"context"
	"errors"
	"sync"

	"github.com/kbgateway/gateway/document"
)

// ErrBothSearchesFailed signals the pipeline should fall back to a
// history-aware retry before giving up.
var ErrBothSearchesFailed = errors.New("retrieval: dense and sparse search both failed")

// DenseSearcher performs vector similarity search.
type DenseSearcher interface {
	Search(ctx context.Context, vector []float32, k int) ([]document.Document, error)
}

// SparseSearcher performs keyword (e.g. BM25) search. K is exposed as a
// field the retriever temporarily mutates, mirroring the Python source's
// in-place retriever.k reassignment.
type SparseSearcher interface {
	Search(ctx context.Context, query string, k int) ([]document.Document, error)
	K() int
	SetK(k int)
}

// Config holds the retriever's tunables.
type Config struct {
	K                 int     // final result size
	MinVectorSimilarity float64
	SparseRerankLimit int // R: top-R merged candidates get sparse re-ranked
	DedupeContentChars int // first N chars of content used for dedup
}

// Retriever runs dense + sparse search in parallel and merges the result.
type Retriever struct {
	dense  DenseSearcher
	sparse SparseSearcher
	cfg    Config
}

func New(dense DenseSearcher, sparse SparseSearcher, cfg Config) *Retriever {
	if cfg.DedupeContentChars == 0 {
		cfg.DedupeContentChars = 200
	}
	return &Retriever{dense: dense, sparse: sparse, cfg: cfg}
}

// Retrieve runs the full hybrid pipeline. query is the rewritten
// standalone query; vector is its dense embedding (may be empty/nil if
// vector search is disabled, in which case dense search is skipped).
func (r *Retriever) Retrieve(ctx context.Context, query string, vector []float32) ([]document.Document, error) {
	twoK := r.cfg.K * 2
	if twoK == 0 {
		twoK = 20
	}

	var denseResults, sparseResults []document.Document
	var denseErr, sparseErr error
	var wg sync.WaitGroup

	if r.dense != nil && len(vector) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			denseResults, denseErr = r.dense.Search(ctx, vector, twoK)
		}()
	} else {
		denseErr = errors.New("retrieval: dense search disabled")
	}

	if r.sparse != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sparseResults, sparseErr = r.searchSparse(ctx, query, twoK)
		}()
	} else {
		sparseErr = errors.New("retrieval: sparse search disabled")
	}

	wg.Wait()

	if denseErr != nil && sparseErr != nil {
		return nil, ErrBothSearchesFailed
	}

	filtered := r.filterBySimilarity(denseResults)
	merged := r.merge(sparseResults, filtered)
	reranked := r.sparseRerank(query, merged)

	if len(reranked) > r.cfg.K && r.cfg.K > 0 {
		reranked = reranked[:r.cfg.K]
	}
	return reranked, nil
}

// searchSparse temporarily mutates the sparse retriever's k for this call
// and restores it afterward — via defer, so a search error still restores
// the original value.
func (r *Retriever) searchSparse(ctx context.Context, query string, k int) ([]document.Document, error) {
	original := r.sparse.K()
	r.sparse.SetK(k)
	defer r.sparse.SetK(original)
	return r.sparse.Search(ctx, query, k)
}

// filterBySimilarity drops dense hits below the floor unless that would
// remove too many results, in which case it keeps the unconditional
// top-K.
func (r *Retriever) filterBySimilarity(dense []document.Document) []document.Document {
	floor := r.cfg.MinVectorSimilarity
	kept := make([]document.Document, 0, len(dense))
	for _, d := range dense {
		if d.Similarity >= floor {
			kept = append(kept, d)
		}
	}
	if len(kept) < r.cfg.K && len(dense) > len(kept) {
		top := r.cfg.K
		if top > len(dense) {
			top = len(dense)
		}
		return dense[:top]
	}
	return kept
}

// merge deduplicates by the first N characters of content, sparse results
// first so exact-term matches outrank semantic near-misses.
func (r *Retriever) merge(sparse, dense []document.Document) []document.Document {
	seen := make(map[string]bool)
	merged := make([]document.Document, 0, len(sparse)+len(dense))
	for _, d := range sparse {
		key := contentKey(d.Content, r.cfg.DedupeContentChars)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, d)
	}
	for _, d := range dense {
		key := contentKey(d.Content, r.cfg.DedupeContentChars)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, d)
	}
	return merged
}

func contentKey(content string, n int) string {
	if len(content) <= n {
		return content
	}
	return content[:n]
}
