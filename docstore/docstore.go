// Package docstore adapts the ingestion pipeline's exported corpus to the
// retriever's search contracts. The bulk pipeline (an external
// collaborator) chunks, embeds, and writes the corpus file; this package
// only loads it and serves cosine and keyword lookups from memory.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/kbgateway/gateway/document"
)

// corpusEntry is one line of the exported corpus: a document plus its
// precomputed dense embedding.
type corpusEntry struct {
	Content   string            `json:"page_content"`
	Metadata  document.Metadata `json:"metadata"`
	Embedding []float32         `json:"embedding,omitempty"`
}

// Store holds the loaded corpus and serves every retrieval-side contract:
// dense search, the sparse index, and the parent-chunk source.
type Store struct {
	mu      sync.RWMutex
	docs    []document.Document
	vectors [][]float32
	path    string
}

// Load reads the corpus file. An empty path yields an empty store — the
// gateway still serves cached and FAQ answers without a corpus.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the corpus file, replacing the in-memory set. Called at
// startup and after the ingestion collaborator rewrites the file.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("docstore: read corpus: %w", err)
	}
	var entries []corpusEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("docstore: parse corpus: %w", err)
	}

	docs := make([]document.Document, len(entries))
	vectors := make([][]float32, len(entries))
	for i, e := range entries {
		docs[i] = document.Document{Content: e.Content, Metadata: e.Metadata}
		vectors[i] = e.Embedding
	}

	s.mu.Lock()
	s.docs = docs
	s.vectors = vectors
	s.mu.Unlock()
	return nil
}

// Len reports the number of loaded documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Search implements retrieval.DenseSearcher: cosine similarity against
// the precomputed embeddings, top k, similarity recorded on each hit.
func (s *Store) Search(_ context.Context, vector []float32, k int) ([]document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		idx int
		sim float64
	}
	hits := make([]scored, 0, len(s.docs))
	for i, v := range s.vectors {
		if len(v) == 0 {
			continue
		}
		if sim := cosine(vector, v); sim > 0 {
			hits = append(hits, scored{idx: i, sim: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	out := make([]document.Document, len(hits))
	for i, h := range hits {
		doc := s.docs[h.idx]
		doc.Similarity = h.sim
		out[i] = doc
	}
	return out, nil
}

// LoadParentChunks implements retrieval.ParentSource: every non-synthetic
// chunk carrying a chunk_id.
func (s *Store) LoadParentChunks(_ context.Context) ([]document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]document.Document, 0, len(s.docs))
	for _, d := range s.docs {
		if !d.Metadata.IsSynthetic && d.Metadata.ChunkID != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// SparseIndex implements retrieval.SparseSearcher over the store with
// term-frequency scoring.
type SparseIndex struct {
	store *Store
	mu    sync.Mutex
	k     int
}

func NewSparseIndex(store *Store, k int) *SparseIndex {
	if k <= 0 {
		k = 10
	}
	return &SparseIndex{store: store, k: k}
}

func (idx *SparseIndex) K() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.k
}

func (idx *SparseIndex) SetK(k int) {
	idx.mu.Lock()
	idx.k = k
	idx.mu.Unlock()
}

func (idx *SparseIndex) Search(_ context.Context, query string, k int) ([]document.Document, error) {
	queryTerms := terms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	idx.store.mu.RLock()
	defer idx.store.mu.RUnlock()

	type scored struct {
		idx   int
		score float64
	}
	hits := make([]scored, 0, 32)
	for i, d := range idx.store.docs {
		score := overlapScore(queryTerms, d.Content)
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	out := make([]document.Document, len(hits))
	for i, h := range hits {
		doc := idx.store.docs[h.idx]
		doc.Similarity = h.score
		out[i] = doc
	}
	return out, nil
}

// overlapScore counts query-term occurrences, dampened by document length
// so short focused chunks outrank sprawling ones.
func overlapScore(queryTerms map[string]bool, content string) float64 {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) == 0 {
		return 0
	}
	var matches float64
	for _, w := range fields {
		if queryTerms[strings.Trim(w, ".,!?;:()[]{}\"'")] {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	return matches / math.Sqrt(float64(len(fields)))
}

func terms(query string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:()[]{}\"'")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
