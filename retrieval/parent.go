package retrieval

import (
	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/document"
)

// ParentIndex is the in-memory map of non-synthetic chunks, keyed by
// chunk_id, loaded from the document store. Loaded lazily; stale reads
// after an ingestion update are tolerated — the resolver falls back to
// the synthetic hit when a parent is missing.
type ParentIndex struct {
	byChunkID map[string]document.Document
}

func NewParentIndex(chunks []document.Document) *ParentIndex {
	idx := &ParentIndex{byChunkID: make(map[string]document.Document, len(chunks))}
	for _, c := range chunks {
		if c.Metadata.ChunkID != "" {
			idx.byChunkID[c.Metadata.ChunkID] = c
		}
	}
	return idx
}

func (p *ParentIndex) Lookup(chunkID string) (document.Document, bool) {
	d, ok := p.byChunkID[chunkID]
	return d, ok
}

// ResolveParents implements the parent-document pattern: a
// synthetic-question hit is swapped for its parent chunk, and the result
// is deduplicated by chunk_id, preserving first-occurrence order, so no
// two returned documents share a chunk_id.
func ResolveParents(docs []document.Document, index *ParentIndex, logger zerolog.Logger) []document.Document {
	seen := make(map[string]bool)
	out := make([]document.Document, 0, len(docs))

	for _, d := range docs {
		resolved := d
		if d.Metadata.IsSynthetic && d.Metadata.ParentChunkID != "" {
			if parent, ok := index.Lookup(d.Metadata.ParentChunkID); ok {
				resolved = parent
			} else {
				logger.Warn().Str("parent_chunk_id", d.Metadata.ParentChunkID).Msg("synthetic hit's parent not found, keeping synthetic as fallback")
			}
		}

		dedupeKey := resolved.Metadata.ChunkID
		if dedupeKey == "" {
			// No chunk_id to dedupe on (e.g. a synthetic fallback with no
			// parent and no chunk_id of its own) — keep it, keyed by
			// content so identical fallbacks still collapse.
			dedupeKey = "content:" + resolved.Content
		}
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true
		out = append(out, resolved)
	}
	return out
}
