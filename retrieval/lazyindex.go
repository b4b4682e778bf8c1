package retrieval

import (
	"context"
	"sync"
	"time"

	"github.com/kbgateway/gateway/document"
)

// ParentSource loads every non-synthetic chunk carrying a chunk_id from
// the document store. The store itself is an external collaborator; only
// this contract matters here.
type ParentSource interface {
	LoadParentChunks(ctx context.Context) ([]document.Document, error)
}

// LazyParentIndex wraps ParentIndex with lazy loading and periodic
// refresh. Stale reads between ingestion updates are tolerated — the
// resolver already falls back gracefully when a parent is missing.
type LazyParentIndex struct {
	source  ParentSource
	ttl     time.Duration
	mu      sync.Mutex
	idx     *ParentIndex
	loaded  time.Time
	loading bool
}

func NewLazyParentIndex(source ParentSource, ttl time.Duration) *LazyParentIndex {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &LazyParentIndex{source: source, ttl: ttl}
}

// Get returns the current index, loading it on first use and refreshing
// after the TTL. A refresh failure returns the previous index rather than
// an error when one exists.
func (l *LazyParentIndex) Get(ctx context.Context) (*ParentIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := l.idx != nil && time.Since(l.loaded) < l.ttl
	if fresh {
		return l.idx, nil
	}

	chunks, err := l.source.LoadParentChunks(ctx)
	if err != nil {
		if l.idx != nil {
			return l.idx, nil
		}
		return nil, err
	}
	l.idx = NewParentIndex(chunks)
	l.loaded = time.Now()
	return l.idx, nil
}

// Invalidate forces the next Get to reload, used by the admin surface
// after an ingestion run.
func (l *LazyParentIndex) Invalidate() {
	l.mu.Lock()
	l.idx = nil
	l.mu.Unlock()
}
