package cache

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	lru "github.com/hashicorp/golang-lru/v2"
)

// shardedSemanticStore is the in-process fallback for T4 when
// USE_REDIS_CACHE is false. Semantic lookup scans every live candidate
// (there is no in-process vector index), so a single lock over one large
// LRU becomes a contention point under concurrent cache-miss traffic; the
// same role rendezvous hashing plays in etalazz-vsa's shard picker. Each
// stripe gets its own LRU and mutex, and a write's home stripe is chosen
// by hashing the entry's cache key.
type shardedSemanticStore struct {
	shards map[string]*semanticShard
	picker *rendezvous.Rendezvous
}

type semanticShard struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, semanticEntry]
}

func newShardedSemanticStore(numShards, perShardSize int) *shardedSemanticStore {
	names := make([]string, numShards)
	shards := make(map[string]*semanticShard, numShards)
	for i := 0; i < numShards; i++ {
		names[i] = fmt.Sprintf("shard-%d", i)
		c, _ := lru.New[string, semanticEntry](perShardSize)
		shards[names[i]] = &semanticShard{cache: c}
	}
	return &shardedSemanticStore{
		shards: shards,
		picker: rendezvous.New(names, xxhash.Sum64String),
	}
}

func (s *shardedSemanticStore) shardFor(key string) *semanticShard {
	return s.shards[s.picker.Lookup(key)]
}

func (s *shardedSemanticStore) add(key string, entry semanticEntry) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.cache.Add(key, entry)
}

// all returns every live entry across every stripe, for the brute-force
// cosine scan GetSemantic performs — sharding here only reduces write
// contention, it doesn't partition the search space, since a semantic
// cache key depends on vector similarity rather than stripe membership.
func (s *shardedSemanticStore) all() []semanticEntry {
	var out []semanticEntry
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, key := range shard.cache.Keys() {
			if v, ok := shard.cache.Peek(key); ok {
				out = append(out, v)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

func (s *shardedSemanticStore) purge() {
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.cache.Purge()
		shard.mu.Unlock()
	}
}
