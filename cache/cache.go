// Package cache implements the four-tier answer cache: T1 intent-static,
// T2 FAQ fuzzy-match, T3 exact, T4 semantic-vector. Every tier is modeled
// as the same small capability set (get/set) consulted in a fixed order
// rather than runtime polymorphism, since the tiers differ only in key
// shape and storage.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/document"
)

// GenericErrorText is the canonical "something went wrong" answer. It
// must never be written to cache and is treated as a miss if somehow
// read back.
const GenericErrorText = "I encountered an error while processing your query. Please try again or rephrase your question."

// Answer is what every tier stores and returns.
type Answer struct {
	Text    string              `json:"text"`
	Sources []document.Document `json:"sources"`
}

func (a Answer) cacheable() bool {
	return a.Text != "" && a.Text != GenericErrorText
}

// Config holds the tunables the hierarchy needs from the gateway config.
type Config struct {
	UseRedisCache     bool
	UseFAQIndexing    bool
	MinVectorSimilarity float64
	FAQMatchThreshold int
	ExactTTL          time.Duration
	SemanticTTL       time.Duration
	SemanticMaxCandidates int // bounded list size per semantic namespace
	InProcessExactSize    int
	InProcessSemanticSize int
	IntentStaticAnswers map[Intent]string
}

// Hierarchy composes the four tiers behind one entry point. Open Question
// 1 (legacy in-memory vs vector-KV semantic cache) is resolved by treating
// T3/T4 as a single logical tier with one backend selected at startup via
// UseRedisCache — never both live for the same key.
type Hierarchy struct {
	cfg    Config
	logger zerolog.Logger
	rdb    redis.Cmdable // nil when UseRedisCache is false

	exactLRU    *lru.Cache[string, Answer]
	semanticLRU *shardedSemanticStore

	faqQuestions []string
	faqAnswers   map[int]Answer // background-refreshed, index into faqQuestions
}

func New(cfg Config, logger zerolog.Logger, rdb redis.Cmdable) *Hierarchy {
	if cfg.ExactTTL == 0 {
		cfg.ExactTTL = time.Hour
	}
	if cfg.SemanticTTL == 0 {
		cfg.SemanticTTL = 72 * time.Hour
	}
	if cfg.SemanticMaxCandidates == 0 {
		cfg.SemanticMaxCandidates = 500
	}
	if cfg.InProcessExactSize == 0 {
		cfg.InProcessExactSize = 2000
	}
	if cfg.InProcessSemanticSize == 0 {
		cfg.InProcessSemanticSize = 2000
	}

	h := &Hierarchy{
		cfg:        cfg,
		logger:     logger.With().Str("component", "cache").Logger(),
		faqAnswers: make(map[int]Answer),
	}
	if cfg.UseRedisCache {
		h.rdb = rdb
	} else {
		exactLRU, _ := lru.New[string, Answer](cfg.InProcessExactSize)
		h.exactLRU = exactLRU
		h.semanticLRU = newShardedSemanticStore(8, cfg.InProcessSemanticSize)
	}
	return h
}

// SetFAQQuestions installs (or replaces) the curated question list the
// background job maintains. Called at startup and whenever the job
// refreshes the corpus.
func (h *Hierarchy) SetFAQQuestions(questions []string) {
	h.faqQuestions = questions
}

// SetFAQAnswer records the pre-generated answer for a curated question,
// called by the background FAQ-answer job.
func (h *Hierarchy) SetFAQAnswer(index int, answer Answer) {
	if !answer.cacheable() {
		return
	}
	answer.Sources = document.FilterPublished(answer.Sources)
	h.faqAnswers[index] = answer
}

// ExactKey computes T3's key: MD5 of the normalized query plus the
// deduplicated recent user turns from history.
func ExactKey(query string, recentUserTurns []string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	dedup := dedupeStrings(recentUserTurns)
	h := md5.New()
	h.Write([]byte(normalized))
	for _, turn := range dedup {
		h.Write([]byte("\x00"))
		h.Write([]byte(strings.ToLower(strings.TrimSpace(turn))))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(strings.TrimSpace(s))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// Intent-static (T1): answers are static config, no storage needed.

func (h *Hierarchy) IntentStaticAnswer(intent Intent) (Answer, bool) {
	if intent == IntentNone {
		return Answer{}, false
	}
	text, ok := h.cfg.IntentStaticAnswers[intent]
	if !ok {
		return Answer{}, false
	}
	return Answer{Text: text}, true
}

// FAQ (T2): fuzzy-match the query against the curated list; on a match,
// return the background-refreshed answer if one exists yet.
func (h *Hierarchy) FAQLookup(query string) (Answer, bool) {
	if !h.cfg.UseFAQIndexing || len(h.faqQuestions) == 0 {
		return Answer{}, false
	}
	match, ok := FuzzyBestMatch(query, h.faqQuestions, h.cfg.FAQMatchThreshold)
	if !ok {
		return Answer{}, false
	}
	answer, ok := h.faqAnswers[match.Index]
	if !ok {
		return Answer{}, false
	}
	return answer, true
}

// Exact (T3): MD5(query, history) -> answer. Cache writes are best-effort:
// a storage failure never fails the request.
func (h *Hierarchy) GetExact(ctx context.Context, key string) (Answer, bool) {
	if h.rdb != nil {
		val, err := h.rdb.Get(ctx, exactRedisKey(key)).Result()
		if err != nil {
			if err != redis.Nil {
				h.logger.Debug().Err(err).Msg("exact cache get failed")
			}
			return Answer{}, false
		}
		var ans Answer
		if err := json.Unmarshal([]byte(val), &ans); err != nil {
			return Answer{}, false
		}
		if !ans.cacheable() {
			return Answer{}, false
		}
		return ans, true
	}
	ans, ok := h.exactLRU.Get(key)
	if !ok || !ans.cacheable() {
		return Answer{}, false
	}
	return ans, true
}

func (h *Hierarchy) SetExact(ctx context.Context, key string, answer Answer) {
	if !answer.cacheable() {
		return
	}
	answer.Sources = document.FilterPublished(answer.Sources)
	if h.rdb != nil {
		b, err := json.Marshal(answer)
		if err != nil {
			return
		}
		if err := h.rdb.Set(ctx, exactRedisKey(key), b, h.cfg.ExactTTL).Err(); err != nil {
			h.logger.Debug().Err(err).Msg("exact cache set failed")
		}
		return
	}
	h.exactLRU.Add(key, answer)
}

func exactRedisKey(key string) string { return "cache:exact:" + key }

// Semantic (T4): keyed on the rewritten standalone query's dense vector,
// matched by cosine similarity against a bounded candidate list. The
// caller skips this tier when T2 (FAQ) already matched the query class —
// the curated answer is fresher than a stale semantic neighbor.
type semanticEntry struct {
	Vector []float32 `json:"vector"`
	Answer Answer    `json:"answer"`
}

func (h *Hierarchy) GetSemantic(ctx context.Context, vector []float32) (Answer, float64, bool) {
	candidates := h.semanticCandidates(ctx)
	var best semanticEntry
	var bestSim float64 = -1
	for _, c := range candidates {
		sim := cosineSimilarity32(vector, c.Vector)
		if sim > bestSim {
			bestSim = sim
			best = c
		}
	}
	if bestSim >= h.cfg.MinVectorSimilarity && best.Answer.cacheable() {
		return best.Answer, bestSim, true
	}
	return Answer{}, bestSim, false
}

func (h *Hierarchy) semanticCandidates(ctx context.Context) []semanticEntry {
	if h.rdb != nil {
		vals, err := h.rdb.LRange(ctx, semanticRedisKey(), 0, -1).Result()
		if err != nil {
			h.logger.Debug().Err(err).Msg("semantic cache scan failed")
			return nil
		}
		out := make([]semanticEntry, 0, len(vals))
		for _, v := range vals {
			var e semanticEntry
			if err := json.Unmarshal([]byte(v), &e); err == nil {
				out = append(out, e)
			}
		}
		return out
	}
	return h.semanticLRU.all()
}

func (h *Hierarchy) SetSemantic(ctx context.Context, vector []float32, answer Answer) {
	if !answer.cacheable() {
		return
	}
	answer.Sources = document.FilterPublished(answer.Sources)
	entry := semanticEntry{Vector: vector, Answer: answer}

	if h.rdb != nil {
		b, err := json.Marshal(entry)
		if err != nil {
			return
		}
		key := semanticRedisKey()
		pipe := h.rdb.TxPipeline()
		pipe.LPush(ctx, key, b)
		pipe.LTrim(ctx, key, 0, int64(h.cfg.SemanticMaxCandidates-1))
		pipe.Expire(ctx, key, h.cfg.SemanticTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			h.logger.Debug().Err(err).Msg("semantic cache set failed")
		}
		return
	}
	h.semanticLRU.add(fmt.Sprintf("%v", vector[:min(4, len(vector))]), entry)
}

func semanticRedisKey() string { return "cache:semantic:default" }

func cosineSimilarity32(a, b []float32) float64 {
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
