package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FAQSource supplies the curated question list the T2 tier matches
// against. In production this is backed by the CMS collaborator; tests
// and small deployments use StaticFAQSource.
type FAQSource interface {
	Questions(ctx context.Context) ([]string, error)
}

// StaticFAQSource serves a fixed question list.
type StaticFAQSource []string

func (s StaticFAQSource) Questions(_ context.Context) ([]string, error) {
	return s, nil
}

// AnswerFunc produces the pre-generated answer for one curated question.
// Wired to the full retrieval+generation pipeline at startup.
type AnswerFunc func(ctx context.Context, question string) (Answer, error)

// FAQRefresher is the background job that keeps T2 populated: on every
// tick it reloads the question list and regenerates any answer that is
// missing or older than the refresh interval.
type FAQRefresher struct {
	hierarchy *Hierarchy
	source    FAQSource
	answer    AnswerFunc
	interval  time.Duration
	logger    zerolog.Logger

	mu          sync.Mutex
	refreshedAt map[int]time.Time
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewFAQRefresher(hierarchy *Hierarchy, source FAQSource, answer AnswerFunc, interval time.Duration, logger zerolog.Logger) *FAQRefresher {
	if interval == 0 {
		interval = 6 * time.Hour
	}
	return &FAQRefresher{
		hierarchy:   hierarchy,
		source:      source,
		answer:      answer,
		interval:    interval,
		logger:      logger.With().Str("component", "faq-refresher").Logger(),
		refreshedAt: make(map[int]time.Time),
	}
}

// Start runs an immediate refresh and then ticks until Stop.
func (j *FAQRefresher) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if err := j.Refresh(ctx); err != nil {
			j.logger.Warn().Err(err).Msg("initial FAQ refresh failed")
		}
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := j.Refresh(ctx); err != nil {
					j.logger.Warn().Err(err).Msg("FAQ refresh failed")
				}
			}
		}
	}()
}

func (j *FAQRefresher) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// Refresh reloads the question list and regenerates stale answers. Also
// invoked directly by the admin surface.
func (j *FAQRefresher) Refresh(ctx context.Context) error {
	questions, err := j.source.Questions(ctx)
	if err != nil {
		return err
	}
	j.hierarchy.SetFAQQuestions(questions)

	if j.answer == nil {
		return nil
	}
	for i, q := range questions {
		j.mu.Lock()
		stale := time.Since(j.refreshedAt[i]) >= j.interval
		j.mu.Unlock()
		if !stale {
			continue
		}
		answer, err := j.answer(ctx, q)
		if err != nil {
			j.logger.Warn().Err(err).Str("question", q).Msg("FAQ answer generation failed, keeping previous")
			continue
		}
		j.hierarchy.SetFAQAnswer(i, answer)
		j.mu.Lock()
		j.refreshedAt[i] = time.Now()
		j.mu.Unlock()
	}
	return nil
}

// Clear empties the T3 and T4 tiers, for the admin clear-cache endpoint.
// T1/T2 are config- and job-populated, so clearing them would only leave
// dead air until the next refresh.
func (h *Hierarchy) Clear(ctx context.Context) error {
	if h.rdb != nil {
		if err := h.rdb.Del(ctx, semanticRedisKey()).Err(); err != nil && err != redis.Nil {
			return err
		}
		var cursor uint64
		for {
			keys, next, err := h.rdb.Scan(ctx, cursor, exactRedisKey("*"), 200).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := h.rdb.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}
	h.exactLRU.Purge()
	h.semanticLRU.purge()
	return nil
}
