package admission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// settingsKey is the KV location of the admin-tunable abuse-prevention
// settings blob. A stored value overrides the env-derived defaults
// field-by-field; absence means defaults apply unchanged.
const settingsKey = "admin:settings:abuse_prevention"

// Settings is the admin-tunable subset of the gate's Limits. Pointers
// distinguish "not set, keep the default" from an explicit zero.
type Settings struct {
	PerIdentifierPerMinute *int64 `json:"per_identifier_per_minute,omitempty"`
	PerIdentifierPerHour   *int64 `json:"per_identifier_per_hour,omitempty"`
	GlobalPerMinute        *int64 `json:"global_per_minute,omitempty"`
	GlobalPerHour          *int64 `json:"global_per_hour,omitempty"`

	EnableGlobalRateLimit   *bool `json:"enable_global_rate_limit,omitempty"`
	EnableChallengeResponse *bool `json:"enable_challenge_response,omitempty"`
	EnableBotVerification   *bool `json:"enable_bot_verification,omitempty"`
	EnableCostThrottling    *bool `json:"enable_cost_throttling,omitempty"`

	HighCostThresholdUSD *float64 `json:"high_cost_threshold_usd,omitempty"`
	DailyCostLimitUSD    *float64 `json:"daily_cost_limit_usd,omitempty"`

	// CostThrottleOverride forces cost-throttling on outside production,
	// for load-testing the throttle path in staging.
	CostThrottleOverride *bool `json:"cost_throttle_override,omitempty"`
}

// SettingsStore reads the stored blob with a short process-local cache;
// an admin write goes through Put, which invalidates the cache so the
// writing replica observes its own update immediately. Other replicas
// converge within the cache TTL.
type SettingsStore struct {
	rdb      redis.Cmdable
	defaults Limits
	cacheTTL time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	cached    *Settings
	fetchedAt time.Time
}

func NewSettingsStore(rdb redis.Cmdable, defaults Limits, cacheTTL time.Duration, logger zerolog.Logger) *SettingsStore {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &SettingsStore{
		rdb:      rdb,
		defaults: defaults,
		cacheTTL: cacheTTL,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

// Current returns the effective Limits: env defaults overlaid with
// whatever the stored blob sets. A KV read failure keeps the last
// successfully read blob, or the defaults when none has been read —
// admission must keep working through infra faults.
func (s *SettingsStore) Current(ctx context.Context) Limits {
	overrides := s.load(ctx)
	limits := s.defaults
	if overrides == nil {
		return limits
	}
	if v := overrides.PerIdentifierPerMinute; v != nil {
		limits.PerIdentifierPerMinute = *v
	}
	if v := overrides.PerIdentifierPerHour; v != nil {
		limits.PerIdentifierPerHour = *v
	}
	if v := overrides.GlobalPerMinute; v != nil {
		limits.GlobalPerMinute = *v
	}
	if v := overrides.GlobalPerHour; v != nil {
		limits.GlobalPerHour = *v
	}
	if v := overrides.EnableGlobalRateLimit; v != nil {
		limits.EnableGlobalRateLimit = *v
	}
	if v := overrides.EnableChallengeResponse; v != nil {
		limits.EnableChallengeResponse = *v
	}
	if v := overrides.EnableBotVerification; v != nil {
		limits.EnableBotVerification = *v
	}
	if v := overrides.EnableCostThrottling; v != nil {
		limits.EnableCostThrottling = *v
	}
	if v := overrides.HighCostThresholdUSD; v != nil {
		limits.HighCostThresholdUSD = *v
	}
	if v := overrides.DailyCostLimitUSD; v != nil {
		limits.DailyCostLimitUSD = *v
	}
	return limits
}

// CostThrottleOverride reports whether an admin has forced the throttle
// path on regardless of environment.
func (s *SettingsStore) CostThrottleOverride(ctx context.Context) bool {
	overrides := s.load(ctx)
	return overrides != nil && overrides.CostThrottleOverride != nil && *overrides.CostThrottleOverride
}

// Stored returns the raw override blob for the admin GET endpoint (nil
// when nothing is stored).
func (s *SettingsStore) Stored(ctx context.Context) *Settings {
	return s.load(ctx)
}

// Put stores the override blob and invalidates the local cache.
func (s *SettingsStore) Put(ctx context.Context, settings Settings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, settingsKey, b, 0).Err(); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

func (s *SettingsStore) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

func (s *SettingsStore) load(ctx context.Context) *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < s.cacheTTL {
		return s.cached
	}

	val, err := s.rdb.Get(ctx, settingsKey).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("settings read failed, keeping last-known settings")
			return s.cached // keep serving the last-known blob through a blip
		}
		s.cached = nil
		s.fetchedAt = time.Now()
		return nil
	}

	var parsed Settings
	if err := json.Unmarshal([]byte(val), &parsed); err != nil {
		s.logger.Warn().Err(err).Msg("settings blob unparseable, using env defaults")
		s.cached = nil
		s.fetchedAt = time.Now()
		return nil
	}
	s.cached = &parsed
	s.fetchedAt = time.Now()
	return s.cached
}
