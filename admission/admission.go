// Package admission implements the admission gate: the fixed sequence of
// rate limiting, progressive bans, challenge validation, bot
// verification, and cost-throttling every query must clear before the
// state-machine driver runs.
package admission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/atomicx"
	"github.com/kbgateway/gateway/identity"
)

// BanLadder is the fixed progressive-ban duration ladder, indexed by
// violation count.
var BanLadder = []int64{60, 300, 900, 3600}

// RejectKind distinguishes why a request was denied, for the 429/403
// body shape.
type RejectKind int

const (
	Allowed RejectKind = iota
	RejectBanned
	RejectGlobalRateLimit
	RejectIdentifierRateLimit
	RejectChallengeInvalid
	RejectCostThrottle
)

// Decision is the gate's verdict for one request.
type Decision struct {
	Kind             RejectKind
	RetryAfterSeconds int64
	BanExpiresAt      int64
	ViolationCount    int64
	Message          string
	ThrottleReason   string // "window_burst" | "daily_limit", set for RejectCostThrottle
}

func (d Decision) Allowed() bool { return d.Kind == Allowed }

// BotVerifier checks a client-supplied verification token against an
// external provider (e.g. Turnstile). A "fail" verdict or a provider
// error never blocks the request outright — it only tightens the
// rate-limit bucket.
type BotVerifier interface {
	Verify(ctx context.Context, token string) (pass bool, err error)
}

// Limits bundles the admission tunables sourced from config, with any
// stored settings override already applied by the caller, so Gate itself
// stays a pure consumer.
type Limits struct {
	GlobalPerMinute int64
	GlobalPerHour   int64
	PerIdentifierPerMinute int64
	PerIdentifierPerHour   int64
	BotStrictFactor int64 // stricter-bucket divisor applied on bot-verify failure

	EnableGlobalRateLimit   bool
	EnableChallengeResponse bool
	EnableBotVerification   bool
	EnableCostThrottling    bool

	ChallengeRateLimitWindowSeconds int64

	CostThrottleWindowSeconds int64
	HighCostThresholdUSD      float64
	DailyCostLimitUSD         float64
	CostThrottleDurationSec   int64
}

// Gate applies the fixed admission sequence.
type Gate struct {
	engine *atomicx.Engine
	bot    BotVerifier
	logger zerolog.Logger
}

func NewGate(engine *atomicx.Engine, bot BotVerifier, logger zerolog.Logger) *Gate {
	return &Gate{engine: engine, bot: bot, logger: logger.With().Str("component", "admission").Logger()}
}

// Admit runs the gate sequence: progressive ban, global windows,
// per-identifier windows, challenge consumption, cost throttle. CORS
// preflight requests never reach this — the HTTP layer short-circuits
// them first. Bot verification runs separately via VerifyBot since its
// verdict adjusts the limits Admit is handed.
func (g *Gate) Admit(ctx context.Context, id identity.Identity, limits Limits, estimatedCostUSD float64, now time.Time, isAdminPath, isQueryEndpoint, isProduction, adminOverride bool) Decision {
	nowUnix := now.Unix()

	// Progressive ban, keyed on IP (not fingerprint) so rotating
	// challenges can't shake it off.
	if banExpiry, banned := g.engine.CheckProgressiveBan(ctx, "chat", id.IP); banned {
		return Decision{Kind: RejectBanned, RetryAfterSeconds: banExpiry - nowUnix, BanExpiresAt: banExpiry,
			Message: "too many rate-limit violations; temporarily banned"}
	}

	// Global sliding window (minute, then hour), skipped for admin. The
	// member must be unique per request: a shared member would collapse
	// into the idempotent-refresh path and pin the global count at 1.
	// Only the per-identifier windows dedupe on the fingerprint.
	if limits.EnableGlobalRateLimit && !isAdminPath {
		member := globalMember(nowUnix)
		if d, rejected := g.checkWindow(ctx, "rl:global:m", 60, limits.GlobalPerMinute, member, nowUnix); rejected {
			return d
		}
		if d, rejected := g.checkWindow(ctx, "rl:global:h", 3600, limits.GlobalPerHour, member, nowUnix); rejected {
			return d
		}
	}

	// Per-identifier sliding window, idempotency key = full
	// fingerprint. Rejection increments the IP violation counter and bans.
	perMinuteLimit := limits.PerIdentifierPerMinute
	perHourLimit := limits.PerIdentifierPerHour
	if d, rejected := g.checkIdentifierWindow(ctx, id, perMinuteLimit, 60, nowUnix); rejected {
		return d
	}
	if d, rejected := g.checkIdentifierWindow(ctx, id, perHourLimit, 3600, nowUnix); rejected {
		return d
	}

	// Challenge validation.
	if limits.EnableChallengeResponse {
		if id.ChallengeID == "" {
			return Decision{Kind: RejectChallengeInvalid, Message: "missing challenge"}
		}
		status, err := g.engine.ConsumeChallenge(ctx, id.ChallengeID, id.StableIdentifier)
		if err != nil {
			g.logger.Warn().Err(err).Msg("challenge consume failed open")
		} else if status != atomicx.ChallengeConsumed {
			return Decision{Kind: RejectChallengeInvalid, Message: "invalid or expired challenge"}
		}
	}

	// Cost-throttle, query endpoints only.
	if limits.EnableCostThrottling && isQueryEndpoint && (isProduction || adminOverride) {
		windowKey := fmt.Sprintf("llm:cost:recent:%s", id.StableIdentifier)
		dailyKey := fmt.Sprintf("llm:cost:daily:%s:%s", id.StableIdentifier, now.UTC().Format("2006-01-02"))
		throttleKey := fmt.Sprintf("llm:throttle:%s", id.StableIdentifier)
		member := fmt.Sprintf("%d:%f", nowUnix, estimatedCostUSD)

		result := g.engine.CostThrottle(ctx, windowKey, dailyKey, throttleKey, nowUnix,
			limits.CostThrottleWindowSeconds, estimatedCostUSD, limits.HighCostThresholdUSD,
			limits.DailyCostLimitUSD, limits.CostThrottleDurationSec, member, int64((48 * time.Hour).Seconds()))

		switch result.Status {
		case atomicx.CostThrottleAlreadyThrottled, atomicx.CostThrottleWindowExceeded:
			return Decision{Kind: RejectCostThrottle, RetryAfterSeconds: result.RetryAfterSeconds,
				ThrottleReason: "window_burst", Message: "too many high-cost queries recently, please slow down"}
		case atomicx.CostThrottleDailyExceeded:
			return Decision{Kind: RejectCostThrottle, RetryAfterSeconds: result.RetryAfterSeconds,
				ThrottleReason: "daily_limit", Message: "daily cost budget exceeded for this client"}
		}
	}

	return Decision{Kind: Allowed}
}

// VerifyBot resolves the bot-verification verdict: a failed or errored check
// applies a stricter rate-limit bucket rather than blocking. Returns the
// divisor to apply to the per-identifier limits for this request.
func (g *Gate) VerifyBot(ctx context.Context, token string, limits Limits) int64 {
	if !limits.EnableBotVerification || g.bot == nil {
		return 1
	}
	pass, err := g.bot.Verify(ctx, token)
	if err != nil || !pass {
		if err != nil {
			g.logger.Warn().Err(err).Msg("bot verification provider error, applying stricter rate limit")
		}
		if limits.BotStrictFactor > 1 {
			return limits.BotStrictFactor
		}
		return 10
	}
	return 1
}

func (g *Gate) checkWindow(ctx context.Context, bucketKey string, windowSeconds, limit int64, idempotencyKey string, now int64) (Decision, bool) {
	result := g.engine.SlidingWindowAdmit(ctx, bucketKey, now, windowSeconds, limit, idempotencyKey, windowSeconds+60)
	if !result.Allowed {
		retryAfter := windowSeconds - (now - result.OldestScore)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Kind: RejectGlobalRateLimit, RetryAfterSeconds: retryAfter, Message: "global rate limit exceeded"}, true
	}
	return Decision{}, false
}

func (g *Gate) checkIdentifierWindow(ctx context.Context, id identity.Identity, limit, windowSeconds, now int64) (Decision, bool) {
	bucket := fmt.Sprintf("rl:chat:%s:%s", id.StableIdentifier, windowLabel(windowSeconds))
	idemKey := id.FullFingerprint
	if idemKey == "" {
		idemKey = id.IP
	}
	result := g.engine.SlidingWindowAdmit(ctx, bucket, now, windowSeconds, limit, idemKey, windowSeconds+60)
	if result.Allowed {
		return Decision{}, false
	}

	duration, violations := g.engine.RecordViolationAndBan(ctx, "chat", id.IP, BanLadder, now)
	retryAfter := windowSeconds - (now - result.OldestScore)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Kind:              RejectIdentifierRateLimit,
		RetryAfterSeconds: retryAfter,
		BanExpiresAt:      now + duration,
		ViolationCount:    violations,
		Message:           "rate limit exceeded",
	}, true
}

func windowLabel(seconds int64) string {
	if seconds <= 60 {
		return "m"
	}
	return "h"
}

// globalMember builds a unique sliding-window member for the shared
// global buckets: timestamp plus random suffix, so every request
// consumes one slot.
func globalMember(now int64) string {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Sprintf("%d:%d", now, time.Now().UnixNano())
	}
	return fmt.Sprintf("%d:%s", now, hex.EncodeToString(suffix[:]))
}
