// Package atomicx executes the gateway's packaged Redis Lua scripts: the
// correctness anchor for admission control and spend accounting. No
// component outside this package may mutate admission or spend keys —
// every mutation goes through one of these scripts so concurrent callers
// observe a consistent count or total.
package atomicx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// slidingWindowLua implements the sliding-window admit algorithm: prune
// stale entries, treat a repeated idempotency key as a no-op refresh
// (the double-click guarantee), otherwise admit if under limit.
const slidingWindowLua = `
local bucket_key = KEYS[1]
local now = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local idempotency_key = ARGV[4]
local expire_seconds = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', bucket_key, 0, now - window_seconds)

local existing = redis.call('ZSCORE', bucket_key, idempotency_key)
if existing then
  redis.call('ZADD', bucket_key, now, idempotency_key)
  redis.call('EXPIRE', bucket_key, expire_seconds)
  local count = redis.call('ZCARD', bucket_key)
  return {1, count, 0}
end

local count = redis.call('ZCARD', bucket_key)
if count >= limit then
  local oldest = redis.call('ZRANGE', bucket_key, 0, 0, 'WITHSCORES')
  local oldest_score = 0
  if oldest[2] then
    oldest_score = tonumber(oldest[2])
  end
  return {0, count, oldest_score}
end

redis.call('ZADD', bucket_key, now, idempotency_key)
redis.call('EXPIRE', bucket_key, expire_seconds)
return {1, count + 1, 0}
`

// checkAndReserveSpendLua atomically checks both counters against their
// limits and, only if both pass, increments both by the buffered estimate.
const checkAndReserveSpendLua = `
local daily_key = KEYS[1]
local hourly_key = KEYS[2]
local buffered_cost = tonumber(ARGV[1])
local daily_limit = tonumber(ARGV[2])
local hourly_limit = tonumber(ARGV[3])
local daily_ttl = tonumber(ARGV[4])
local hourly_ttl = tonumber(ARGV[5])

local daily_current = tonumber(redis.call('GET', daily_key) or '0')
local hourly_current = tonumber(redis.call('GET', hourly_key) or '0')

if daily_current + buffered_cost >= daily_limit then
  return {1, tostring(daily_current), tostring(hourly_current)}
end
if hourly_current + buffered_cost >= hourly_limit then
  return {2, tostring(daily_current), tostring(hourly_current)}
end

local daily_after = redis.call('INCRBYFLOAT', daily_key, buffered_cost)
redis.call('EXPIRE', daily_key, daily_ttl)
local hourly_after = redis.call('INCRBYFLOAT', hourly_key, buffered_cost)
redis.call('EXPIRE', hourly_key, hourly_ttl)

return {0, tostring(daily_after), tostring(hourly_after)}
`

// adjustSpendLua applies the post-hoc (actual - reserved) delta to both cost
// counters and increments the token hash fields. cost_delta may be negative.
const adjustSpendLua = `
local daily_cost_key = KEYS[1]
local hourly_cost_key = KEYS[2]
local daily_tok_key = KEYS[3]
local hourly_tok_key = KEYS[4]

local cost_delta = tonumber(ARGV[1])
local input_tokens = tonumber(ARGV[2])
local output_tokens = tonumber(ARGV[3])
local daily_ttl = tonumber(ARGV[4])
local hourly_ttl = tonumber(ARGV[5])

redis.call('INCRBYFLOAT', daily_cost_key, cost_delta)
redis.call('EXPIRE', daily_cost_key, daily_ttl)
redis.call('INCRBYFLOAT', hourly_cost_key, cost_delta)
redis.call('EXPIRE', hourly_cost_key, hourly_ttl)

redis.call('HINCRBY', daily_tok_key, 'input', input_tokens)
redis.call('HINCRBY', daily_tok_key, 'output', output_tokens)
redis.call('EXPIRE', daily_tok_key, daily_ttl)
redis.call('HINCRBY', hourly_tok_key, 'input', input_tokens)
redis.call('HINCRBY', hourly_tok_key, 'output', output_tokens)
redis.call('EXPIRE', hourly_tok_key, hourly_ttl)

return 'OK'
`

// costThrottleLua ported from the original service's lua_scripts.py.
const costThrottleLua = `
local function extract_cost(member_str)
    local last_colon_pos = 0
    local pos = 1
    while true do
        local colon_pos = string.find(member_str, ':', pos, true)
        if colon_pos then
            last_colon_pos = colon_pos
            pos = colon_pos + 1
        else
            break
        end
    end
    if last_colon_pos > 0 then
        local cost_str = string.sub(member_str, last_colon_pos + 1)
        return tonumber(cost_str)
    else
        return tonumber(member_str)
    end
end

local cost_key = KEYS[1]
local daily_cost_key = KEYS[2]
local throttle_marker_key = KEYS[3]

local now = tonumber(ARGV[1])
local window_seconds = tonumber(ARGV[2])
local estimated_cost = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local daily_limit = tonumber(ARGV[5])
local throttle_duration = tonumber(ARGV[6])
local unique_member = ARGV[7]
local daily_ttl = tonumber(ARGV[8])

local throttle_ttl = redis.call('TTL', throttle_marker_key)
if throttle_ttl > 0 then
    return {1, throttle_ttl}
elseif throttle_ttl == -1 then
    redis.call('DEL', throttle_marker_key)
end

local cutoff = now - window_seconds
redis.call('ZREMRANGEBYSCORE', cost_key, 0, cutoff)

local all_costs = redis.call('ZRANGE', cost_key, 0, -1, 'WITHSCORES')
local total_cost_in_window = 0.0
for i = 1, #all_costs, 2 do
    local cost_value = extract_cost(tostring(all_costs[i]))
    if cost_value and cost_value > 0 then
        total_cost_in_window = total_cost_in_window + cost_value
    end
end

local daily_costs = redis.call('ZRANGE', daily_cost_key, 0, -1, 'WITHSCORES')
local total_daily_cost = 0.0
for i = 1, #daily_costs, 2 do
    local cost_value = extract_cost(tostring(daily_costs[i]))
    if cost_value and cost_value > 0 then
        total_daily_cost = total_daily_cost + cost_value
    end
end

local new_daily_cost = total_daily_cost + estimated_cost
if new_daily_cost >= daily_limit then
    redis.call('SETEX', throttle_marker_key, throttle_duration * 2, now)
    return {2, throttle_duration * 2}
end

local new_total_cost = total_cost_in_window + estimated_cost
if new_total_cost >= threshold then
    redis.call('SETEX', throttle_marker_key, throttle_duration, now)
    return {3, throttle_duration}
end

redis.call('ZADD', cost_key, now, unique_member)
redis.call('EXPIRE', cost_key, window_seconds + 60)
redis.call('ZADD', daily_cost_key, now, unique_member)
redis.call('EXPIRE', daily_cost_key, daily_ttl)

return {0, 0}
`

// recordCostLua ported from the original service's lua_scripts.py.
const recordCostLua = `
local cost_key = KEYS[1]
local daily_cost_key = KEYS[2]

local now = tonumber(ARGV[1])
local unique_member = ARGV[2]
local window_ttl = tonumber(ARGV[3])
local daily_ttl = tonumber(ARGV[4])

redis.call('ZADD', cost_key, now, unique_member)
redis.call('EXPIRE', cost_key, window_ttl)
redis.call('ZADD', daily_cost_key, now, unique_member)
redis.call('EXPIRE', daily_cost_key, daily_ttl)

return 0
`

// mintChallengeLua ports challenge.py's generate_challenge: rate-limit with
// smart reuse, ban check, active-set capacity check, then mint.
const mintChallengeLua = `
local active_key = KEYS[1]
local ratelimit_key = KEYS[2]
local ban_key = KEYS[3]
local violations_key = KEYS[4]
local challenge_key = KEYS[5]

local now = tonumber(ARGV[1])
local challenge_ttl = tonumber(ARGV[2])
local rate_limit_seconds = tonumber(ARGV[3])
local max_active = tonumber(ARGV[4])
local new_challenge_id = ARGV[5]
local identifier = ARGV[6]
local durations_csv = ARGV[7]

redis.call('ZREMRANGEBYSCORE', active_key, 0, now - challenge_ttl)

local last = redis.call('GET', ratelimit_key)
if last then
  local since = now - tonumber(last)
  if since < rate_limit_seconds then
    local recent = redis.call('ZRANGE', active_key, -1, -1, 'WITHSCORES')
    if recent[1] then
      local existing_id = recent[1]
      local existing_expiry = tonumber(recent[2])
      local created_at = existing_expiry - challenge_ttl
      local reuse_window = rate_limit_seconds + 2
      if (now - created_at) < reuse_window then
        return {0, existing_id, existing_expiry - now}
      end
    end
    return {1, tostring(rate_limit_seconds - since), '0'}
  end
end

redis.call('SET', ratelimit_key, now, 'EX', rate_limit_seconds + 1)

local ban_expiry = redis.call('GET', ban_key)
if ban_expiry then
  if tonumber(ban_expiry) > now then
    local violation = tonumber(redis.call('GET', violations_key) or '1')
    return {2, ban_expiry, tostring(violation)}
  else
    redis.call('DEL', ban_key)
  end
end

local active_count = redis.call('ZCARD', active_key)
if active_count >= max_active then
  local violation_count = redis.call('INCR', violations_key)
  redis.call('EXPIRE', violations_key, 3600)

  local durations = {}
  for d in string.gmatch(durations_csv, '([^,]+)') do
    table.insert(durations, tonumber(d))
  end
  local idx = violation_count
  if idx > #durations then idx = #durations end
  if idx < 1 then idx = 1 end
  local ban_duration = durations[idx]
  local new_ban_expiry = now + ban_duration

  redis.call('SET', ban_key, new_ban_expiry, 'EX', ban_duration)
  return {3, tostring(ban_duration), tostring(new_ban_expiry), tostring(violation_count)}
end

if redis.call('EXISTS', violations_key) == 1 and redis.call('EXISTS', ban_key) == 0 then
  redis.call('DEL', violations_key)
end

redis.call('SET', challenge_key, identifier, 'EX', challenge_ttl)
redis.call('ZADD', active_key, now + challenge_ttl, new_challenge_id)
redis.call('EXPIRE', active_key, challenge_ttl + 60)

return {0, new_challenge_id, tostring(challenge_ttl)}
`

// consumeChallengeLua ports challenge.py's validate_and_consume_challenge.
const consumeChallengeLua = `
local challenge_key = KEYS[1]
local active_key = KEYS[2]
local identifier = ARGV[1]
local challenge_id = ARGV[2]

local stored = redis.call('GET', challenge_key)
if not stored then
  return {1}
end
if stored ~= identifier then
  return {2}
end

redis.call('DEL', challenge_key)
redis.call('ZREM', active_key, challenge_id)
return {0}
`

// redisClient is the command surface Engine needs: Lua script execution
// plus the handful of plain atomic primitives (GET/SET/INCR/EXPIRE/DEL)
// used for ban bookkeeping, where a single command is already atomic and a
// Lua script would add nothing. *redis.Client satisfies this directly.
type redisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Engine loads and invokes the packaged scripts against the shared KV
// store. redis.Script.Run transparently falls back from EVALSHA to EVAL on
// a NOSCRIPT miss, so callers never see cache-eviction errors.
type Engine struct {
	rdb    redisClient
	logger zerolog.Logger

	slidingWindow      *redis.Script
	checkReserveSpend  *redis.Script
	adjustSpend        *redis.Script
	costThrottle       *redis.Script
	recordCost         *redis.Script
	mintChallenge      *redis.Script
	consumeChallenge   *redis.Script
}

// NewEngine constructs an Engine, compiling every script up front. rdb
// accepts anything satisfying redisClient, so a fake can stand in for
// tests without a running Redis instance.
func NewEngine(rdb redisClient, logger zerolog.Logger) *Engine {
	return &Engine{
		rdb:               rdb,
		logger:            logger.With().Str("component", "atomicx").Logger(),
		slidingWindow:     redis.NewScript(slidingWindowLua),
		checkReserveSpend: redis.NewScript(checkAndReserveSpendLua),
		adjustSpend:       redis.NewScript(adjustSpendLua),
		costThrottle:      redis.NewScript(costThrottleLua),
		recordCost:        redis.NewScript(recordCostLua),
		mintChallenge:     redis.NewScript(mintChallengeLua),
		consumeChallenge:  redis.NewScript(consumeChallengeLua),
	}
}

// SlidingWindowResult is the outcome of one admit call.
type SlidingWindowResult struct {
	Allowed     bool
	Count       int64
	OldestScore int64
}

// SlidingWindowAdmit runs the sliding-window admit script. On any KV-store
// error it fails open (allowed=true) and logs a warning, per the admission
// layer's fail-open policy.
func (e *Engine) SlidingWindowAdmit(ctx context.Context, bucketKey string, now, windowSeconds, limit int64, idempotencyKey string, expireSeconds int64) SlidingWindowResult {
	res, err := e.slidingWindow.Run(ctx, e.rdb, []string{bucketKey}, now, windowSeconds, limit, idempotencyKey, expireSeconds).Result()
	if err != nil {
		e.logger.Warn().Err(err).Str("bucket", bucketKey).Msg("sliding window admit failed open")
		return SlidingWindowResult{Allowed: true, Count: 1}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		e.logger.Warn().Str("bucket", bucketKey).Msg("sliding window admit returned unexpected shape, failing open")
		return SlidingWindowResult{Allowed: true, Count: 1}
	}
	return SlidingWindowResult{
		Allowed:     toInt64(vals[0]) == 1,
		Count:       toInt64(vals[1]),
		OldestScore: toInt64(vals[2]),
	}
}

// SpendReserveStatus enumerates check-and-reserve-spend outcomes.
type SpendReserveStatus int

const (
	SpendReserveAllowed SpendReserveStatus = iota
	SpendReserveDailyExceeded
	SpendReserveHourlyExceeded
)

// SpendReserveResult is the outcome of a check-and-reserve-spend call.
type SpendReserveResult struct {
	Status      SpendReserveStatus
	DailyTotal  float64
	HourlyTotal float64
}

// CheckAndReserveSpend runs the check-and-reserve-spend script. On error it
// fails open, reserving nothing, and the caller is expected to allow the
// request once while relying on the post-hoc adjustment for correctness.
func (e *Engine) CheckAndReserveSpend(ctx context.Context, dailyKey, hourlyKey string, bufferedCost, dailyLimit, hourlyLimit float64, dailyTTL, hourlyTTL int64) SpendReserveResult {
	res, err := e.checkReserveSpend.Run(ctx, e.rdb, []string{dailyKey, hourlyKey}, bufferedCost, dailyLimit, hourlyLimit, dailyTTL, hourlyTTL).Result()
	if err != nil {
		e.logger.Warn().Err(err).Msg("check-and-reserve-spend failed open")
		return SpendReserveResult{Status: SpendReserveAllowed}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		e.logger.Warn().Msg("check-and-reserve-spend returned unexpected shape, failing open")
		return SpendReserveResult{Status: SpendReserveAllowed}
	}
	return SpendReserveResult{
		Status:      SpendReserveStatus(toInt64(vals[0])),
		DailyTotal:  toFloat64(vals[1]),
		HourlyTotal: toFloat64(vals[2]),
	}
}

// AdjustSpend applies the (actual - reserved) delta and token counts.
// Failures are logged and swallowed; spend adjustment never blocks a
// response from reaching the caller.
func (e *Engine) AdjustSpend(ctx context.Context, dailyCostKey, hourlyCostKey, dailyTokKey, hourlyTokKey string, costDelta float64, inputTokens, outputTokens, dailyTTL, hourlyTTL int64) {
	keys := []string{dailyCostKey, hourlyCostKey, dailyTokKey, hourlyTokKey}
	if _, err := e.adjustSpend.Run(ctx, e.rdb, keys, costDelta, inputTokens, outputTokens, dailyTTL, hourlyTTL).Result(); err != nil {
		e.logger.Warn().Err(err).Msg("adjust-spend failed")
	}
}

// CostThrottleStatus enumerates cost-throttle outcomes.
type CostThrottleStatus int

const (
	CostThrottleAllowed CostThrottleStatus = iota
	CostThrottleAlreadyThrottled
	CostThrottleDailyExceeded
	CostThrottleWindowExceeded
)

// CostThrottleResult is the outcome of a cost-throttle call.
type CostThrottleResult struct {
	Status           CostThrottleStatus
	RetryAfterSeconds int64
}

// CostThrottle runs the cost-throttle script. Fails open on error.
func (e *Engine) CostThrottle(ctx context.Context, windowKey, dailyKey, throttleMarkerKey string, now, windowSeconds int64, estimatedCost, threshold, dailyLimit float64, throttleDuration int64, member string, dailyTTL int64) CostThrottleResult {
	keys := []string{windowKey, dailyKey, throttleMarkerKey}
	res, err := e.costThrottle.Run(ctx, e.rdb, keys, now, windowSeconds, estimatedCost, threshold, dailyLimit, throttleDuration, member, dailyTTL).Result()
	if err != nil {
		e.logger.Warn().Err(err).Msg("cost-throttle failed open")
		return CostThrottleResult{Status: CostThrottleAllowed}
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return CostThrottleResult{Status: CostThrottleAllowed}
	}
	return CostThrottleResult{
		Status:            CostThrottleStatus(toInt64(vals[0])),
		RetryAfterSeconds: toInt64(vals[1]),
	}
}

// RecordCost records an actual (not estimated) cost in the cost-throttle
// windows, used to keep the window accurate after the real price is known.
func (e *Engine) RecordCost(ctx context.Context, windowKey, dailyKey string, now int64, member string, windowTTL, dailyTTL int64) {
	keys := []string{windowKey, dailyKey}
	if _, err := e.recordCost.Run(ctx, e.rdb, keys, now, member, windowTTL, dailyTTL).Result(); err != nil {
		e.logger.Warn().Err(err).Msg("record-cost failed")
	}
}

// ChallengeMintStatus enumerates mint-challenge outcomes.
type ChallengeMintStatus int

const (
	ChallengeMinted ChallengeMintStatus = iota
	ChallengeRateLimited
	ChallengeBanned
	ChallengeTooManyActive
)

// ChallengeMintResult is the outcome of a mint-challenge call.
type ChallengeMintResult struct {
	Status           ChallengeMintStatus
	ChallengeID      string // set when Minted (including smart-reuse)
	ExpiresInSeconds int64
	BanExpiry        int64
	ViolationCount   int64
}

// MintChallenge runs the mint-challenge script for the given identifier.
// newChallengeID should be freshly generated by the caller (crypto/rand);
// the script only uses it when minting, not when reusing or rejecting.
func (e *Engine) MintChallenge(ctx context.Context, identifier, newChallengeID string, now, challengeTTL, rateLimitSeconds, maxActive int64, banDurations []int64) (ChallengeMintResult, error) {
	activeKey := fmt.Sprintf("challenge:active:%s", identifier)
	rateLimitKey := fmt.Sprintf("challenge:ratelimit:%s", identifier)
	banKey := fmt.Sprintf("challenge:ban:%s", identifier)
	violationsKey := fmt.Sprintf("challenge:violations:%s", identifier)
	challengeKey := fmt.Sprintf("challenge:%s", newChallengeID)

	durationStrs := make([]string, len(banDurations))
	for i, d := range banDurations {
		durationStrs[i] = strconv.FormatInt(d, 10)
	}

	keys := []string{activeKey, rateLimitKey, banKey, violationsKey, challengeKey}
	res, err := e.mintChallenge.Run(ctx, e.rdb, keys,
		now, challengeTTL, rateLimitSeconds, maxActive, newChallengeID, identifier, strings.Join(durationStrs, ",")).Result()
	if err != nil {
		return ChallengeMintResult{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return ChallengeMintResult{}, fmt.Errorf("mint-challenge: unexpected result shape")
	}

	status := ChallengeMintStatus(toInt64(vals[0]))
	switch status {
	case ChallengeMinted:
		return ChallengeMintResult{
			Status:           ChallengeMinted,
			ChallengeID:      toString(vals[1]),
			ExpiresInSeconds: toInt64(vals[2]),
		}, nil
	case ChallengeRateLimited:
		return ChallengeMintResult{Status: ChallengeRateLimited, ExpiresInSeconds: toInt64(vals[1])}, nil
	case ChallengeBanned:
		return ChallengeMintResult{
			Status:         ChallengeBanned,
			BanExpiry:      toInt64(vals[1]),
			ViolationCount: toInt64(vals[2]),
		}, nil
	case ChallengeTooManyActive:
		return ChallengeMintResult{
			Status:         ChallengeTooManyActive,
			ExpiresInSeconds: toInt64(vals[1]),
			BanExpiry:      toInt64(vals[2]),
			ViolationCount: toInt64(vals[3]),
		}, nil
	default:
		return ChallengeMintResult{}, fmt.Errorf("mint-challenge: unknown status %d", status)
	}
}

// ChallengeConsumeStatus enumerates consume-challenge outcomes.
type ChallengeConsumeStatus int

const (
	ChallengeConsumed ChallengeConsumeStatus = iota
	ChallengeNotFound
	ChallengeMismatch
)

// ConsumeChallenge validates and atomically consumes a single-use challenge.
func (e *Engine) ConsumeChallenge(ctx context.Context, challengeID, identifier string) (ChallengeConsumeStatus, error) {
	challengeKey := fmt.Sprintf("challenge:%s", challengeID)
	activeKey := fmt.Sprintf("challenge:active:%s", identifier)

	res, err := e.consumeChallenge.Run(ctx, e.rdb, []string{challengeKey, activeKey}, identifier, challengeID).Result()
	if err != nil {
		return 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return 0, fmt.Errorf("consume-challenge: unexpected result shape")
	}
	return ChallengeConsumeStatus(toInt64(vals[0])), nil
}

// CheckProgressiveBan reads the ban key for (bucket, ip). A single GET is
// already atomic; no script is needed to answer "is this IP banned".
func (e *Engine) CheckProgressiveBan(ctx context.Context, bucket, ip string) (banExpiry int64, banned bool) {
	key := fmt.Sprintf("rl:ban:%s:%s", bucket, ip)
	v, err := e.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			e.logger.Warn().Err(err).Str("ip", ip).Msg("progressive ban check failed open")
		}
		return 0, false
	}
	expiry, _ := strconv.ParseInt(v, 10, 64)
	return expiry, true
}

// RecordViolationAndBan increments the 24h violation counter for (bucket,
// ip) and sets a ban keyed on the ladder position min(violations-1,
// len(ladder)-1). Returns the ban duration applied.
func (e *Engine) RecordViolationAndBan(ctx context.Context, bucket, ip string, ladder []int64, now int64) (banDuration, violationCount int64) {
	violationsKey := fmt.Sprintf("rl:violations:%s:%s", bucket, ip)
	banKey := fmt.Sprintf("rl:ban:%s:%s", bucket, ip)

	count, err := e.rdb.Incr(ctx, violationsKey).Result()
	if err != nil {
		e.logger.Warn().Err(err).Str("ip", ip).Msg("violation counter increment failed")
		return 0, 0
	}
	e.rdb.Expire(ctx, violationsKey, 24*time.Hour)

	idx := count - 1
	if idx >= int64(len(ladder)) {
		idx = int64(len(ladder)) - 1
	}
	if idx < 0 {
		idx = 0
	}
	duration := ladder[idx]
	banExpiry := now + duration

	if err := e.rdb.Set(ctx, banKey, banExpiry, time.Duration(duration)*time.Second).Err(); err != nil {
		e.logger.Warn().Err(err).Str("ip", ip).Msg("ban key set failed")
	}
	return duration, count
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
