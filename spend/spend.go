// Package spend implements the spend ledger: atomic daily/hourly cost
// and token counters with a reserve-then-settle lifecycle, backed by
// atomicx's Redis scripts rather than in-memory state so the totals hold
// across concurrent requests and replicas.
package spend

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kbgateway/gateway/atomicx"
)

const (
	dailyTTL  = 48 * time.Hour
	hourlyTTL = 2 * time.Hour
	// bufferRatio is the 10% safety margin applied to the estimated cost
	// before reservation, so concurrent callers see a conservative
	// running total until the real cost settles.
	bufferRatio = 0.10
)

// Limits holds the service-wide daily/hourly spend ceiling (the counters
// are keyed by date only).
type Limits struct {
	DailyUSD  float64
	HourlyUSD float64
}

// Reservation is returned by Reserve and must be passed to Settle once the
// real cost is known.
type Reservation struct {
	Identifier   string
	BufferedCost float64
	ReservedAt   time.Time
}

// RejectReason explains why a pre-flight check failed, surfaced in the
// spend-limit 429 body's "type" field.
type RejectReason string

const (
	RejectNone   RejectReason = ""
	RejectDaily  RejectReason = "daily"
	RejectHourly RejectReason = "hourly"
)

// kvGetter is the read surface Snapshot needs; *redis.Client satisfies it.
type kvGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Ledger is the spend-tracking façade used by the generator's pre-flight
// check and post-hoc adjustment.
type Ledger struct {
	engine *atomicx.Engine
	rdb    kvGetter
	limits Limits
}

func New(engine *atomicx.Engine, rdb kvGetter, limits Limits) *Ledger {
	return &Ledger{engine: engine, rdb: rdb, limits: limits}
}

// Snapshot is an admin-facing view of current spend against configured
// limits, for alert thresholds.
type Snapshot struct {
	DailyUSD  float64
	HourlyUSD float64
	Limits    Limits
}

// Snapshot reads the current daily/hourly totals. A missing key reads as
// zero; this is a plain read, not routed through an atomic script, since
// it informs a dashboard rather than an admission decision.
func (l *Ledger) Snapshot(ctx context.Context, now time.Time) Snapshot {
	date := now.UTC().Format("2006-01-02")
	hour := now.UTC().Format("2006-01-02-15")
	daily, _ := strconv.ParseFloat(getOrZero(ctx, l.rdb, dailyKey(date)), 64)
	hourly, _ := strconv.ParseFloat(getOrZero(ctx, l.rdb, hourlyKey(hour)), 64)
	return Snapshot{DailyUSD: daily, HourlyUSD: hourly, Limits: l.limits}
}

func getOrZero(ctx context.Context, rdb kvGetter, key string) string {
	if rdb == nil {
		return "0"
	}
	v, err := rdb.Get(ctx, key).Result()
	if err != nil {
		return "0"
	}
	return v
}

// EstimateBufferedCost applies the 10% reservation buffer to an estimated
// cost.
func EstimateBufferedCost(estimated float64) float64 {
	return estimated * (1 + bufferRatio)
}

// Reserve runs the check-and-reserve-spend script. On rejection it
// returns the reason; the caller surfaces a 429. An uncertain check
// (KV-store fault) allows the request once, reserving 0 — that semantics
// lives in atomicx.Engine, so this layer just forwards the script's
// verdict and relies on the post-hoc adjustment.
func (l *Ledger) Reserve(ctx context.Context, identifier string, estimatedCost float64, now time.Time) (Reservation, RejectReason) {
	buffered := EstimateBufferedCost(estimatedCost)
	date := now.UTC().Format("2006-01-02")
	hour := now.UTC().Format("2006-01-02-15")

	result := l.engine.CheckAndReserveSpend(ctx,
		dailyKey(date), hourlyKey(hour),
		buffered, l.limits.DailyUSD, l.limits.HourlyUSD,
		int64(dailyTTL.Seconds()), int64(hourlyTTL.Seconds()))

	reservation := Reservation{Identifier: identifier, BufferedCost: buffered, ReservedAt: now}
	switch result.Status {
	case atomicx.SpendReserveDailyExceeded:
		return reservation, RejectDaily
	case atomicx.SpendReserveHourlyExceeded:
		return reservation, RejectHourly
	default:
		return reservation, RejectNone
	}
}

// Settle applies the (actual - reserved) delta and the real token counts,
// so after settlement the counters have moved by exactly the actual cost.
func (l *Ledger) Settle(ctx context.Context, reservation Reservation, actualCost float64, inputTokens, outputTokens int) {
	delta := actualCost - reservation.BufferedCost
	date := reservation.ReservedAt.UTC().Format("2006-01-02")
	hour := reservation.ReservedAt.UTC().Format("2006-01-02-15")

	l.engine.AdjustSpend(ctx,
		dailyKey(date), hourlyKey(hour),
		dailyTokenKey(date), hourlyTokenKey(hour),
		delta, int64(inputTokens), int64(outputTokens),
		int64(dailyTTL.Seconds()), int64(hourlyTTL.Seconds()))
}

// Key layout: "llm:cost:{daily,hourly}:<date[-hour]>" — numeric string
// totals, date-scoped only. The per-identifier keys
// llm:cost:daily:<stable-id>:<date> / llm:cost:recent:<stable-id> /
// llm:throttle:<stable-id> are the admission gate's cost-throttle state
// (sorted sets and markers); the namespaces must stay disjoint or the
// throttle's ZADD and this ledger's INCRBYFLOAT would collide on one key
// with two Redis types.
func dailyKey(date string) string {
	return "llm:cost:daily:" + date
}

func hourlyKey(hour string) string {
	return "llm:cost:hourly:" + hour
}

func dailyTokenKey(date string) string  { return "llm:tokens:daily:" + date }
func hourlyTokenKey(hour string) string { return "llm:tokens:hourly:" + hour }
