package admission

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/atomicx"
	"github.com/kbgateway/gateway/identity"
)

// fakeRedis is a minimal in-memory stand-in for atomicx's redisClient
// interface, in the same spirit as atomicx's own fakeScripter but extended
// with the plain Get/Set/Incr/Expire/Del primitives the progressive-ban
// checks use directly.
type fakeRedis struct {
	respond func(script string, keys []string, args []interface{}) (interface{}, error)
	values  map[string]string
	incrs   map[string]int64
}

func newFakeRedis(respond func(script string, keys []string, args []interface{}) (interface{}, error)) *fakeRedis {
	return &fakeRedis{respond: respond, values: map[string]string{}, incrs: map[string]int64{}}
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	v, err := f.respond(script, keys, args)
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(v)
	}
	return cmd
}

// noScriptErr mimics Redis's NOSCRIPT error so *redis.Script.Run falls back
// from EvalSha (which only has the hash, not the script body) to Eval.
type noScriptErr string

func (e noScriptErr) Error() string { return string(e) }
func (e noScriptErr) RedisError()   {}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(noScriptErr("NOSCRIPT No matching script"))
	return cmd
}
func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}
func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, sha1, keys, args...)
}
func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}
func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("fakesha")
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.values[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.values[key] = toStr(value)
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.incrs[key]++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.incrs[key])
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.values, k)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func toStr(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		return ""
	}
}

func allowAllScripts(script string, keys []string, args []interface{}) (interface{}, error) {
	switch {
	case strings.Contains(script, "idempotency_key"):
		return []interface{}{int64(1), int64(1), int64(0)}, nil
	case strings.Contains(script, "stored"):
		return []interface{}{int64(0)}, nil
	case strings.Contains(script, "extract_cost"):
		return []interface{}{int64(0), int64(0)}, nil
	default:
		return nil, nil
	}
}

func testGate(t *testing.T, respond func(script string, keys []string, args []interface{}) (interface{}, error)) (*Gate, *fakeRedis) {
	t.Helper()
	fake := newFakeRedis(respond)
	engine := atomicx.NewEngine(fake, zerolog.Nop())
	return NewGate(engine, nil, zerolog.Nop()), fake
}

func baseLimits() Limits {
	return Limits{
		GlobalPerMinute:        100,
		GlobalPerHour:          1000,
		PerIdentifierPerMinute: 10,
		PerIdentifierPerHour:   100,
		EnableGlobalRateLimit:  true,
	}
}

func TestGate_Admit_Allowed(t *testing.T) {
	gate, _ := testGate(t, allowAllScripts)
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4"}
	d := gate.Admit(context.Background(), id, baseLimits(), 0.001, time.Now(), false, false, false, false)
	if !d.Allowed() {
		t.Fatalf("expected allowed, got %+v", d)
	}
}

func TestGate_Admit_ProgressiveBanBlocks(t *testing.T) {
	gate, fake := testGate(t, allowAllScripts)
	fake.values["rl:ban:chat:1.2.3.4"] = "99999999999"
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4"}
	d := gate.Admit(context.Background(), id, baseLimits(), 0.001, time.Now(), false, false, false, false)
	if d.Kind != RejectBanned {
		t.Fatalf("Kind = %v, want RejectBanned", d.Kind)
	}
}

func TestGate_Admit_GlobalRateLimitExceeded(t *testing.T) {
	gate, _ := testGate(t, func(script string, keys []string, args []interface{}) (interface{}, error) {
		if strings.Contains(script, "idempotency_key") {
			return []interface{}{int64(0), int64(100), int64(940)}, nil
		}
		return allowAllScripts(script, keys, args)
	})
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4"}
	d := gate.Admit(context.Background(), id, baseLimits(), 0.001, time.Now(), false, false, false, false)
	if d.Kind != RejectGlobalRateLimit {
		t.Fatalf("Kind = %v, want RejectGlobalRateLimit", d.Kind)
	}
}

func TestGate_Admit_SkipsGlobalRateLimitForAdminPath(t *testing.T) {
	gate, _ := testGate(t, func(script string, keys []string, args []interface{}) (interface{}, error) {
		// Only the global windows reject; the per-identifier windows, which
		// still run on admin paths, pass.
		if strings.Contains(script, "idempotency_key") && len(keys) > 0 && strings.HasPrefix(keys[0], "rl:global:") {
			return []interface{}{int64(0), int64(100), int64(940)}, nil
		}
		return allowAllScripts(script, keys, args)
	})
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4"}
	d := gate.Admit(context.Background(), id, baseLimits(), 0.001, time.Now(), true, false, false, false)
	if !d.Allowed() {
		t.Fatalf("expected admin path to skip global rate limit, got %+v", d)
	}
}

func TestGate_Admit_IdentifierRateLimitRecordsViolationAndBans(t *testing.T) {
	limits := baseLimits()
	gate, fake := testGate(t, func(script string, keys []string, args []interface{}) (interface{}, error) {
		if strings.Contains(script, "idempotency_key") {
			// global passes, identifier-minute fails.
			if len(keys) > 0 && strings.HasPrefix(keys[0], "rl:chat:") {
				return []interface{}{int64(0), int64(10), int64(940)}, nil
			}
			return []interface{}{int64(1), int64(1), int64(0)}, nil
		}
		return allowAllScripts(script, keys, args)
	})
	id := identity.Identity{IP: "9.9.9.9", StableIdentifier: "fp-abc"}
	d := gate.Admit(context.Background(), id, limits, 0.001, time.Now(), false, false, false, false)
	if d.Kind != RejectIdentifierRateLimit {
		t.Fatalf("Kind = %v, want RejectIdentifierRateLimit", d.Kind)
	}
	if d.ViolationCount != 1 {
		t.Fatalf("ViolationCount = %d, want 1", d.ViolationCount)
	}
	if d.BanExpiresAt == 0 {
		t.Fatal("expected a ban to be recorded")
	}
	if fake.incrs["rl:violations:chat:9.9.9.9"] != 1 {
		t.Fatalf("violation counter not incremented, got %+v", fake.incrs)
	}
}

func TestGate_Admit_MissingChallengeRejected(t *testing.T) {
	limits := baseLimits()
	limits.EnableChallengeResponse = true
	gate, _ := testGate(t, allowAllScripts)
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4"}
	d := gate.Admit(context.Background(), id, limits, 0.001, time.Now(), false, false, false, false)
	if d.Kind != RejectChallengeInvalid {
		t.Fatalf("Kind = %v, want RejectChallengeInvalid", d.Kind)
	}
}

func TestGate_Admit_InvalidChallengeRejected(t *testing.T) {
	limits := baseLimits()
	limits.EnableChallengeResponse = true
	gate, _ := testGate(t, func(script string, keys []string, args []interface{}) (interface{}, error) {
		if strings.Contains(script, "stored") {
			return []interface{}{int64(2)}, nil // mismatch
		}
		return allowAllScripts(script, keys, args)
	})
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4", ChallengeID: "deadbeef"}
	d := gate.Admit(context.Background(), id, limits, 0.001, time.Now(), false, false, false, false)
	if d.Kind != RejectChallengeInvalid {
		t.Fatalf("Kind = %v, want RejectChallengeInvalid", d.Kind)
	}
}

func TestGate_Admit_CostThrottleDailyExceeded(t *testing.T) {
	limits := baseLimits()
	limits.EnableCostThrottling = true
	limits.CostThrottleWindowSeconds = 600
	limits.HighCostThresholdUSD = 1.0
	limits.DailyCostLimitUSD = 5.0
	limits.CostThrottleDurationSec = 30
	gate, _ := testGate(t, func(script string, keys []string, args []interface{}) (interface{}, error) {
		if strings.Contains(script, "extract_cost") {
			return []interface{}{int64(2), int64(60)}, nil
		}
		return allowAllScripts(script, keys, args)
	})
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4"}
	d := gate.Admit(context.Background(), id, limits, 1.0, time.Now(), false, true, true, false)
	if d.Kind != RejectCostThrottle || d.ThrottleReason != "daily_limit" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestGate_VerifyBot_DisabledAlwaysPasses(t *testing.T) {
	gate, _ := testGate(t, allowAllScripts)
	factor := gate.VerifyBot(context.Background(), "", baseLimits())
	if factor != 1 {
		t.Fatalf("factor = %d, want 1 when bot verification disabled", factor)
	}
}

type failVerifier struct{}

func (failVerifier) Verify(ctx context.Context, token string) (bool, error) { return false, nil }

func TestGate_VerifyBot_FailureTightensBucket(t *testing.T) {
	fake := newFakeRedis(allowAllScripts)
	engine := atomicx.NewEngine(fake, zerolog.Nop())
	gate := NewGate(engine, failVerifier{}, zerolog.Nop())
	limits := baseLimits()
	limits.EnableBotVerification = true
	limits.BotStrictFactor = 10
	factor := gate.VerifyBot(context.Background(), "token", limits)
	if factor != 10 {
		t.Fatalf("factor = %d, want 10 on bot verification failure", factor)
	}
}

func TestGate_Admit_GlobalWindowMemberUniquePerRequest(t *testing.T) {
	var members []string
	gate, _ := testGate(t, func(script string, keys []string, args []interface{}) (interface{}, error) {
		if strings.Contains(script, "idempotency_key") && len(keys) > 0 && keys[0] == "rl:global:m" {
			members = append(members, toStr(args[3]))
		}
		return allowAllScripts(script, keys, args)
	})
	id := identity.Identity{IP: "1.2.3.4", StableIdentifier: "1.2.3.4"}

	gate.Admit(context.Background(), id, baseLimits(), 0.001, time.Now(), false, false, false, false)
	gate.Admit(context.Background(), id, baseLimits(), 0.001, time.Now(), false, false, false, false)

	if len(members) != 2 {
		t.Fatalf("global minute window admitted %d times, want 2", len(members))
	}
	// A shared member would hit the idempotent-refresh path and pin the
	// global count at 1, so every request must contribute a fresh one.
	if members[0] == members[1] {
		t.Errorf("global window member %q reused across requests", members[0])
	}
	for _, m := range members {
		if m == "" || m == "global" {
			t.Errorf("global window member %q is not unique per request", m)
		}
	}
}
