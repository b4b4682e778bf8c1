package atomicx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fakeScripter satisfies redis.Scripter without a running Redis instance.
// It is keyed on a substring of the script body so each test can steer the
// return value for the particular script under test.
type fakeScripter struct {
	respond func(script string, keys []string, args []interface{}) (interface{}, error)
	calls   int
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.calls++
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

func (f *fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(noScriptErr("NOSCRIPT No matching script"))
	return cmd
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, sha1, keys, args...)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	vals := make([]bool, len(hashes))
	cmd.SetVal(vals)
	return cmd
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("fakesha")
	return cmd
}

func (f *fakeScripter) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func (f *fakeScripter) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

func (f *fakeScripter) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeScripter) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeScripter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func newEngine(respond func(script string, keys []string, args []interface{}) (interface{}, error)) (*Engine, *fakeScripter) {
	fake := &fakeScripter{respond: respond}
	return NewEngine(fake, zerolog.Nop()), fake
}

func TestSlidingWindowAdmit_Allowed(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return []interface{}{int64(1), int64(3), int64(0)}, nil
	})
	res := e.SlidingWindowAdmit(context.Background(), "rl:bucket", 1000, 60, 10, "req-1", 60)
	if !res.Allowed || res.Count != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSlidingWindowAdmit_Denied(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return []interface{}{int64(0), int64(10), int64(940)}, nil
	})
	res := e.SlidingWindowAdmit(context.Background(), "rl:bucket", 1000, 60, 10, "req-1", 60)
	if res.Allowed {
		t.Fatal("expected denial")
	}
	if res.OldestScore != 940 {
		t.Fatalf("OldestScore = %d, want 940", res.OldestScore)
	}
}

func TestSlidingWindowAdmit_FailsOpenOnError(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return nil, context.DeadlineExceeded
	})
	res := e.SlidingWindowAdmit(context.Background(), "rl:bucket", 1000, 60, 10, "req-1", 60)
	if !res.Allowed {
		t.Fatal("admission must fail open on KV-store error")
	}
}

func TestCheckAndReserveSpend_DailyExceeded(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return []interface{}{int64(1), "4.99", "0.50"}, nil
	})
	res := e.CheckAndReserveSpend(context.Background(), "spend:daily", "spend:hourly", 0.05, 5.0, 1.0, 86400, 3600)
	if res.Status != SpendReserveDailyExceeded {
		t.Fatalf("Status = %v, want DailyExceeded", res.Status)
	}
	if res.DailyTotal != 4.99 {
		t.Fatalf("DailyTotal = %v, want 4.99", res.DailyTotal)
	}
}

func TestCheckAndReserveSpend_Allowed(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return []interface{}{int64(0), "1.10", "0.30"}, nil
	})
	res := e.CheckAndReserveSpend(context.Background(), "spend:daily", "spend:hourly", 0.05, 5.0, 1.0, 86400, 3600)
	if res.Status != SpendReserveAllowed {
		t.Fatalf("Status = %v, want Allowed", res.Status)
	}
}

func TestCheckAndReserveSpend_FailsOpenOnError(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return nil, context.DeadlineExceeded
	})
	res := e.CheckAndReserveSpend(context.Background(), "spend:daily", "spend:hourly", 0.05, 5.0, 1.0, 86400, 3600)
	if res.Status != SpendReserveAllowed {
		t.Fatal("spend reservation must fail open on KV-store error")
	}
}

func TestCostThrottle_WindowExceeded(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return []interface{}{int64(3), int64(30)}, nil
	})
	res := e.CostThrottle(context.Background(), "ct:win", "ct:day", "ct:marker", 1000, 600, 0.01, 0.02, 5.0, 30, "fp:abc:0.01", 86400)
	if res.Status != CostThrottleWindowExceeded || res.RetryAfterSeconds != 30 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMintChallenge_Minted(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		if !strings.Contains(script, "active_key") {
			t.Fatalf("unexpected script invoked")
		}
		return []interface{}{int64(0), "deadbeef", int64(300)}, nil
	})
	res, err := e.MintChallenge(context.Background(), "ident-1", "deadbeef", 1000, 300, 3, 15, []int64{60, 300, 900, 3600})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ChallengeMinted || res.ChallengeID != "deadbeef" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMintChallenge_Banned(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return []interface{}{int64(2), "1300", "2"}, nil
	})
	res, err := e.MintChallenge(context.Background(), "ident-1", "deadbeef", 1000, 300, 3, 15, []int64{60, 300})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ChallengeBanned || res.ViolationCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestConsumeChallenge_Mismatch(t *testing.T) {
	e, _ := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return []interface{}{int64(2)}, nil
	})
	status, err := e.ConsumeChallenge(context.Background(), "deadbeef", "ident-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != ChallengeMismatch {
		t.Fatalf("status = %v, want ChallengeMismatch", status)
	}
}

func TestAdjustSpend_SwallowsError(t *testing.T) {
	e, fake := newEngine(func(script string, keys []string, args []interface{}) (interface{}, error) {
		return nil, context.DeadlineExceeded
	})
	e.AdjustSpend(context.Background(), "d", "h", "dt", "ht", -0.002, 120, 45, 86400, 3600)
	if fake.calls != 1 {
		t.Fatalf("expected 1 call, got %d", fake.calls)
	}
}
