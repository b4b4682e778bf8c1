package generator

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/atomicx"
	"github.com/kbgateway/gateway/cache"
	"github.com/kbgateway/gateway/document"
	"github.com/kbgateway/gateway/llmport"
	"github.com/kbgateway/gateway/spend"
)

// fakeScripter always allows spend reservation, mirroring atomicx's own
// test fakes.
type fakeScripter struct{}

func (fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetVal([]interface{}{int64(0), "0.01", "0.01"})
	return cmd
}
func (f fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, sha1, keys, args...)
}
func (f fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}
func (f fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, sha1, keys, args...)
}
func (fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}
func (fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("fakesha")
	return cmd
}
func (fakeScripter) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}
func (fakeScripter) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}
func (fakeScripter) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}
func (fakeScripter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}
func (fakeScripter) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

type fakeLLM struct {
	chunks []string
	usage  llmport.Usage
	model  string
}

func (f *fakeLLM) Model() string { return f.model }

func (f *fakeLLM) StreamGenerate(ctx context.Context, system, context_ string, history []llmport.Message, query string) (<-chan llmport.StreamEvent, error) {
	out := make(chan llmport.StreamEvent, len(f.chunks)+1)
	for _, c := range f.chunks {
		out <- llmport.StreamEvent{Chunk: c}
	}
	out <- llmport.StreamEvent{Done: true, Usage: f.usage}
	close(out)
	return out, nil
}

func newTestGenerator(t *testing.T, llm *fakeLLM) *Generator {
	t.Helper()
	engine := atomicx.NewEngine(fakeScripter{}, zerolog.Nop())
	ledger := spend.New(engine, fakeScripter{}, spend.Limits{DailyUSD: 100, HourlyUSD: 100})
	ch := cache.New(cache.Config{}, zerolog.Nop(), nil)
	return New(llm, llmport.DefaultPriceTable(), llmport.NewTokenizer(4), ledger, ch, zerolog.Nop())
}

func TestGenerator_Stream_CompletesAndEmitsEvents(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"hello ", "world"}, model: "claude-3-5-haiku-20241022"}
	gen := newTestGenerator(t, llm)

	req := Request{
		Identifier: "user-1",
		Query:      "what is this",
		Sources:    []document.Document{{Content: "doc", Metadata: document.Metadata{Status: document.StatusPublished}}},
	}

	events := gen.Stream(context.Background(), req)

	var sawSources, sawChunks, sawMetadata, sawComplete bool
	var gotText string
	var gotMetadata Metadata
	for ev := range events {
		switch ev.Type {
		case "sources":
			sawSources = true
			if len(ev.Sources) != 1 {
				t.Fatalf("expected 1 published source, got %d", len(ev.Sources))
			}
		case "chunk":
			sawChunks = true
			gotText += ev.Chunk
		case "metadata":
			sawMetadata = true
			gotMetadata = ev.Metadata
		case "complete":
			sawComplete = true
		case "error":
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if !sawSources {
		t.Fatal("expected a sources event")
	}
	if !sawChunks || gotText != "hello world" {
		t.Fatalf("expected chunks to assemble to 'hello world', got %q", gotText)
	}
	if !sawMetadata || gotMetadata.FinishReason != "stop" {
		t.Fatalf("expected a metadata event with finish_reason=stop, got %+v", gotMetadata)
	}
	if !sawComplete {
		t.Fatal("expected a complete event")
	}
}

func TestGenerator_Stream_ContextCancelStopsPromptly(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"partial"}, model: "claude-3-5-haiku-20241022"}
	gen := newTestGenerator(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := Request{Identifier: "user-1", Query: "q"}
	events := gen.Stream(ctx, req)

	for range events {
		// drain; the point is the channel closes rather than hanging.
	}
}
