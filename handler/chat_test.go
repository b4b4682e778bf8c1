package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/admission"
	"github.com/kbgateway/gateway/analytics"
	"github.com/kbgateway/gateway/atomicx"
	"github.com/kbgateway/gateway/cache"
	"github.com/kbgateway/gateway/config"
	"github.com/kbgateway/gateway/document"
	"github.com/kbgateway/gateway/generator"
	"github.com/kbgateway/gateway/llmport"
	"github.com/kbgateway/gateway/observability"
	"github.com/kbgateway/gateway/pipeline"
	"github.com/kbgateway/gateway/queryrouter"
	"github.com/kbgateway/gateway/retrieval"
	"github.com/kbgateway/gateway/spend"
)

// scriptResponder lets each test decide what the KV store's atomic
// scripts return, keyed on the script's KEYS.
type scriptResponder func(keys []string, args []interface{}) (interface{}, error)

type fakeRedis struct {
	respond scriptResponder
}

func allowAll(keys []string, _ []interface{}) (interface{}, error) {
	if strings.HasPrefix(keys[0], "llm:cost:daily:") && len(keys) == 2 {
		// check-and-reserve-spend: allowed, totals after.
		return []interface{}{int64(0), "0.011", "0.011"}, nil
	}
	// sliding-window admit and everything else: allowed.
	return []interface{}{int64(1), int64(1), int64(0)}, nil
}

func (f *fakeRedis) run(keys []string, args []interface{}) *redis.Cmd {
	cmd := redis.NewCmd(context.Background())
	v, err := f.respond(keys, args)
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(v)
	}
	return cmd
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}
func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}
func (f *fakeRedis) EvalRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}
func (f *fakeRedis) EvalShaRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(keys, args)
}
func (f *fakeRedis) ScriptExists(_ context.Context, _ ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(context.Background())
	cmd.SetVal([]bool{true})
	return cmd
}
func (f *fakeRedis) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(context.Background())
	cmd.SetVal("sha")
	return cmd
}
func (f *fakeRedis) Get(_ context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(context.Background())
	cmd.SetErr(redis.Nil)
	return cmd
}
func (f *fakeRedis) Set(_ context.Context, _ string, _ interface{}, _ time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(context.Background())
	cmd.SetVal("OK")
	return cmd
}
func (f *fakeRedis) Incr(_ context.Context, _ string) *redis.IntCmd {
	cmd := redis.NewIntCmd(context.Background())
	cmd.SetVal(1)
	return cmd
}
func (f *fakeRedis) Expire(_ context.Context, _ string, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(context.Background())
	cmd.SetVal(true)
	return cmd
}
func (f *fakeRedis) Del(_ context.Context, _ ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(context.Background())
	cmd.SetVal(1)
	return cmd
}

type fakeLLM struct {
	chunks []string
	usage  llmport.Usage
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) StreamGenerate(_ context.Context, _, _ string, _ []llmport.Message, _ string) (<-chan llmport.StreamEvent, error) {
	out := make(chan llmport.StreamEvent, len(f.chunks)+1)
	for _, c := range f.chunks {
		out <- llmport.StreamEvent{Chunk: c}
	}
	out <- llmport.StreamEvent{Done: true, Usage: f.usage}
	close(out)
	return out, nil
}

type fakeSparse struct {
	docs []document.Document
	k    int
}

func (f *fakeSparse) Search(_ context.Context, _ string, _ int) ([]document.Document, error) {
	return f.docs, nil
}
func (f *fakeSparse) K() int     { return f.k }
func (f *fakeSparse) SetK(k int) { f.k = k }

type noParents struct{}

func (noParents) LoadParentChunks(_ context.Context) ([]document.Document, error) {
	return nil, nil
}

type allowRewriter struct{}

func (allowRewriter) RewriteStandalone(_ context.Context, _ []llmport.Message, q string) (llmport.StructuredRewrite, error) {
	return llmport.StructuredRewrite{StandaloneQuery: q}, nil
}
func (allowRewriter) ExpandShortQuery(_ context.Context, q string) (string, error) { return q, nil }

func testConfig() *config.Config {
	return &config.Config{
		Env:                     "test",
		MaxQueryLength:          500,
		MaxChatHistoryPairs:     2,
		EnableGlobalRateLimit:   false,
		EnableChallengeResponse: false,
		EnableBotVerification:   false,
		EnableCostThrottling:    false,
		UseRedisCache:           false,
		UseFAQIndexing:          false,
		RateLimitPerMinute:      10,
		RateLimitPerHour:        100,
		ChallengeTTLSeconds:     300,
		ChallengeRequestRateLimitSeconds: 3,
		MaxActiveChallengesPerIdentifier: 15,
		DailyCostLimitUSD:  5,
		HourlyCostLimitUSD: 1,
	}
}

func newTestHandler(t *testing.T, cfg *config.Config, respond scriptResponder, docs []document.Document) *Handler {
	t.Helper()
	log := zerolog.Nop()

	fake := &fakeRedis{respond: respond}
	engine := atomicx.NewEngine(fake, log)

	// A client pointed at a closed port: the settings store and spend
	// snapshot fall back to defaults/zeros on its errors.
	deadRedis := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})

	caches := cache.New(cache.Config{
		UseRedisCache:       false,
		MinVectorSimilarity: 0.8,
		IntentStaticAnswers: map[cache.Intent]string{
			cache.IntentGreeting: "Hello! Ask me about Litecoin.",
		},
	}, log, nil)

	sparse := &fakeSparse{k: 4, docs: docs}
	retriever := retrieval.New(nil, sparse, retrieval.Config{K: 4, MinVectorSimilarity: 0.1})
	parents := retrieval.NewLazyParentIndex(noParents{}, 0)

	driver := pipeline.NewDriver(pipeline.Config{
		MaxQueryLength:      cfg.MaxQueryLength,
		MaxChatHistoryPairs: cfg.MaxChatHistoryPairs,
		UseVectorSearch:     false,
	}, queryrouter.New(allowRewriter{}), nil, caches, nil, retriever, parents, log)

	ledger := spend.New(engine, deadRedis, spend.Limits{DailyUSD: cfg.DailyCostLimitUSD, HourlyUSD: cfg.HourlyCostLimitUSD})
	prices := llmport.DefaultPriceTable()
	tok := llmport.NewTokenizer(4.0)
	llm := &fakeLLM{chunks: []string{"Litecoin ", "uses scrypt."}, usage: llmport.Usage{InputTokens: 50, OutputTokens: 10, Reported: true}}
	gen := generator.New(llm, prices, tok, ledger, caches, log)

	gate := admission.NewGate(engine, nil, log)
	settings := admission.NewSettingsStore(deadRedis, admission.Limits{
		PerIdentifierPerMinute:  int64(cfg.RateLimitPerMinute),
		PerIdentifierPerHour:    int64(cfg.RateLimitPerHour),
		EnableGlobalRateLimit:   cfg.EnableGlobalRateLimit,
		EnableChallengeResponse: cfg.EnableChallengeResponse,
		EnableCostThrottling:    cfg.EnableCostThrottling,
	}, time.Minute, log)

	return New(Deps{
		Cfg:       cfg,
		Logger:    log,
		Gate:      gate,
		Settings:  settings,
		Engine:    engine,
		Driver:    driver,
		Gen:       gen,
		Ledger:    ledger,
		Caches:    caches,
		Parents:   parents,
		Tok:       tok,
		Prices:    prices,
		Model:     "test-model",
		Metrics:   observability.NewMetrics(),
		Alerter:   observability.NewAlerter(observability.DefaultAlerterConfig(), log),
		Analytics: analytics.NewPipeline(log, analytics.NewLogSink(log)),
	})
}

func postChat(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:4040"
	w := httptest.NewRecorder()
	h.ChatStream(w, req)
	return w
}

func TestChatStream_MalformedBody(t *testing.T) {
	h := newTestHandler(t, testConfig(), allowAll, nil)
	w := postChat(t, h, "{not json")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", w.Code)
	}
}

func TestChatStream_GreetingFromIntentCache(t *testing.T) {
	h := newTestHandler(t, testConfig(), allowAll, nil)
	w := postChat(t, h, `{"query":"hello"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q, want text/event-stream", ct)
	}
	body := w.Body.String()
	for _, want := range []string{`"status":"thinking"`, `"status":"streaming"`, `"fromCache":"intent"`} {
		if !strings.Contains(body, want) {
			t.Errorf("SSE body missing %s:\n%s", want, body)
		}
	}
}

func TestChatStream_GeneratedAnswer(t *testing.T) {
	docs := []document.Document{{
		Content:  "Litecoin uses the scrypt proof-of-work algorithm.",
		Metadata: document.Metadata{Status: document.StatusPublished, ChunkID: "C1"},
	}}
	h := newTestHandler(t, testConfig(), allowAll, docs)
	w := postChat(t, h, `{"query":"which proof of work algorithm does litecoin use"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{
		`"status":"thinking"`,
		`"status":"sources"`,
		`"chunk":"Litecoin "`,
		`"fromCache":false`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("SSE body missing %s:\n%s", want, body)
		}
	}
	// The sources event must precede the first chunk.
	if strings.Index(body, `"status":"sources"`) > strings.Index(body, `"status":"streaming"`) {
		t.Error("sources event emitted after the first streaming chunk")
	}
}

func TestChatStream_DraftSourcesNeverShown(t *testing.T) {
	docs := []document.Document{
		{Content: "published chunk", Metadata: document.Metadata{Status: document.StatusPublished, ChunkID: "C1"}},
		{Content: "draft chunk should stay hidden", Metadata: document.Metadata{Status: document.StatusDraft, ChunkID: "C2"}},
	}
	h := newTestHandler(t, testConfig(), allowAll, docs)
	w := postChat(t, h, `{"query":"which proof of work algorithm does litecoin use"}`)

	if strings.Contains(w.Body.String(), "draft chunk") {
		t.Error("draft source leaked into the SSE sources event")
	}
}

func TestChatStream_RateLimited(t *testing.T) {
	respond := func(keys []string, args []interface{}) (interface{}, error) {
		if strings.HasPrefix(keys[0], "rl:chat:") {
			// Denied: window full, oldest entry 30s old.
			return []interface{}{int64(0), int64(10), time.Now().Unix() - 30}, nil
		}
		return allowAll(keys, args)
	}
	h := newTestHandler(t, testConfig(), respond, nil)
	w := postChat(t, h, `{"query":"hello"}`)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After header")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse 429 body: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Errorf("error = %v, want rate_limited", body["error"])
	}
	if _, ok := body["limits"]; !ok {
		t.Error("429 body missing limits")
	}
	if _, ok := body["violation_count"]; !ok {
		t.Error("429 body missing violation_count after a ban was recorded")
	}
}

func TestChatStream_SpendLimit429(t *testing.T) {
	respond := func(keys []string, args []interface{}) (interface{}, error) {
		if strings.HasPrefix(keys[0], "llm:cost:daily:") && len(keys) == 2 {
			return []interface{}{int64(1), "4.99", "0.50"}, nil // daily exceeded
		}
		return allowAll(keys, args)
	}
	docs := []document.Document{{
		Content:  "some published content",
		Metadata: document.Metadata{Status: document.StatusPublished, ChunkID: "C1"},
	}}
	h := newTestHandler(t, testConfig(), respond, docs)
	w := postChat(t, h, `{"query":"which proof of work algorithm does litecoin use"}`)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body["error"] != "spend_limit_exceeded" || body["type"] != "daily" {
		t.Errorf("body = %v, want spend_limit_exceeded/daily", body)
	}
}

func TestChatStream_NoMatchFriendlyAnswer(t *testing.T) {
	h := newTestHandler(t, testConfig(), allowAll, nil) // no docs: retrieval comes back empty
	w := postChat(t, h, `{"query":"which proof of work algorithm does litecoin use"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	body := w.Body.String()
	// The fallback text is streamed in small chunks, so reassemble the
	// answer from the chunk events before looking for the phrase.
	var answer strings.Builder
	for _, line := range strings.Split(body, "\n") {
		var ev struct {
			Chunk string `json:"chunk"`
		}
		if strings.HasPrefix(line, "data: ") && json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
			answer.WriteString(ev.Chunk)
		}
	}
	if !strings.Contains(answer.String(), "relevant content") {
		t.Errorf("no-match answer missing the friendly fallback:\n%s", body)
	}
	if strings.Contains(body, "encountered an error") {
		t.Error("no-match path produced the generic error string")
	}
}

func TestChallenge_Disabled(t *testing.T) {
	h := newTestHandler(t, testConfig(), allowAll, nil)
	req := httptest.NewRequest(http.MethodGet, "/auth/challenge", nil)
	w := httptest.NewRecorder()
	h.Challenge(w, req)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if body["challenge"] != "disabled" {
		t.Errorf("challenge = %v, want disabled", body["challenge"])
	}
}

func TestChallenge_Minted(t *testing.T) {
	cfg := testConfig()
	cfg.EnableChallengeResponse = true
	respond := func(keys []string, args []interface{}) (interface{}, error) {
		if strings.HasPrefix(keys[0], "challenge:active:") {
			return []interface{}{int64(0), args[4], int64(300)}, nil // minted
		}
		return allowAll(keys, args)
	}
	h := newTestHandler(t, cfg, respond, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/challenge", nil)
	req.RemoteAddr = "203.0.113.9:4040"
	w := httptest.NewRecorder()
	h.Challenge(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	ch, _ := body["challenge"].(string)
	if len(ch) != 64 {
		t.Errorf("challenge %q, want 64 hex chars", ch)
	}
	if body["expires_in_seconds"].(float64) != 300 {
		t.Errorf("expires_in_seconds = %v, want 300", body["expires_in_seconds"])
	}
}
