package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kbgateway/gateway/admission"
	"github.com/kbgateway/gateway/analytics"
	"github.com/kbgateway/gateway/atomicx"
	"github.com/kbgateway/gateway/cache"
	"github.com/kbgateway/gateway/config"
	"github.com/kbgateway/gateway/docstore"
	"github.com/kbgateway/gateway/generator"
	"github.com/kbgateway/gateway/handler"
	"github.com/kbgateway/gateway/llmport"
	"github.com/kbgateway/gateway/logger"
	gwmw "github.com/kbgateway/gateway/middleware"
	"github.com/kbgateway/gateway/observability"
	"github.com/kbgateway/gateway/pipeline"
	"github.com/kbgateway/gateway/queryrouter"
	"github.com/kbgateway/gateway/redisclient"
	"github.com/kbgateway/gateway/retrieval"
	"github.com/kbgateway/gateway/router"
	"github.com/kbgateway/gateway/spend"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("kb gateway starting")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis init failed")
	}
	if err := rc.Ping(); err != nil {
		// Admission fails open on Redis faults, so a cold-start blip is
		// survivable; log loudly and continue.
		log.Warn().Err(err).Msg("redis ping failed")
	} else {
		log.Info().Msg("redis connected")
	}
	rdb := rc.Raw()

	engine := atomicx.NewEngine(rdb, log)

	metrics := observability.NewMetrics()

	alerter := observability.NewAlerter(observability.AlerterConfig{
		WebhookURL:  cfg.AlertWebhookURL,
		Enabled:     cfg.AlertWebhookURL != "",
		SourceName:  "kb-gateway",
		HTTPTimeout: 10 * time.Second,
	}, log)

	var sink analytics.Sink
	if cfg.AnalyticsIngestURL != "" {
		sink = analytics.NewHTTPSink(cfg.AnalyticsIngestURL, 10*time.Second)
		log.Info().Msg("analytics using HTTP ingest sink")
	} else {
		sink = analytics.NewLogSink(log)
	}
	analyticsPipe := analytics.NewPipeline(log, sink)
	analyticsPipe.Start(context.Background())

	// LLM port: Anthropic for generation and rewriting, Infinity for
	// embeddings when enabled.
	anthropic := llmport.NewAnthropicClient(llmport.AnthropicConfig{
		APIKey:       cfg.AnthropicAPIKey,
		Model:        cfg.AnthropicModel,
		RewriteModel: cfg.AnthropicRewriteModel,
		Timeout:      cfg.LLMTimeout,
	}, log)
	var embedder llmport.Embedder
	if cfg.UseInfinityEmbeddings {
		embedder = llmport.NewInfinityEmbedder(cfg.InfinityBaseURL, cfg.InfinityModel, cfg.RetrieveTimeout)
	}
	prices := llmport.DefaultPriceTable()
	tok := llmport.NewTokenizer(4.0)

	// Knowledge-base corpus and retrieval.
	store, err := docstore.Load(cfg.KBCorpusPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.KBCorpusPath).Msg("corpus load failed")
	}
	log.Info().Int("documents", store.Len()).Msg("corpus loaded")

	sparseIdx := docstore.NewSparseIndex(store, cfg.RetrieverK)
	retriever := retrieval.New(store, sparseIdx, retrieval.Config{
		K:                   cfg.RetrieverK,
		MinVectorSimilarity: cfg.MinVectorSimilarity,
		SparseRerankLimit:   cfg.SparseRerankLimit,
	})
	parents := retrieval.NewLazyParentIndex(store, 10*time.Minute)

	// Cache hierarchy.
	caches := cache.New(cache.Config{
		UseRedisCache:       cfg.UseRedisCache,
		UseFAQIndexing:      cfg.UseFAQIndexing,
		MinVectorSimilarity: cfg.MinVectorSimilarity,
		FAQMatchThreshold:   cfg.FAQMatchThreshold,
		IntentStaticAnswers: map[cache.Intent]string{
			cache.IntentGreeting: "Hi! Ask me anything about Litecoin and I'll answer from our knowledge base.",
			cache.IntentThanks:   "You're welcome! Happy to help with anything else about Litecoin.",
		},
	}, log, rdb)
	expander := cache.NewExpander(anthropic, 512)

	qrouter := queryrouter.New(anthropic)

	ledger := spend.New(engine, rdb, spend.Limits{
		DailyUSD:  cfg.DailyCostLimitUSD,
		HourlyUSD: cfg.HourlyCostLimitUSD,
	})

	gen := generator.New(anthropic, prices, tok, ledger, caches, log)

	driver := pipeline.NewDriver(pipeline.Config{
		MaxQueryLength:      cfg.MaxQueryLength,
		MaxChatHistoryPairs: cfg.MaxChatHistoryPairs,
		UseVectorSearch:     cfg.UseInfinityEmbeddings,
	}, qrouter, expander, caches, embedder, retriever, parents, log)

	// Admission.
	turnstile := admission.NewTurnstileVerifier(admission.TurnstileConfig{
		SecretKey: cfg.TurnstileSecretKey,
		Enabled:   cfg.EnableBotVerification && cfg.TurnstileSecretKey != "",
	}, log)
	gate := admission.NewGate(engine, turnstile, log)
	settings := admission.NewSettingsStore(rdb, defaultLimits(cfg), 30*time.Second, log)

	// FAQ background job: answers are pre-generated through the same
	// retrieval+generation path queries take, minus cache writes.
	var faq *cache.FAQRefresher
	if cfg.UseFAQIndexing && len(cfg.FAQQuestions) > 0 {
		faq = cache.NewFAQRefresher(caches, cache.StaticFAQSource(cfg.FAQQuestions),
			faqAnswerFunc(driver, gen), cfg.FAQRefreshInterval, log)
		faq.Start(context.Background())
	}

	h := handler.New(handler.Deps{
		Cfg:       cfg,
		Logger:    log,
		Gate:      gate,
		Settings:  settings,
		Engine:    engine,
		Driver:    driver,
		Gen:       gen,
		Ledger:    ledger,
		Caches:    caches,
		FAQ:       faq,
		Parents:   parents,
		Tok:       tok,
		Prices:    prices,
		Model:     cfg.AnthropicModel,
		Metrics:   metrics,
		Alerter:   alerter,
		Analytics: analyticsPipe,
		Ready: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	})

	streamLimiter := gwmw.NewStreamLimiter(cfg.MaxConcurrentStreams)
	r := router.New(cfg, log, h, metrics, streamLimiter)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams manage their own lifetime
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	// Teardown in reverse construction order.
	if faq != nil {
		faq.Stop()
	}
	analyticsPipe.Stop()
	alerter.Close()
	if err := rc.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close failed")
	}
	log.Info().Msg("gateway stopped")
}

func defaultLimits(cfg *config.Config) admission.Limits {
	return admission.Limits{
		GlobalPerMinute:        int64(cfg.GlobalRateLimitPerMinute),
		GlobalPerHour:          int64(cfg.GlobalRateLimitPerHour),
		PerIdentifierPerMinute: int64(cfg.RateLimitPerMinute),
		PerIdentifierPerHour:   int64(cfg.RateLimitPerHour),
		BotStrictFactor:        int64(cfg.BotStrictFactor),

		EnableGlobalRateLimit:   cfg.EnableGlobalRateLimit,
		EnableChallengeResponse: cfg.EnableChallengeResponse,
		EnableBotVerification:   cfg.EnableBotVerification,
		EnableCostThrottling:    cfg.EnableCostThrottling,

		ChallengeRateLimitWindowSeconds: int64(cfg.ChallengeRequestRateLimitSeconds),

		CostThrottleWindowSeconds: int64(cfg.HighCostWindowSeconds),
		HighCostThresholdUSD:      cfg.HighCostThresholdUSD,
		DailyCostLimitUSD:         cfg.DailyCostLimitUSD,
		CostThrottleDurationSec:   int64(cfg.CostThrottleDurationSec),
	}
}

// faqAnswerFunc generates one FAQ answer by running the question through
// the pipeline and draining the generation stream.
func faqAnswerFunc(driver *pipeline.Driver, gen *generator.Generator) cache.AnswerFunc {
	return func(ctx context.Context, question string) (cache.Answer, error) {
		state := driver.Run(ctx, question, nil)
		if state.Fatal != nil {
			return cache.Answer{}, state.Fatal
		}
		if state.EarlyAnswer != nil {
			return *state.EarlyAnswer, nil
		}
		if state.NoMatch {
			return cache.Answer{}, retrieval.ErrBothSearchesFailed
		}

		var text strings.Builder
		var streamErr error
		events := gen.Stream(ctx, generator.Request{
			Identifier: "faq-refresher",
			System:     "You are a helpful assistant answering questions about Litecoin using the provided context. Answer concisely.",
			Context:    pipeline.ContextBlock(state.ContextDocs),
			Query:      state.SanitizedQuery,
			Sources:    state.PublishedSources,
			// No ExactKey/Vector: FAQ answers live in their own tier.
		})
		for ev := range events {
			switch ev.Type {
			case "chunk":
				text.WriteString(ev.Chunk)
			case "error":
				streamErr = ev.Err
			}
		}
		if streamErr != nil {
			return cache.Answer{}, streamErr
		}
		return cache.Answer{Text: text.String(), Sources: state.PublishedSources}, nil
	}
}
