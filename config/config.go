package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration values, loaded once at startup.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis (KV store backing admission, spend and cache state)
	RedisURL string

	// Admin auth
	AdminBearerToken string

	// Query limits
	MaxQueryLength      int
	MaxChatHistoryPairs int

	// Feature flags
	EnableGlobalRateLimit   bool
	EnableChallengeResponse bool
	EnableBotVerification   bool
	EnableCostThrottling    bool
	UseInfinityEmbeddings   bool
	UseRedisCache           bool
	UseFAQIndexing          bool
	TrustXForwardedFor      bool

	// Admission tunables
	GlobalRateLimitPerMinute int
	GlobalRateLimitPerHour   int
	RateLimitPerMinute       int
	RateLimitPerHour         int
	BotStrictFactor          int
	ChallengeTTLSeconds      int
	ChallengeRequestRateLimitSeconds int
	MaxActiveChallengesPerIdentifier int
	HighCostThresholdUSD     float64
	HighCostWindowSeconds    int
	CostThrottleDurationSec  int
	DailyCostLimitUSD        float64
	HourlyCostLimitUSD       float64

	// Retrieval tunables
	RetrieverK           int
	MinVectorSimilarity  float64
	SparseRerankLimit    int
	FAQMatchThreshold    int

	// Timeouts
	DefaultTimeout time.Duration
	LLMTimeout     time.Duration
	RetrieveTimeout time.Duration

	// Body limits
	MaxBodyBytes int64

	// HTTP surface
	AllowedOrigins       []string
	MaxConcurrentStreams int

	// LLM backends
	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicRewriteModel string
	InfinityBaseURL    string
	InfinityModel      string

	// Out-of-band alerting and analytics
	AlertWebhookURL    string
	AnalyticsIngestURL string

	// Bot verification
	TurnstileSecretKey string

	// Knowledge-base corpus (exported by the ingestion pipeline)
	KBCorpusPath string

	// FAQ background job
	FAQRefreshInterval time.Duration
	FAQQuestions       []string

	LogLevel string
}

// Load reads configuration from environment variables and an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)
	defaultTimeoutSec := getEnvInt("GATEWAY_DEFAULT_TIMEOUT_SEC", 30)
	llmTimeoutSec := getEnvInt("GATEWAY_LLM_TIMEOUT_SEC", 60)
	retrieveTimeoutSec := getEnvInt("GATEWAY_RETRIEVE_TIMEOUT_SEC", 10)

	return &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		AdminBearerToken: getEnv("ADMIN_BEARER_TOKEN", ""),

		MaxQueryLength:      getEnvInt("MAX_QUERY_LENGTH", 2000),
		MaxChatHistoryPairs: getEnvInt("MAX_CHAT_HISTORY_PAIRS", 2),

		EnableGlobalRateLimit:   getEnvBool("ENABLE_GLOBAL_RATE_LIMIT", true),
		EnableChallengeResponse: getEnvBool("ENABLE_CHALLENGE_RESPONSE", true),
		EnableBotVerification:   getEnvBool("ENABLE_BOT_VERIFICATION", false),
		EnableCostThrottling:    getEnvBool("ENABLE_COST_THROTTLING", true),
		UseInfinityEmbeddings:   getEnvBool("USE_INFINITY_EMBEDDINGS", true),
		UseRedisCache:           getEnvBool("USE_REDIS_CACHE", true),
		UseFAQIndexing:          getEnvBool("USE_FAQ_INDEXING", true),
		TrustXForwardedFor:      getEnvBool("TRUST_X_FORWARDED_FOR", false),

		GlobalRateLimitPerMinute: getEnvInt("GLOBAL_RATE_LIMIT_PER_MINUTE", 1000),
		GlobalRateLimitPerHour:   getEnvInt("GLOBAL_RATE_LIMIT_PER_HOUR", 50000),
		RateLimitPerMinute:       getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		RateLimitPerHour:         getEnvInt("RATE_LIMIT_PER_HOUR", 100),
		BotStrictFactor:          getEnvInt("BOT_STRICT_FACTOR", 10),
		ChallengeTTLSeconds:      getEnvInt("CHALLENGE_TTL_SECONDS", 300),
		ChallengeRequestRateLimitSeconds: getEnvInt("CHALLENGE_REQUEST_RATE_LIMIT_SECONDS", 3),
		MaxActiveChallengesPerIdentifier: getEnvInt("MAX_ACTIVE_CHALLENGES_PER_IDENTIFIER", 15),
		HighCostThresholdUSD:     getEnvFloat("HIGH_COST_THRESHOLD_USD", 0.02),
		HighCostWindowSeconds:    getEnvInt("HIGH_COST_WINDOW_SECONDS", 600),
		CostThrottleDurationSec:  getEnvInt("COST_THROTTLE_DURATION_SECONDS", 30),
		DailyCostLimitUSD:        getEnvFloat("DAILY_COST_LIMIT_USD", 5.00),
		HourlyCostLimitUSD:       getEnvFloat("HOURLY_COST_LIMIT_USD", 1.00),

		RetrieverK:          getEnvInt("RETRIEVER_K", 12),
		MinVectorSimilarity: getEnvFloat("MIN_VECTOR_SIMILARITY", 0.28),
		SparseRerankLimit:   getEnvInt("SPARSE_RERANK_LIMIT", 10),
		FAQMatchThreshold:   getEnvInt("FAQ_MATCH_THRESHOLD", 85),

		DefaultTimeout:  time.Duration(defaultTimeoutSec) * time.Second,
		LLMTimeout:      time.Duration(llmTimeoutSec) * time.Second,
		RetrieveTimeout: time.Duration(retrieveTimeoutSec) * time.Second,
		MaxBodyBytes:    int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 64*1024)),

		AllowedOrigins:       getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		MaxConcurrentStreams: getEnvInt("MAX_CONCURRENT_STREAMS", 64),

		AnthropicAPIKey:       getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:        getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		AnthropicRewriteModel: getEnv("ANTHROPIC_REWRITE_MODEL", "claude-3-5-haiku-20241022"),
		InfinityBaseURL:       getEnv("INFINITY_BASE_URL", "http://localhost:7997"),
		InfinityModel:         getEnv("INFINITY_EMBEDDING_MODEL", "BAAI/bge-small-en-v1.5"),

		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		AnalyticsIngestURL: getEnv("ANALYTICS_INGEST_URL", ""),

		TurnstileSecretKey: getEnv("TURNSTILE_SECRET_KEY", ""),

		KBCorpusPath: getEnv("KB_CORPUS_PATH", ""),

		FAQRefreshInterval: time.Duration(getEnvInt("FAQ_REFRESH_INTERVAL_HOURS", 6)) * time.Hour,
		FAQQuestions:       getEnvList("FAQ_QUESTIONS", nil),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
