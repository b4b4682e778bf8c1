// Package router mounts the gateway's HTTP surface on chi with the
// middleware chain: CORS → security headers → request ID → recoverer →
// request logger, then route-scoped body limits, timeouts, and the
// streaming concurrency cap. The admission gate is not in this chain — it
// needs the parsed body for cost estimation, so the chat handler runs it
// first thing instead.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/config"
	"github.com/kbgateway/gateway/handler"
	gwmw "github.com/kbgateway/gateway/middleware"
	"github.com/kbgateway/gateway/observability"
)

// New returns the configured chi router with every route mounted.
func New(cfg *config.Config, log zerolog.Logger, h *handler.Handler, metrics *observability.Metrics, streamLimiter *gwmw.StreamLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.CORS(cfg.AllowedOrigins))
	r.Use(gwmw.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))

	// Health and metrics: unauthenticated, no body, no timeout wrapper.
	r.Get("/health", h.Health)
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Challenge issuance: rate-limited inside the mint script itself.
	r.With(gwmw.Timeout(cfg.DefaultTimeout, log)).
		Get("/auth/challenge", h.Challenge)

	// The query endpoint: body-bounded and concurrency-capped, but NOT
	// behind the timeout middleware — a live SSE stream outlives any
	// fixed deadline, and the generator enforces its own LLM timeout.
	r.With(gwmw.MaxBody(cfg.MaxBodyBytes), streamLimiter.Handler).
		Post("/chat/stream", h.ChatStream)

	// Admin subtree: bearer-authenticated, excluded from the global rate
	// limit by construction (the admission gate only runs on the chat
	// endpoint).
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(gwmw.AdminAuth(cfg.AdminBearerToken, log))
		ar.Use(gwmw.Timeout(cfg.DefaultTimeout, log))
		ar.Use(gwmw.MaxBody(cfg.MaxBodyBytes))

		ar.Get("/spend", h.AdminSpendSnapshot)
		ar.Get("/settings/abuse-prevention", h.AdminGetSettings)
		ar.Put("/settings/abuse-prevention", h.AdminPutSettings)
		ar.Post("/cache/clear", h.AdminClearCache)
		ar.Post("/faq/refresh", h.AdminRefreshFAQ)
		ar.Post("/parents/reload", h.AdminReloadParents)
	})

	return r
}

// requestLogger emits one structured line per request. Streaming
// responses log at completion, so duration covers the full stream.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
