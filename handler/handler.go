// Package handler implements the gateway's HTTP surface: the streaming
// chat endpoint, challenge issuance, health probes, and the
// bearer-guarded admin operations. The HTTP boundary is the single error
// sanitization point — internal errors are logged here and never leave
// the process in a response body.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/admission"
	"github.com/kbgateway/gateway/analytics"
	"github.com/kbgateway/gateway/atomicx"
	"github.com/kbgateway/gateway/cache"
	"github.com/kbgateway/gateway/config"
	"github.com/kbgateway/gateway/generator"
	"github.com/kbgateway/gateway/llmport"
	"github.com/kbgateway/gateway/observability"
	"github.com/kbgateway/gateway/pipeline"
	"github.com/kbgateway/gateway/retrieval"
	"github.com/kbgateway/gateway/spend"
)

// Deps bundles everything the handlers need, constructed once at startup
// and threaded explicitly (no package-level state).
type Deps struct {
	Cfg      *config.Config
	Logger   zerolog.Logger
	Gate     *admission.Gate
	Settings *admission.SettingsStore
	Engine   *atomicx.Engine
	Driver   *pipeline.Driver
	Gen      *generator.Generator
	Ledger   *spend.Ledger
	Caches   *cache.Hierarchy
	FAQ      *cache.FAQRefresher
	Parents  *retrieval.LazyParentIndex
	Tok      *llmport.Tokenizer
	Prices   *llmport.PriceTable
	Model    string

	Metrics   *observability.Metrics
	Alerter   *observability.Alerter
	Analytics *analytics.Pipeline

	// Ready reports whether the gateway's backing services are reachable,
	// for the readiness probe.
	Ready func(ctx context.Context) error
}

// Handler carries the dependency set across the endpoint methods.
type Handler struct {
	Deps
}

func New(deps Deps) *Handler {
	deps.Logger = deps.Logger.With().Str("component", "handler").Logger()
	return &Handler{Deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeValidationError is the 422 shape for malformed or oversize input.
// Always generic: the parse error itself never reaches the client.
func writeValidationError(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"error":   "validation_failed",
		"message": "the request could not be processed",
	})
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "internal_error",
		"message": "an internal error occurred",
	})
}
