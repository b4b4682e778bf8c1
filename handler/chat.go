package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kbgateway/gateway/admission"
	"github.com/kbgateway/gateway/analytics"
	"github.com/kbgateway/gateway/cache"
	"github.com/kbgateway/gateway/generator"
	"github.com/kbgateway/gateway/identity"
	"github.com/kbgateway/gateway/llmport"
	"github.com/kbgateway/gateway/pipeline"
	"github.com/kbgateway/gateway/spend"
)

// systemPrompt is the fixed generation instruction: concise, grounded,
// no citation jargon, scoped to the knowledge base's domain.
const systemPrompt = `You are a helpful assistant answering questions about Litecoin using the provided context. Answer concisely and directly from the context. Do not mention "the context", "the documents", or cite source numbers. If the context does not contain the answer, say you don't have that information yet.`

// contextOverheadTokens is the fixed prompt overhead (system instruction
// plus retrieved context headroom) folded into the pre-admission cost
// estimate.
const contextOverheadTokens = 800

// cachedChunkRunes is how finely cached answers are re-chunked onto the
// stream.
const cachedChunkRunes = 10

// ChatRequest is the POST /chat/stream body.
type ChatRequest struct {
	Query                string     `json:"query"`
	History              []ChatTurn `json:"history"`
	BotVerificationToken string     `json:"bot_verification_token,omitempty"`
}

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatStream is the query endpoint: admission gate, then the pipeline,
// then either a cached/no-match stream or a live generation, all on one
// SSE response.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	requestID := chimw.GetReqID(ctx)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeValidationError(w)
		return
	}
	history := toMessages(req.History)

	id := identity.Extract(r, h.Cfg.TrustXForwardedFor)
	limits := h.Settings.Current(ctx)

	// Bot verification never blocks; a failed or errored check tightens
	// the per-identifier bucket for this request only.
	if strict := h.Gate.VerifyBot(ctx, req.BotVerificationToken, limits); strict > 1 {
		limits.PerIdentifierPerMinute = atLeastOne(limits.PerIdentifierPerMinute / strict)
		limits.PerIdentifierPerHour = atLeastOne(limits.PerIdentifierPerHour / strict)
	}

	estTokens := h.Tok.EstimateQueryCost(history, req.Query, contextOverheadTokens)
	estCost := h.Prices.Cost(h.Model, estTokens, estTokens/3)

	decision := h.Gate.Admit(ctx, id, limits, estCost, time.Now(),
		false, true, h.Cfg.IsProduction(), h.Settings.CostThrottleOverride(ctx))
	if !decision.Allowed() {
		h.rejectAdmission(w, requestID, id, decision, limits)
		return
	}

	state := h.Driver.Run(ctx, req.Query, history)
	if state.Fatal != nil {
		if errors.Is(state.Fatal, pipeline.ErrEmptyQuery) || errors.Is(state.Fatal, pipeline.ErrQueryTooLong) {
			writeValidationError(w)
		} else {
			h.Logger.Error().Err(state.Fatal).Str("request_id", requestID).Msg("pipeline failed")
			writeInternalError(w)
		}
		return
	}

	event := analytics.QueryEvent{
		RequestID:   requestID,
		Identifier:  id.StableIdentifier,
		IsDependent: state.IsDependent,
		Intent:      string(state.Intent),
		QueryLength: len(req.Query),
	}

	switch {
	case state.EarlyAnswer != nil:
		h.streamCachedAnswer(w, state, &event)
	case state.NoMatch:
		h.streamNoMatch(w, &event)
	default:
		h.streamGeneration(ctx, w, state, &event)
	}

	event.LatencyMs = int(time.Since(start).Milliseconds())
	h.Metrics.StreamDuration.Observe(time.Since(start).Seconds())
	h.Analytics.Track(event)
}

func (h *Handler) streamCachedAnswer(w http.ResponseWriter, state *pipeline.State, event *analytics.QueryEvent) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeInternalError(w)
		return
	}
	sse.thinking()
	sse.sources(state.EarlyAnswer.Sources)
	sse.streamText(state.EarlyAnswer.Text, cachedChunkRunes)
	sse.complete(state.FromCache)

	h.Metrics.QueriesTotal.WithLabelValues("cached").Inc()
	h.Metrics.CacheHits.WithLabelValues(state.FromCache).Inc()
	event.Outcome = "cached"
	event.FromCache = state.FromCache
	event.SourcesShown = len(state.EarlyAnswer.Sources)
}

func (h *Handler) streamNoMatch(w http.ResponseWriter, event *analytics.QueryEvent) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeInternalError(w)
		return
	}
	sse.thinking()
	sse.streamText(pipeline.NoMatchText, cachedChunkRunes)
	sse.complete(false)

	h.Metrics.QueriesTotal.WithLabelValues("no_match").Inc()
	h.Metrics.CacheMisses.Inc()
	event.Outcome = "no_match"
}

// streamGeneration runs the generator, holding off the SSE response until
// the first event so a spend-limit rejection can still surface as a plain
// 429 rather than a streamed error.
func (h *Handler) streamGeneration(ctx context.Context, w http.ResponseWriter, state *pipeline.State, event *analytics.QueryEvent) {
	h.Metrics.CacheMisses.Inc()
	h.Metrics.ActiveStreams.Inc()
	defer h.Metrics.ActiveStreams.Dec()

	genReq := generator.Request{
		Identifier: event.Identifier,
		System:     systemPrompt,
		Context:    pipeline.ContextBlock(state.ContextDocs),
		History:    state.History,
		Query:      state.SanitizedQuery,
		Sources:    state.PublishedSources,
		ExactKey:   state.ExactKey,
		Vector:     state.QueryVector,
	}
	event.DocsRetrieved = len(state.ContextDocs)

	events := h.Gen.Stream(ctx, genReq)

	first, open := <-events
	if !open {
		writeInternalError(w)
		event.Outcome = "error"
		return
	}
	if first.Type == "error" {
		if reason, isSpend := generator.SpendReject(first.Err); isSpend {
			h.rejectSpend(w, event, reason)
			return
		}
		// Upstream failure before any token: surface as a streamed error
		// per the taxonomy, with the generic string only.
		sse, ok := newSSEWriter(w)
		if !ok {
			writeInternalError(w)
			return
		}
		sse.thinking()
		sse.error(cache.GenericErrorText)
		h.Logger.Error().Err(first.Err).Str("request_id", event.RequestID).Msg("generation failed before streaming")
		h.Metrics.QueriesTotal.WithLabelValues("error").Inc()
		event.Outcome = "error"
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeInternalError(w)
		return
	}
	sse.thinking()
	if first.Type == "sources" {
		sse.sources(first.Sources)
		event.SourcesShown = len(first.Sources)
	}

	outcome := "generated"
	for ev := range events {
		switch ev.Type {
		case "chunk":
			sse.chunk(ev.Chunk)
		case "metadata":
			event.InputTokens = ev.Metadata.InputTokens
			event.OutputTokens = ev.Metadata.OutputTokens
			event.CostUSD = ev.Metadata.CostUSD
			event.ClientDisconnect = ev.Metadata.FinishReason == "client_disconnect"
			h.Metrics.TokensTotal.WithLabelValues("input").Add(float64(ev.Metadata.InputTokens))
			h.Metrics.TokensTotal.WithLabelValues("output").Add(float64(ev.Metadata.OutputTokens))
			h.Metrics.SpendUSDTotal.Add(ev.Metadata.CostUSD)
			if event.ClientDisconnect {
				h.Metrics.ClientDisconnects.Inc()
			}
		case "complete":
			sse.complete(false)
		case "error":
			h.Logger.Error().Err(ev.Err).Str("request_id", event.RequestID).Msg("stream error")
			sse.error(cache.GenericErrorText)
			outcome = "error"
		}
	}

	h.Metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	event.Outcome = outcome
}

func (h *Handler) rejectAdmission(w http.ResponseWriter, requestID string, id identity.Identity, decision admission.Decision, limits admission.Limits) {
	event := analytics.QueryEvent{
		RequestID:  requestID,
		Identifier: id.StableIdentifier,
		Outcome:    "rejected",
	}

	switch decision.Kind {
	case admission.RejectChallengeInvalid:
		h.Metrics.AdmissionRejects.WithLabelValues("challenge").Inc()
		event.RejectKind = "challenge"
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   "challenge_invalid",
			"message": decision.Message,
		})

	case admission.RejectCostThrottle:
		h.Metrics.AdmissionRejects.WithLabelValues("cost_throttle").Inc()
		event.RejectKind = "cost_throttle"
		setRetryAfter(w, decision.RetryAfterSeconds)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               "cost_throttled",
			"message":             decision.Message,
			"reason":              decision.ThrottleReason,
			"retry_after_seconds": decision.RetryAfterSeconds,
		})
		h.fireRateLimitAlert("cost throttle tripped", id, decision)

	default:
		kind := "rate_limit"
		if decision.Kind == admission.RejectBanned {
			kind = "banned"
		} else if decision.Kind == admission.RejectGlobalRateLimit {
			kind = "global_rate_limit"
		}
		h.Metrics.AdmissionRejects.WithLabelValues(kind).Inc()
		event.RejectKind = kind

		body := map[string]interface{}{
			"error":   "rate_limited",
			"message": decision.Message,
			"limits": map[string]int64{
				"per_minute": limits.PerIdentifierPerMinute,
				"per_hour":   limits.PerIdentifierPerHour,
			},
			"retry_after_seconds": decision.RetryAfterSeconds,
		}
		if decision.BanExpiresAt > 0 {
			body["ban_expires_at"] = decision.BanExpiresAt
		}
		if decision.ViolationCount > 0 {
			body["violation_count"] = decision.ViolationCount
		}
		setRetryAfter(w, decision.RetryAfterSeconds)
		writeJSON(w, http.StatusTooManyRequests, body)
		h.fireRateLimitAlert("rate limit exceeded", id, decision)
	}

	h.Analytics.Track(event)
}

func (h *Handler) rejectSpend(w http.ResponseWriter, event *analytics.QueryEvent, reason spend.RejectReason) {
	h.Metrics.SpendRejects.WithLabelValues(string(reason)).Inc()
	event.Outcome = "rejected"
	event.RejectKind = "spend_limit"
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":   "spend_limit_exceeded",
		"message": "the service's spend budget is exhausted for this window, please try again later",
		"type":    string(reason),
	})
	h.Alerter.Fire("critical", "spend limit exceeded", "spend:"+string(reason), map[string]interface{}{
		"window":     string(reason),
		"identifier": event.Identifier,
	})
}

func (h *Handler) fireRateLimitAlert(summary string, id identity.Identity, decision admission.Decision) {
	h.Alerter.Fire("warning", summary, "admission:"+id.StableIdentifier, map[string]interface{}{
		"identifier":      id.StableIdentifier,
		"retry_after":     decision.RetryAfterSeconds,
		"violation_count": decision.ViolationCount,
	})
}

func toMessages(turns []ChatTurn) []llmport.Message {
	out := make([]llmport.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		out = append(out, llmport.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

func setRetryAfter(w http.ResponseWriter, seconds int64) {
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
}

func atLeastOne(n int64) int64 {
	if n < 1 {
		return 1
	}
	return n
}
