package handler

import (
	"context"
	"net/http"
	"time"
)

// Health is the sanitized liveness summary: no dependency details, no
// version leakage.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Live reports process liveness only.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready reports whether the backing services answer, for load-balancer
// rotation decisions.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Deps.Ready(ctx); err != nil {
			h.Logger.Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
