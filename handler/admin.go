package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kbgateway/gateway/admission"
)

// AdminSpendSnapshot renders the current daily/hourly spend totals
// against the configured limits.
func (h *Handler) AdminSpendSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := h.Ledger.Snapshot(r.Context(), time.Now())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"daily_usd":  snapshot.DailyUSD,
		"hourly_usd": snapshot.HourlyUSD,
		"limits": map[string]float64{
			"daily_usd":  snapshot.Limits.DailyUSD,
			"hourly_usd": snapshot.Limits.HourlyUSD,
		},
	})
}

// AdminGetSettings returns the stored abuse-prevention override blob and
// the effective limits after applying it over the env defaults.
func (h *Handler) AdminGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stored":    h.Settings.Stored(r.Context()),
		"effective": h.Settings.Current(r.Context()),
	})
}

// AdminPutSettings replaces the stored override blob and invalidates the
// process-local settings cache.
func (h *Handler) AdminPutSettings(w http.ResponseWriter, r *http.Request) {
	var settings admission.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeValidationError(w)
		return
	}
	if err := h.Settings.Put(r.Context(), settings); err != nil {
		h.Logger.Error().Err(err).Msg("settings write failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// AdminClearCache empties the exact and semantic tiers.
func (h *Handler) AdminClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Caches.Clear(r.Context()); err != nil {
		h.Logger.Error().Err(err).Msg("cache clear failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// AdminRefreshFAQ forces an immediate FAQ corpus refresh.
func (h *Handler) AdminRefreshFAQ(w http.ResponseWriter, r *http.Request) {
	if h.FAQ == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "faq_disabled",
			"message": "FAQ indexing is not enabled",
		})
		return
	}
	if err := h.FAQ.Refresh(r.Context()); err != nil {
		h.Logger.Error().Err(err).Msg("FAQ refresh failed")
		writeInternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// AdminReloadParents invalidates the lazy parent-chunk index so the next
// query reloads it from the document store, for use after an ingestion
// run.
func (h *Handler) AdminReloadParents(w http.ResponseWriter, r *http.Request) {
	h.Parents.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}
