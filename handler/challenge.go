package handler

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/kbgateway/gateway/admission"
	"github.com/kbgateway/gateway/atomicx"
	"github.com/kbgateway/gateway/identity"
)

// Challenge issues a single-use challenge bound to the caller's
// identifier. The mint script itself rate-limits rapid repeated calls and
// reuses a just-minted challenge instead of burning an active-set slot.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	if !h.Cfg.EnableChallengeResponse {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"challenge":          "disabled",
			"expires_in_seconds": 0,
		})
		return
	}

	id := identity.Extract(r, h.Cfg.TrustXForwardedFor)

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		h.Logger.Error().Err(err).Msg("challenge entropy unavailable")
		writeInternalError(w)
		return
	}
	newID := hex.EncodeToString(raw)

	result, err := h.Engine.MintChallenge(r.Context(), id.StableIdentifier, newID,
		time.Now().Unix(),
		int64(h.Cfg.ChallengeTTLSeconds),
		int64(h.Cfg.ChallengeRequestRateLimitSeconds),
		int64(h.Cfg.MaxActiveChallengesPerIdentifier),
		admission.BanLadder)
	if err != nil {
		h.Logger.Error().Err(err).Msg("challenge mint failed")
		writeInternalError(w)
		return
	}

	switch result.Status {
	case atomicx.ChallengeMinted:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"challenge":          result.ChallengeID,
			"expires_in_seconds": result.ExpiresInSeconds,
		})

	case atomicx.ChallengeRateLimited:
		setRetryAfter(w, result.ExpiresInSeconds)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               "rate_limited",
			"message":             "challenge requests are rate limited",
			"retry_after_seconds": result.ExpiresInSeconds,
		})

	case atomicx.ChallengeBanned:
		retryAfter := result.BanExpiry - time.Now().Unix()
		setRetryAfter(w, retryAfter)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               "rate_limited",
			"message":             "too many challenge violations, temporarily banned",
			"retry_after_seconds": retryAfter,
			"ban_expires_at":      result.BanExpiry,
			"violation_count":     result.ViolationCount,
		})

	case atomicx.ChallengeTooManyActive:
		setRetryAfter(w, result.ExpiresInSeconds)
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":               "rate_limited",
			"message":             "too many active challenges for this identifier",
			"retry_after_seconds": result.ExpiresInSeconds,
		})

	default:
		writeInternalError(w)
	}
}
