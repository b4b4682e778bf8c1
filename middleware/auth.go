// Package middleware holds the HTTP middleware chain pieces that sit in
// front of the handlers: admin bearer auth, CORS, response headers,
// request timeout, body limits, and the streaming concurrency cap. The
// admission gate itself is not middleware — it needs the parsed body for
// cost estimation, so the chat handler invokes it directly.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// AdminAuth guards the /admin subtree with a static bearer token,
// compared in constant time. An empty configured token disables the
// subtree entirely rather than leaving it open.
func AdminAuth(token string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeAuthError(w, http.StatusNotFound, "not found")
				return
			}
			presented := bearerToken(r)
			if presented == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.Warn().Str("path", r.URL.Path).Msg("admin auth failed")
				writeAuthError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
