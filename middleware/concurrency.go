package middleware

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// StreamLimiter caps the number of concurrently open SSE streams. Each
// stream holds an LLM connection and a flusher loop for its whole
// lifetime, so unbounded concurrency exhausts upstream quota long before
// it exhausts sockets. Excess requests get an immediate 503 rather than
// queueing — the client's retry lands after currently-open streams drain.
type StreamLimiter struct {
	sem     chan struct{}
	current int64
}

func NewStreamLimiter(max int) *StreamLimiter {
	if max <= 0 {
		max = 64
	}
	return &StreamLimiter{sem: make(chan struct{}, max)}
}

// InFlight reports the current number of held slots.
func (l *StreamLimiter) InFlight() int64 {
	return atomic.LoadInt64(&l.current)
}

func (l *StreamLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case l.sem <- struct{}{}:
			atomic.AddInt64(&l.current, 1)
			defer func() {
				<-l.sem
				atomic.AddInt64(&l.current, -1)
			}()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "overloaded",
				"message": "too many concurrent streams, try again shortly",
			})
		}
	})
}
