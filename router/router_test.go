package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kbgateway/gateway/config"
	"github.com/kbgateway/gateway/handler"
	gwmw "github.com/kbgateway/gateway/middleware"
	"github.com/kbgateway/gateway/observability"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Env:              "test",
		AllowedOrigins:   []string{"*"},
		AdminBearerToken: "admin-secret",
		MaxBodyBytes:     1024,
	}
	h := handler.New(handler.Deps{Cfg: cfg, Logger: zerolog.Nop()})
	return New(cfg, zerolog.Nop(), h, observability.NewMetrics(), gwmw.NewStreamLimiter(4))
}

func get(t *testing.T, r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthEndpoints(t *testing.T) {
	r := testRouter(t)
	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		if w := get(t, r, path, nil); w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestRouter_MetricsExposition(t *testing.T) {
	r := testRouter(t)
	w := get(t, r, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
}

func TestRouter_AdminRequiresBearer(t *testing.T) {
	r := testRouter(t)

	if w := get(t, r, "/admin/settings/abuse-prevention", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated admin GET = %d, want 401", w.Code)
	}
	if w := get(t, r, "/admin/settings/abuse-prevention", map[string]string{
		"Authorization": "Bearer wrong",
	}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong-token admin GET = %d, want 401", w.Code)
	}
}

func TestRouter_UnknownRoute404(t *testing.T) {
	r := testRouter(t)
	if w := get(t, r, "/v1/chat/completions", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", w.Code)
	}
}

func TestRouter_SecurityHeadersApplied(t *testing.T) {
	r := testRouter(t)
	w := get(t, r, "/health", nil)
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing from the chain")
	}
}
