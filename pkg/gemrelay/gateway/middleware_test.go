package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
}

func TestCompareTokens(t *testing.T) {
	if !compareTokens("secret", "secret") {
		t.Error("equal tokens rejected")
	}
	if compareTokens("secret", "wrong") {
		t.Error("unequal tokens accepted")
	}
	if compareTokens("secret", "secret-but-longer") {
		t.Error("prefix match accepted")
	}
	if !compareTokens("", "") {
		t.Error("empty tokens should compare equal")
	}
}

func TestAuthMiddleware(t *testing.T) {
	g := newTestGateway(t, &stubTransport{text: "x"}, relay.GatewayConfig{AuthToken: "hunter2"})
	handler := g.authMiddleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid bearer token", "/api/chat", "Bearer hunter2", 200},
		{"missing header", "/api/chat", "", 401},
		{"wrong token", "/api/chat", "Bearer wrong", 401},
		{"wrong scheme", "/api/chat", "Basic hunter2", 401},
		{"liveness stays public", "/health", "", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	g := newTestGateway(t, &stubTransport{text: "x"}, relay.GatewayConfig{})
	handler := g.authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	if rec.Code != 200 {
		t.Errorf("status without configured token = %d, want 200", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	g := newTestGateway(t, &stubTransport{text: "x"}, relay.GatewayConfig{
		CORSOrigins: []string{"https://app.example.com"},
	})
	handler := g.corsMiddleware(okHandler())

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("allow-origin = %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("allow-origin = %q, want empty", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
			t.Error("allow-methods header missing")
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		gw := newTestGateway(t, &stubTransport{text: "x"}, relay.GatewayConfig{CORSOrigins: []string{"*"}})
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "https://anything.example.com")
		rec := httptest.NewRecorder()
		gw.corsMiddleware(okHandler()).ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example.com" {
			t.Errorf("allow-origin = %q", got)
		}
	})
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	g := newTestGateway(t, &stubTransport{text: "x"}, relay.GatewayConfig{})
	rec := httptest.NewRecorder()
	g.securityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}
