package apihttp

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ---------- CORS middleware tests ----------

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCorsMiddleware_AllowAll_WhenNoOriginsConfigured(t *testing.T) {
	handler := corsMiddleware(nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Errorf("expected origin reflected, got %q", got)
	}
}

func TestCorsMiddleware_Whitelist(t *testing.T) {
	handler := corsMiddleware([]string{"http://allowed.com"}, okHandler())

	tests := []struct {
		origin string
		want   string
	}{
		{"http://allowed.com", "http://allowed.com"},
		{"http://evil.com", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: got %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestCorsMiddleware_Preflight(t *testing.T) {
	called := false
	handler := corsMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if called {
		t.Fatalf("preflight should not reach the handler")
	}
}

// ---------- recovery / rate limit ----------

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := recoveryMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := rateLimitMiddleware(1, 1, okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if second.Code != http.StatusTooManyRequests || second.Header().Get("Retry-After") != "1" {
		t.Fatalf("second status = %d", second.Code)
	}

	metrics := httptest.NewRecorder()
	handler.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metrics.Code != http.StatusOK {
		t.Fatalf("/metrics should bypass the limiter, got %d", metrics.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	next := okHandler()
	if got := rateLimitMiddleware(0, 0, next); got == nil {
		t.Fatalf("expected handler")
	}
}

// ---------- helpers ----------

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/jobs", "/jobs"},
		{"/jobs/abc", "/jobs/:id"},
		{"/jobs/abc/pause", "/jobs/:id/pause"},
		{"/jobs/abc/resume", "/jobs/:id/resume"},
		{"/engine", "/engine"},
		{"/history", "/history"},
		{"/favicon.ico", "/other"},
	}
	for _, tt := range tests {
		if got := normalizeRoute(tt.path); got != tt.want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestPickRequestLogLevel(t *testing.T) {
	if pickRequestLogLevel("/jobs", 500) != slog.LevelError {
		t.Fatalf("5xx should log at error")
	}
	if pickRequestLogLevel("/jobs", 404) != slog.LevelWarn {
		t.Fatalf("4xx should log at warn")
	}
	if pickRequestLogLevel("/engine", 200) != slog.LevelDebug {
		t.Fatalf("polling endpoint should log at debug")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("clientIP = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:4000"
	if got := clientIP(req); got != "192.168.1.5" {
		t.Fatalf("clientIP = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefgh", 6); got != "abc..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abc", 10); got != "abc" {
		t.Fatalf("truncate = %q", got)
	}
}

// ---------- request id ----------

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"kept", "abc-123", "abc-123"},
		{"missing", "", "generated"},
		{"too long", strings.Repeat("x", maxRequestIDLen+1), "generated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			if tt.header != "" {
				req.Header.Set(requestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if seen != tt.want || rec.Header().Get(requestIDHeader) != tt.want {
				t.Fatalf("request id = %q / %q, want %q", seen, rec.Header().Get(requestIDHeader), tt.want)
			}
		})
	}
}

func TestCreateJobUsesRequestIDHeader(t *testing.T) {
	engine := newFakeEngine()
	s := newTestServer(t, engine)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"magnet":"magnet:?xt=urn:btih:abc"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, "trace-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(engine.added) != 1 || engine.added[0].CallerID != "trace-42" {
		t.Fatalf("caller id not taken from header: %+v", engine.added)
	}
}
