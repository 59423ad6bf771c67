package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Dangere/syncora-backend/internal/audit"
	"github.com/Dangere/syncora-backend/internal/auth"
	"github.com/Dangere/syncora-backend/internal/domain"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitExceeded(t *testing.T) {
	handler := RequestID(NewLimiter(1, 1).Middleware(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" || body["request_id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("a different client must have its own bucket, got %d", rr3.Code)
	}
}

func TestRateLimitKeysByAccount(t *testing.T) {
	handler := NewLimiter(1, 1).Middleware(okHandler())

	send := func(account string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/sync", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req = req.WithContext(auth.ContextWithAccountID(req.Context(), account))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}
	if send("a") != http.StatusOK || send("b") != http.StatusOK {
		t.Fatal("accounts behind one address must not share a bucket")
	}
	if send("a") != http.StatusTooManyRequests {
		t.Fatal("expected second request of account a to be limited")
	}
}

func TestLimiterSweepDropsIdleBuckets(t *testing.T) {
	l := NewLimiter(5, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(time.Minute)
	l.Allow("b")
	now = now.Add(l.ttl)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected one bucket left, got %d", n)
	}
	if _, ok := l.buckets["b"]; !ok {
		t.Fatal("recently used bucket was swept")
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestID(Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.Header.Set(requestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms", "bytes", "user_agent"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if fields["request_id"] != "req-42" {
		t.Fatalf("unexpected request id %v", fields["request_id"])
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", fields["status"])
	}
	if rr.Header().Get(requestIDHeader) != "req-42" {
		t.Fatal("request id must be echoed")
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFromContext(r.Context())
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("request id %q not propagated (header %q)", seen, rr.Header().Get(requestIDHeader))
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(DefaultOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/v1/groups", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("origin not allowed: %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}

	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("foreign origin must not be allowed")
	}

	handler = CORS([]string{"app.example.com", "*.example.org"})(okHandler())
	for origin, want := range map[string]bool{
		"https://app.example.com":    true,
		"https://web.example.org":    true,
		"https://APP.example.com":    true,
		"http://localhost:5173":      false,
		"https://app.example.com.io": false,
		"not a url":                  false,
	} {
		req := httptest.NewRequest(http.MethodGet, "/v1/groups", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if got := rr.Header().Get("Access-Control-Allow-Origin") != ""; got != want {
			t.Errorf("origin %q allowed=%v, want %v", origin, got, want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Errorf(domain.ErrNotFound, "group %s", "g1"), http.StatusNotFound},
		{domain.Errorf(domain.ErrForbidden, "owner only"), http.StatusForbidden},
		{domain.Errorf(domain.ErrConflict, "group details are the same"), http.StatusConflict},
		{domain.Errorf(domain.ErrValidation, "title"), http.StatusBadRequest},
		{domain.Infrastructure(errors.New("connection reset")), http.StatusServiceUnavailable},
		{fmt.Errorf("load: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusOf(tc.err); got != tc.want {
			t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestClientIPTrustsForwardedForOnlyFromProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseTrustedProxies([]string{"proxy.local"}); err == nil {
		t.Fatal("expected error for a hostname")
	}

	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct client spoofing header", "203.0.113.7:5000", "1.2.3.4", "203.0.113.7"},
		{"trusted proxy", "10.1.2.3:443", "198.51.100.9", "198.51.100.9"},
		{"chain of proxies", "10.1.2.3:443", "1.2.3.4, 198.51.100.9, 192.168.1.1", "198.51.100.9"},
		{"proxy without header", "192.168.1.1:80", "", "192.168.1.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := ClientIP(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = clientIP(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
			if seen != tc.want {
				t.Fatalf("client ip %q, want %q", seen, tc.want)
			}
		})
	}
}

func TestRateLimitIgnoresRotatedForwardedFor(t *testing.T) {
	handler := ClientIP(nil)(NewLimiter(1, 1).Middleware(okHandler()))

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}
	if send("1.1.1.1") != http.StatusOK {
		t.Fatal("first request must pass")
	}
	if send("2.2.2.2") != http.StatusTooManyRequests {
		t.Fatal("a new X-Forwarded-For value must not reset the bucket")
	}
}
