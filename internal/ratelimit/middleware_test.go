package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	cfg := config.RateLimitConfig{
		GlobalEnabled: true,
		GlobalLimit:   3,
		GlobalWindow:  config.Duration{Duration: time.Minute},
	}
	m := metrics.New(prometheus.NewRegistry())
	handler := GlobalLimiter(cfg, m)(okHandler())

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/proxy", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		handler.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", last.Header().Get("Retry-After"))
	}

	var body rateLimitResponse
	if err := json.Unmarshal(last.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate_limit_exceeded" || body.RetryAfterSeconds != 60 {
		t.Errorf("body = %+v", body)
	}
}

func TestGlobalLimiter_DisabledPassesThrough(t *testing.T) {
	handler := GlobalLimiter(config.RateLimitConfig{}, nil)(okHandler())
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d with limiting disabled", i, rec.Code)
		}
	}
}

func TestIPLimiter_IsolatesPerSource(t *testing.T) {
	cfg := config.RateLimitConfig{
		PerIPEnabled: true,
		PerIPLimit:   2,
		PerIPWindow:  config.Duration{Duration: time.Minute},
	}
	handler := IPLimiter(cfg, metrics.New(prometheus.NewRegistry()))(okHandler())

	send := func(addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	send("198.51.100.1:1000")
	send("198.51.100.1:1000")
	if code := send("198.51.100.1:1000"); code != http.StatusTooManyRequests {
		t.Fatalf("3rd request from same IP = %d, want 429", code)
	}
	if code := send("198.51.100.2:1000"); code != http.StatusOK {
		t.Fatalf("other IP = %d, want 200", code)
	}
}
