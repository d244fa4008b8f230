// Package ratelimit provides the gateway's request throttling middleware:
// a global limiter protecting the process and a per-IP limiter protecting
// against single-source spam.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/httprate"

	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/metrics"
)

// rateLimitResponse is the JSON body sent with 429 responses.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func limitHandler(limiter string, windowSeconds int, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.RateLimitHitsTotal.WithLabelValues(limiter).Inc()
		}

		message := "Rate limit exceeded. Please try again later."
		if limiter == "per_ip" {
			message = "IP rate limit exceeded. Please try again later."
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter throttles the whole process regardless of source.
func GlobalLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow.Duration,
		httprate.WithLimitHandler(limitHandler("global", int(cfg.GlobalWindow.Duration.Seconds()), m)),
	)
}

// IPLimiter throttles each client address independently.
func IPLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow.Duration,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", int(cfg.PerIPWindow.Duration.Seconds()), m)),
	)
}
