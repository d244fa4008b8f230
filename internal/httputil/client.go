package httputil

import (
	"net/http"
	"time"
)

// NewClient creates an HTTP client with the given timeout and tuned transport
// settings. All outbound HTTP in the gateway (facilitator, DNS provider,
// benchmark probes, proxied upstreams) goes through clients built here so
// connection reuse behaves the same everywhere.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(),
	}
}

// NewTransport returns the shared transport configuration.
//
//   - MaxIdleConns: 100 (total idle connections across all hosts)
//   - MaxIdleConnsPerHost: 10 (idle connections per host)
//   - IdleConnTimeout: 90s
func NewTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}
