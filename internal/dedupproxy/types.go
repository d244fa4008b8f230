package dedupproxy

import (
	"errors"
	"net/http"
	"time"
)

// Sentinel errors for outbound failures that never produce a cacheable
// response. The HTTP layer maps these onto 502/504/500 surfaces.
var (
	// ErrUpstreamUnreachable covers DNS and connect failures: the upstream
	// never produced a status line.
	ErrUpstreamUnreachable = errors.New("dedupproxy: upstream unreachable")

	// ErrUpstreamTimeout covers the 30s outbound deadline.
	ErrUpstreamTimeout = errors.New("dedupproxy: upstream timeout")

	// ErrMalformedBody covers responses whose declared content-encoding
	// cannot be decoded.
	ErrMalformedBody = errors.New("dedupproxy: malformed upstream body")

	// ErrMissingKey is returned when the caller supplied no fingerprint.
	ErrMissingKey = errors.New("dedupproxy: missing idempotency key")
)

// Call describes one logical outbound request.
type Call struct {
	TargetURL string
	Method    string
	Headers   map[string]string
	Body      []byte // raw JSON value, nil when absent
}

// Response is a materialized upstream response. Immutable once stored.
type Response struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    http.Header `json:"headers"`
	Data       any         `json:"data"` // decoded JSON value or raw string
	CapturedAt time.Time   `json:"-"`
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	CacheEntries  int   `json:"cache_entries"`
	PaidMarks     int   `json:"paid_marks"`
	Hits          int64 `json:"hits"`
	Coalesced     int64 `json:"coalesced"`
	Misses        int64 `json:"misses"`
	UpstreamCalls int64 `json:"upstream_calls"`
	Errors        int64 `json:"errors"`
}
