package dedupproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/metrics"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.ProxyConfig{
		CacheTTL:        config.Duration{Duration: 5 * time.Minute},
		CacheMaxEntries: 100,
		PaidMarkTTL:     config.Duration{Duration: 5 * time.Minute},
		SweepInterval:   config.Duration{Duration: time.Minute},
		OutboundTimeout: config.Duration{Duration: 5 * time.Second},
		MaxRedirects:    5,
	}
	e := New(cfg, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	t.Cleanup(e.Stop)
	return e
}

func TestHandle_MissingKey(t *testing.T) {
	e := testEngine(t)
	_, _, err := e.Handle(context.Background(), "", Call{TargetURL: "http://example.invalid"})
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("err = %v, want ErrMissingKey", err)
	}
}

func TestHandle_CoalescesConcurrentCallers(t *testing.T) {
	var upstreamHits atomic.Int64
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e := testEngine(t)
	call := Call{TargetURL: upstream.URL, Method: http.MethodGet}

	const callers = 10
	var wg sync.WaitGroup
	responses := make([]*Response, callers)
	cachedFlags := make([]bool, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], cachedFlags[i], errs[i] = e.Handle(context.Background(), "k1", call)
		}(i)
	}

	// Let all callers reach the engine before the upstream responds.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := upstreamHits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
	fresh := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if responses[i].Status != http.StatusOK {
			t.Errorf("caller %d status = %d", i, responses[i].Status)
		}
		if !cachedFlags[i] {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("fresh responses = %d, want exactly 1 producer", fresh)
	}
}

func TestHandle_CacheHitIsFree(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Write([]byte(`{"n":1}`))
	}))
	defer upstream.Close()

	e := testEngine(t)
	call := Call{TargetURL: upstream.URL}

	if _, cached, err := e.Handle(context.Background(), "k2", call); err != nil || cached {
		t.Fatalf("first call: cached=%v err=%v", cached, err)
	}
	if _, cached, err := e.Handle(context.Background(), "k2", call); err != nil || !cached {
		t.Fatalf("second call: cached=%v err=%v", cached, err)
	}
	if got := upstreamHits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1", got)
	}
	if e.NeedsPayment("k2") {
		t.Error("cached fingerprint should not need payment")
	}
}

func TestHandle_ErrorStatusIsCached(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer upstream.Close()

	e := testEngine(t)
	call := Call{TargetURL: upstream.URL}

	resp, _, err := e.Handle(context.Background(), "k3", call)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.Status)
	}
	if _, _, err := e.Handle(context.Background(), "k3", call); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if got := upstreamHits.Load(); got != 1 {
		t.Fatalf("upstream hits = %d, want 1 (error status should be cached)", got)
	}
}

func TestHandle_TransportErrorRevokesPaidMark(t *testing.T) {
	e := testEngine(t)

	fp := "k4"
	if !e.NeedsPayment(fp) {
		t.Fatal("fresh fingerprint should need payment")
	}

	_, _, err := e.Handle(context.Background(), fp, Call{TargetURL: "http://127.0.0.1:1/unreachable"})
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("err = %v, want ErrUpstreamUnreachable", err)
	}

	// The transport failure must revoke the paid mark and leave no cache
	// entry, so the retry pays again.
	if !e.NeedsPayment(fp) {
		t.Error("paid mark should have been revoked after transport failure")
	}
}

func TestHandle_GzipResponseDecoded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte(`{"compressed":true}`))
		gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	e := testEngine(t)
	resp, _, err := e.Handle(context.Background(), "k5", Call{TargetURL: upstream.URL})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T, want decoded JSON object", resp.Data)
	}
	if data["compressed"] != true {
		t.Errorf("data = %v", data)
	}
}

func TestHandle_MalformedGzipNotCached(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte("definitely not gzip"))
	}))
	defer upstream.Close()

	e := testEngine(t)
	_, _, err := e.Handle(context.Background(), "k6", Call{TargetURL: upstream.URL})
	if !errors.Is(err, ErrMalformedBody) {
		t.Fatalf("err = %v, want ErrMalformedBody", err)
	}
	if !e.NeedsPayment("k6") {
		t.Error("malformed body should revoke the paid mark")
	}

	// A retry reaches upstream again: nothing was cached.
	e.marks.mark("k6")
	_, _, _ = e.Handle(context.Background(), "k6", Call{TargetURL: upstream.URL})
	if got := upstreamHits.Load(); got != 2 {
		t.Fatalf("upstream hits = %d, want 2", got)
	}
}

func TestFingerprint_ScopeToTarget(t *testing.T) {
	e := testEngine(t)
	if e.Fingerprint("k", "http://a") != "k" {
		t.Error("default fingerprint should be the raw key")
	}

	e.cfg.ScopeCacheToTarget = true
	a := e.Fingerprint("k", "http://a")
	b := e.Fingerprint("k", "http://b")
	if a == b {
		t.Error("scoped fingerprints for different targets should differ")
	}
	if a != e.Fingerprint("k", "http://a") {
		t.Error("scoped fingerprint should be deterministic")
	}
}

func TestPaidMarks_Sweep(t *testing.T) {
	marks := newPaidMarks(10 * time.Millisecond)
	marks.mark("old")
	time.Sleep(20 * time.Millisecond)
	marks.mark("fresh")
	marks.sweep()
	if marks.has("old") {
		t.Error("expired mark survived sweep")
	}
	if !marks.has("fresh") {
		t.Error("fresh mark dropped by sweep")
	}
}
