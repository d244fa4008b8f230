package dedupproxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/metrics"
)

// pendingCall is the single-producer future all concurrent callers with the
// same fingerprint await.
type pendingCall struct {
	done chan struct{}
	resp *Response
	err  error
}

// Engine is the dedup proxy: idempotency-keyed request coalescing, response
// caching, and paid-mark bookkeeping. For any fingerprint at most one
// outbound call is in flight; every concurrent caller observes the same
// outcome.
type Engine struct {
	cfg      config.ProxyConfig
	cache    *responseCache
	marks    *paidMarks
	outbound *outboundClient

	mu      sync.Mutex
	pending map[string]*pendingCall

	hits          atomic.Int64
	coalesced     atomic.Int64
	misses        atomic.Int64
	upstreamCalls atomic.Int64
	errors        atomic.Int64

	metrics *metrics.Metrics
	log     zerolog.Logger
	stop    chan struct{}
	stopped sync.Once
}

// New builds the engine. Call Start to launch the periodic sweeps.
func New(cfg config.ProxyConfig, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		cache:    newResponseCache(cfg.CacheTTL.Duration, cfg.CacheMaxEntries),
		marks:    newPaidMarks(cfg.PaidMarkTTL.Duration),
		outbound: newOutboundClient(cfg.OutboundTimeout.Duration, cfg.MaxRedirects),
		pending:  make(map[string]*pendingCall),
		metrics:  m,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Start launches the paid-mark and cache sweep loop.
func (e *Engine) Start() {
	go func() {
		ticker := time.NewTicker(e.cfg.SweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.marks.sweep()
				e.cache.sweep()
				e.metrics.PaidMarksActive.Set(float64(e.marks.len()))
				e.metrics.ProxyCacheEntries.Set(float64(e.cache.len()))
			}
		}
	}()
}

// Stop halts the sweep loop.
func (e *Engine) Stop() {
	e.stopped.Do(func() { close(e.stop) })
}

// Fingerprint derives the cache key from the client idempotency key. When
// scope_cache_to_target is set the target URL is mixed in, so identical keys
// against different targets no longer collide.
func (e *Engine) Fingerprint(key, targetURL string) string {
	if !e.cfg.ScopeCacheToTarget {
		return key
	}
	sum := sha256.Sum256([]byte(key + "\x00" + targetURL))
	return hex.EncodeToString(sum[:])
}

// NeedsPayment reports whether a call for fp would be a fresh, unpaid cache
// miss. Cached entries are free within their TTL; an in-flight call or a
// live paid mark also covers the caller.
func (e *Engine) NeedsPayment(fp string) bool {
	if _, ok := e.cache.get(fp); ok {
		return false
	}
	e.mu.Lock()
	_, inFlight := e.pending[fp]
	e.mu.Unlock()
	if inFlight {
		return false
	}
	return !e.marks.has(fp)
}

// Handle resolves a call for fp. The caller has already passed payment.
// Returns the response and whether it was served from cache or a coalesced
// in-flight call.
func (e *Engine) Handle(ctx context.Context, fp string, call Call) (*Response, bool, error) {
	if fp == "" {
		return nil, false, ErrMissingKey
	}

	// Lookup-or-install is one critical section: a caller that misses the
	// cache either finds the in-flight future or becomes its producer.
	e.mu.Lock()
	if resp, ok := e.cache.get(fp); ok {
		e.mu.Unlock()
		e.hits.Add(1)
		e.metrics.ProxyRequestsTotal.WithLabelValues("hit").Inc()
		return resp, true, nil
	}
	if p, ok := e.pending[fp]; ok {
		e.mu.Unlock()
		e.coalesced.Add(1)
		e.metrics.ProxyRequestsTotal.WithLabelValues("coalesced").Inc()
		return e.await(ctx, p)
	}
	p := &pendingCall{done: make(chan struct{})}
	e.pending[fp] = p
	e.marks.mark(fp)
	e.mu.Unlock()

	e.misses.Add(1)
	e.metrics.ProxyRequestsTotal.WithLabelValues("miss").Inc()
	e.produce(fp, p, call)

	// The producer's own response is fresh, not cached.
	if p.err != nil {
		return nil, false, p.err
	}
	return p.resp, false, nil
}

// produce runs the single outbound call for fp and publishes the outcome.
// The call is detached from any one caller's context: other callers may
// still be waiting after the first one disconnects.
func (e *Engine) produce(fp string, p *pendingCall, call Call) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OutboundTimeout.Duration)
	defer cancel()

	e.upstreamCalls.Add(1)
	e.metrics.ProxyUpstreamCalls.Inc()

	resp, err := e.outbound.do(ctx, call)

	e.mu.Lock()
	delete(e.pending, fp)
	if err == nil {
		// Any response with a status line is cached, error statuses included.
		e.cache.set(fp, resp)
	} else {
		// Transport-level failure: nothing to cache, and the next attempt
		// has to pay again.
		e.marks.revoke(fp)
	}
	p.resp, p.err = resp, err
	close(p.done)
	e.mu.Unlock()

	if err != nil {
		e.errors.Add(1)
		e.metrics.ProxyRequestsTotal.WithLabelValues("error").Inc()
		e.metrics.ProxyUpstreamErrors.WithLabelValues(errorKind(err)).Inc()
		e.log.Warn().Err(err).Str("target", call.TargetURL).Msg("outbound call failed")
	}
}

// await blocks until the future resolves or the caller's context ends.
func (e *Engine) await(ctx context.Context, p *pendingCall) (*Response, bool, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, false, p.err
		}
		return p.resp, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		CacheEntries:  e.cache.len(),
		PaidMarks:     e.marks.len(),
		Hits:          e.hits.Load(),
		Coalesced:     e.coalesced.Load(),
		Misses:        e.misses.Load(),
		UpstreamCalls: e.upstreamCalls.Load(),
		Errors:        e.errors.Load(),
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedBody):
		return "malformed_body"
	default:
		return "transport"
	}
}
