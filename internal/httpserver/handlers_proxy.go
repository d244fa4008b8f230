package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/consensusnet/gateway/internal/dedupproxy"
	apierrors "github.com/consensusnet/gateway/internal/errors"
	"github.com/consensusnet/gateway/internal/payment"
	"github.com/consensusnet/gateway/internal/router"
	"github.com/consensusnet/gateway/pkg/responders"
)

// proxyRequest is the POST /proxy body.
type proxyRequest struct {
	TargetURL string            `json:"target_url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// proxyResponse is the envelope wrapped around the upstream response.
type proxyResponse struct {
	Status     int           `json:"status"`
	StatusText string        `json:"statusText"`
	Headers    http.Header   `json:"headers"`
	Data       any           `json:"data"`
	Cached     bool          `json:"cached"`
	Billing    *billingBlock `json:"billing,omitempty"`
	Meta       *metaBlock    `json:"meta,omitempty"`
}

type billingBlock struct {
	Cost             string `json:"cost"`
	Reason           string `json:"reason"`
	IdempotencyKey   string `json:"idempotency_key"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

type metaBlock struct {
	Timestamp     string `json:"timestamp"`
	ServerVersion string `json:"server_version"`
}

var allowedProxyMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodPatch: {}, http.MethodDelete: {}, http.MethodHead: {},
}

// proxyCall is the dedup proxy endpoint. Payment is charged once per fresh
// fingerprint; cache hits, coalesced calls and live paid marks are free.
func (s *Server) proxyCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	key := r.Header.Get("x-idempotency-key")
	if key == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingIdempotency,
			"x-idempotency-key header is required")
		return
	}

	var req proxyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := allowedProxyMethods[method]; !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnsupportedMethod, "method not supported: "+method)
		return
	}

	// A path-only target is served by a worker node the router picks; an
	// absolute URL goes straight out.
	target := req.TargetURL
	release := func() {}
	if strings.HasPrefix(target, "/") {
		sel, err := s.router.Select(ctx, key, preferencesFromHeaders(r))
		if err != nil {
			if errors.Is(err, router.ErrNoEligibleNode) {
				resp := apierrors.NewErrorResponse(apierrors.ErrCodeInternalError,
					"no eligible node for this request", nil)
				responders.JSON(w, http.StatusServiceUnavailable, resp)
				return
			}
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
			return
		}
		scheme := "https"
		if sel.Node.TLSMode == "off" {
			scheme = "http"
		}
		target = scheme + "://" + sel.Node.Domain + req.TargetURL
		s.router.AcquireHTTP(sel.Node.ID)
		release = func() { s.router.ReleaseHTTP(sel.Node.ID) }
	} else {
		parsed, err := url.Parse(target)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidURL,
				"target_url must be an absolute http(s) URL or a node-relative path")
			return
		}
	}
	defer release()

	fp := s.proxy.Fingerprint(key, target)
	price := s.cfg.Proxy.PricePerCall

	var auth *payment.Authorization
	if s.proxy.NeedsPayment(fp) {
		var err error
		auth, err = s.gate.Authorize(ctx, r, "/proxy", price, "deduplicated proxied call")
		if errors.Is(err, payment.ErrPaymentRequired) {
			s.gate.Challenge(w, "/proxy", price, "deduplicated proxied call")
			return
		}
		if err != nil {
			writePaymentError(w, err)
			return
		}
	}

	resp, cached, err := s.proxy.Handle(ctx, fp, dedupproxy.Call{
		TargetURL: target,
		Method:    method,
		Headers:   req.Headers,
		Body:      req.Body,
	})
	elapsed := time.Since(start)
	s.metrics.ProxyDuration.WithLabelValues(proxyOutcome(cached, err)).Observe(elapsed.Seconds())
	if err != nil {
		writeProxyError(w, err)
		return
	}

	addSettlementHeader(w, s.gate.Settle(ctx, auth))

	out := proxyResponse{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    resp.Headers,
		Data:       resp.Data,
		Cached:     cached,
	}
	if strings.EqualFold(r.Header.Get("x-verbose"), "true") {
		out.Billing = &billingBlock{
			Cost:             billedCost(auth, cached, price),
			Reason:           billingReason(auth, cached),
			IdempotencyKey:   key,
			ProcessingTimeMs: elapsed.Milliseconds(),
		}
		out.Meta = &metaBlock{
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			ServerVersion: s.version,
		}
	}

	responders.JSON(w, http.StatusOK, out)
}

// preferencesFromHeaders parses the routing preference headers; all three
// carry comma-separated lists.
func preferencesFromHeaders(r *http.Request) router.Preferences {
	var prefs router.Preferences
	if raw := r.Header.Get("x-node-region"); raw != "" {
		prefs.Regions = strings.Split(raw, ",")
	}
	if raw := r.Header.Get("x-node-domain"); raw != "" {
		prefs.Domains = strings.Split(raw, ",")
	}
	if raw := r.Header.Get("x-node-exclude"); raw != "" {
		prefs.ExcludeIDs = strings.Split(raw, ",")
	}
	return prefs
}

func billingReason(auth *payment.Authorization, cached bool) string {
	switch {
	case cached:
		return "cache_hit"
	case auth == nil:
		return "paid_mark"
	default:
		return auth.Reason
	}
}

func billedCost(auth *payment.Authorization, cached bool, price string) string {
	if cached || auth == nil || auth.Reason != "verified" {
		return "0"
	}
	return price
}

func proxyOutcome(cached bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case cached:
		return "hit"
	default:
		return "miss"
	}
}
