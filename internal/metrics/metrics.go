package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	// Dedup proxy metrics
	ProxyRequestsTotal  *prometheus.CounterVec // outcome: hit|coalesced|miss|error
	ProxyUpstreamCalls  prometheus.Counter
	ProxyUpstreamErrors *prometheus.CounterVec // kind: timeout|transport|status_5xx
	ProxyDuration       *prometheus.HistogramVec
	ProxyCacheEntries   prometheus.Gauge
	PaidMarksActive     prometheus.Gauge

	// Payment metrics
	PaymentChallengesTotal *prometheus.CounterVec // resource
	PaymentVerifiesTotal   *prometheus.CounterVec // resource, result
	SettlementsTotal       *prometheus.CounterVec // result
	FacilitatorDuration    *prometheus.HistogramVec

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionsTotal        *prometheus.CounterVec // served_by: node|local
	SessionExpiriesTotal *prometheus.CounterVec // reason
	SessionBytesTotal    *prometheus.CounterVec // direction: rx|tx
	TokensIssuedTotal    prometheus.Counter
	TokensRejectedTotal  *prometheus.CounterVec // reason

	// Router metrics
	RouterSelectionsTotal *prometheus.CounterVec // result: sticky|balanced|fallback
	RouterNodeLoad        *prometheus.GaugeVec   // node_id, kind: http|ws

	// Node lifecycle metrics
	NodeAdmissionsTotal *prometheus.CounterVec // result
	HeartbeatsTotal     prometheus.Counter
	NodesActive         prometheus.Gauge
	BenchmarkScore      prometheus.Histogram
	AttestationsTotal   *prometheus.CounterVec // result

	// DNS metrics
	DNSUpdatesTotal *prometheus.CounterVec // result

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec // limiter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ProxyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_requests_total",
				Help: "Total dedup proxy requests by outcome",
			},
			[]string{"outcome"},
		),
		ProxyUpstreamCalls: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_proxy_upstream_calls_total",
				Help: "Total outbound HTTP calls issued by the dedup proxy",
			},
		),
		ProxyUpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_proxy_upstream_errors_total",
				Help: "Outbound call failures by kind",
			},
			[]string{"kind"},
		),
		ProxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_proxy_duration_seconds",
				Help:    "End-to-end proxy handling time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		ProxyCacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_proxy_cache_entries",
				Help: "Current number of cached responses",
			},
		),
		PaidMarksActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_proxy_paid_marks",
				Help: "Paid marks currently inside the grace window",
			},
		),

		PaymentChallengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_payment_challenges_total",
				Help: "402 challenges issued by resource",
			},
			[]string{"resource"},
		),
		PaymentVerifiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_payment_verifies_total",
				Help: "Facilitator verification attempts",
			},
			[]string{"resource", "result"},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_payment_settlements_total",
				Help: "Facilitator settlement attempts",
			},
			[]string{"result"},
		),
		FacilitatorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_facilitator_duration_seconds",
				Help:    "Facilitator RPC durations",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"op"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_sessions_active",
				Help: "Currently open WebSocket sessions",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sessions_total",
				Help: "Opened sessions by serving side",
			},
			[]string{"served_by"},
		),
		SessionExpiriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_expiries_total",
				Help: "Budget-driven session terminations",
			},
			[]string{"reason"},
		),
		SessionBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_bytes_total",
				Help: "Bytes pumped through sessions by direction",
			},
			[]string{"direction"},
		),
		TokensIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_session_tokens_issued_total",
				Help: "Session tokens issued after payment",
			},
		),
		TokensRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_tokens_rejected_total",
				Help: "Token consumption failures",
			},
			[]string{"reason"},
		),

		RouterSelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_router_selections_total",
				Help: "Node selections by path",
			},
			[]string{"result"},
		),
		RouterNodeLoad: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_router_node_load",
				Help: "Active request/session counts per node",
			},
			[]string{"node_id", "kind"},
		),

		NodeAdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_node_admissions_total",
				Help: "Node admission attempts by result",
			},
			[]string{"result"},
		),
		HeartbeatsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_node_heartbeats_total",
				Help: "Heartbeats accepted",
			},
		),
		NodesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_nodes_active",
				Help: "Nodes currently in active status",
			},
		),
		BenchmarkScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_benchmark_score",
				Help:    "Composite benchmark scores observed at admission",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		AttestationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_node_attestations_total",
				Help: "Integrity attestation attempts",
			},
			[]string{"result"},
		),

		DNSUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dns_updates_total",
				Help: "DNS record set replacements",
			},
			[]string{"result"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limiter"},
		),
	}
}
