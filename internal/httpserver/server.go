// Package httpserver is the gateway's HTTP front door: the dedup proxy,
// session token issue and upgrade, the node lifecycle endpoints, and the
// read-only discovery surface.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/dedupproxy"
	"github.com/consensusnet/gateway/internal/logger"
	"github.com/consensusnet/gateway/internal/metrics"
	"github.com/consensusnet/gateway/internal/nodestore"
	"github.com/consensusnet/gateway/internal/orchestrator"
	"github.com/consensusnet/gateway/internal/payment"
	"github.com/consensusnet/gateway/internal/ratelimit"
	"github.com/consensusnet/gateway/internal/router"
	"github.com/consensusnet/gateway/internal/session"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	gate     *payment.Gate
	proxy    *dedupproxy.Engine
	sessions *session.Manager
	router   *router.Router
	orch     *orchestrator.Orchestrator
	store    *nodestore.Store
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   zerolog.Logger
	version  string
}

// New builds the HTTP server with its configured router.
func New(
	cfg *config.Config,
	gate *payment.Gate,
	proxy *dedupproxy.Engine,
	sessions *session.Manager,
	nodeRouter *router.Router,
	orch *orchestrator.Orchestrator,
	store *nodestore.Store,
	metricsCollector *metrics.Metrics,
	registry *prometheus.Registry,
	version string,
	appLogger zerolog.Logger,
) *Server {
	mux := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:      cfg,
			gate:     gate,
			proxy:    proxy,
			sessions: sessions,
			router:   nodeRouter,
			orch:     orch,
			store:    store,
			metrics:  metricsCollector,
			registry: registry,
			logger:   appLogger,
			version:  version,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      mux,
		},
	}

	s.configureRouter(mux)
	return s
}

func (s *Server) configureRouter(mux chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		mux.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"PAYMENT-REQUIRED", "X-PAYMENT-RESPONSE"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	mux.Use(securityHeadersMiddleware)

	// Logging middleware goes first so every later layer sees the
	// request-scoped logger in context.
	mux.Use(logger.Middleware(s.logger))
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Use(ratelimit.GlobalLimiter(cfg.RateLimit, s.metrics))
	mux.Use(ratelimit.IPLimiter(cfg.RateLimit, s.metrics))

	// Lightweight endpoints: discovery, health, read-only node views.
	mux.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/", s.serviceDescriptor)
		r.Get("/health", s.health)
		r.Get("/stats", s.stats)
		r.Get("/nodes", s.listNodes)
		r.Get("/node/status/{node_id}", s.nodeStatus)
		r.Get("/update/latest", s.latestManifest)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
			Handle("/metrics", s.metricsHandler())
	})

	// Payment and admission endpoints: outbound calls, benchmarking, and
	// facilitator round trips can take a while.
	mux.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/proxy", s.proxyCall)
		r.Get("/ws", s.sessionQuote)
		r.Post("/node/join", s.nodeJoin)
		r.Post("/node/verify/{join_id}", s.nodeVerify)
		r.Post("/node/heartbeat/{node_id}", s.nodeHeartbeat)
		r.Post("/node/verify-integrity/{node_id}", s.nodeAttest)
		r.Post("/admin/manifest", s.adminManifest)
	})

	// The upgrade endpoint stays outside the timeout group: a metered
	// session outlives any request deadline.
	mux.Get("/ws-connect", s.sessionConnect)
}

func (s *Server) metricsHandler() http.Handler {
	if s.registry != nil {
		return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS starts the HTTPS server with the configured key pair.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	return s.httpServer.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
