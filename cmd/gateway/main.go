// Command gateway runs the pay-per-use HTTP/WebSocket gateway: the dedup
// proxy, metered sessions, and the node lifecycle orchestrator behind one
// HTTP front door.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/benchmark"
	"github.com/consensusnet/gateway/internal/circuitbreaker"
	"github.com/consensusnet/gateway/internal/config"
	"github.com/consensusnet/gateway/internal/dedupproxy"
	"github.com/consensusnet/gateway/internal/dnsprovider"
	"github.com/consensusnet/gateway/internal/httpserver"
	"github.com/consensusnet/gateway/internal/lifecycle"
	"github.com/consensusnet/gateway/internal/logger"
	"github.com/consensusnet/gateway/internal/metrics"
	"github.com/consensusnet/gateway/internal/nodestore"
	"github.com/consensusnet/gateway/internal/orchestrator"
	"github.com/consensusnet/gateway/internal/payment"
	"github.com/consensusnet/gateway/internal/router"
	"github.com/consensusnet/gateway/internal/session"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "consensus-gateway",
		Version: version,
	})

	resources := lifecycle.NewManager(appLogger)
	defer resources.Close()

	registry := prometheus.NewRegistry()
	metricsCollector := metrics.New(registry)

	store, err := nodestore.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open node store: %w", err)
	}
	resources.Register("nodestore", store)

	breakers := circuitbreaker.NewManagerFromConfig(cfg.Breaker, appLogger)

	gate := payment.NewGate(cfg.Payment, cfg.Server.LocalMode, breakers, metricsCollector, appLogger)

	engine := dedupproxy.New(cfg.Proxy, metricsCollector, appLogger)
	engine.Start()
	resources.RegisterFunc("dedup-proxy", func() error {
		engine.Stop()
		return nil
	})

	nodeRouter := router.New(store, metricsCollector, appLogger)

	sessions := session.New(cfg.Session, nodeRouter, metricsCollector, appLogger)
	sessions.Start()
	resources.RegisterFunc("sessions", func() error {
		sessions.Stop()
		return nil
	})

	var dns *dnsprovider.Client
	if !cfg.Server.LocalMode {
		dns = dnsprovider.New(cfg.DNS, breakers, metricsCollector, appLogger)
	}
	bench := benchmark.New(appLogger)
	orch := orchestrator.New(cfg.Node, cfg.Server.LocalMode, store, dns, bench, metricsCollector, appLogger)

	srv := httpserver.New(cfg, gate, engine, sessions, nodeRouter, orch, store,
		metricsCollector, registry, version, appLogger)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Bool("local_mode", cfg.Server.LocalMode).
			Bool("tls", cfg.Server.TLSCertFile != "").
			Msg("gateway listening")
		errCh <- serve(srv, cfg.Server, appLogger)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-stop:
		appLogger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			appLogger.Error().Err(err).Msg("server shutdown failed")
		}
	}

	return nil
}

func serve(srv *httpserver.Server, cfg config.ServerConfig, log zerolog.Logger) error {
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		return srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	if cfg.TLSCertFile != "" || cfg.TLSKeyFile != "" {
		log.Warn().Msg("incomplete TLS config, falling back to plain HTTP")
	}
	return srv.ListenAndServe()
}
