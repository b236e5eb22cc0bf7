// Package server wires the gateway's singletons and serves the HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayproxy/relay/internal/analyzer"
	"github.com/relayproxy/relay/internal/breaker"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/dispatch"
	"github.com/relayproxy/relay/internal/handlers"
	"github.com/relayproxy/relay/internal/memory"
	"github.com/relayproxy/relay/internal/metrics"
	"github.com/relayproxy/relay/internal/middleware"
	"github.com/relayproxy/relay/internal/pool"
	"github.com/relayproxy/relay/internal/providers"
	"github.com/relayproxy/relay/internal/router"
)

// decisionRingSize bounds the recent-decisions buffer on /status.
const decisionRingSize = 128

// maintenanceInterval is how often memory decay is recomputed.
const maintenanceInterval = 15 * time.Minute

// Server owns the process-lifetime singletons: connection pools, breaker
// registry, metrics collector, and memory store.
type Server struct {
	config *config.Manager
	logger *slog.Logger

	registry *providers.Registry
	breakers *breaker.Registry
	pool     *pool.Pool
	metrics  *metrics.Collector
	memory   *memory.Service
	ring     *router.Ring

	server *http.Server
	cancel context.CancelFunc
}

// New builds a server from a loaded configuration.
func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	cfg := configManager.Get()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OnStateChange: func(provider string, from, to breaker.State) {
			logger.Warn("breaker state change", "provider", provider, "from", from.String(), "to", to.String())
		},
	})

	s := &Server{
		config:   configManager,
		logger:   logger,
		registry: registry,
		breakers: breakers,
		pool: pool.New(pool.Config{
			MaxSockets:     cfg.MaxSockets,
			IdleTimeout:    cfg.IdleTimeout,
			RequestTimeout: cfg.RequestTimeout,
		}),
		metrics: metrics.New(cfg.CloudRatePerMTok),
		ring:    router.NewRing(decisionRingSize),
	}

	if cfg.Memory.Enabled {
		store, err := memory.Open(cfg.Memory.DatabasePath(), memory.Options{
			SurpriseThreshold: cfg.Memory.SurpriseThreshold,
			MaxAgeDays:        cfg.Memory.MaxAgeDays,
			MaxCount:          cfg.Memory.MaxCount,
			DedupLookback:     cfg.Memory.DedupLookback,
			HalfLifeDays:      cfg.Memory.HalfLifeDays,
			RecentWindow:      cfg.Memory.RecentWindow,
		})
		if err != nil {
			// Memory is best-effort; the gateway runs without it.
			logger.Error("memory store unavailable, continuing without it", "error", err)
		} else {
			s.memory = memory.NewService(store, logger)
		}
	}

	return s, nil
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	cfg := s.config.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.routes(cfg),
	}

	if s.memory != nil {
		go s.memory.RunMaintenance(ctx, maintenanceInterval)
	}

	s.logger.Info("starting gateway", "address", addr, "provider", cfg.Provider, "mode", cfg.Mode)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("shutting down")
	return s.Stop()
}

// Stop shuts down the HTTP server and tears down the singletons.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}

	s.pool.Close()
	if store := s.memory.Store(); store != nil {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) routes(cfg *config.Config) http.Handler {
	dispatcher := dispatch.New(dispatch.Deps{
		Config:   cfg,
		Registry: s.registry,
		Router:   router.New(cfg, s.registry),
		Analyzer: analyzer.New(cfg.Mode, nil),
		Breakers: s.breakers,
		Pool:     s.pool,
		Metrics:  s.metrics,
		Memory:   s.memory,
		Ring:     s.ring,
		Logger:   s.logger,
	})

	messagesHandler := handlers.NewMessagesHandler(dispatcher, s.logger)
	responsesHandler := handlers.NewResponsesHandler(dispatcher, s.logger)
	healthHandler := handlers.NewHealthHandler(s.config, s.registry, s.breakers, s.memory, s.logger)
	statusHandler := handlers.NewStatusHandler(s.config, s.breakers, s.metrics, s.memory, s.ring, s.logger)

	set := middleware.NewSet(s.config, s.logger)
	dispatchChain := set.DefaultChain()
	obsChain := set.ObservabilityChain()

	mux := http.NewServeMux()
	mux.Handle("/v1/messages", dispatchChain.Handler(messagesHandler))
	mux.Handle("/v1/responses", dispatchChain.Handler(responsesHandler))
	mux.Handle("/health/live", obsChain.Handler(http.HandlerFunc(healthHandler.Live)))
	mux.Handle("/health/ready", obsChain.Handler(http.HandlerFunc(healthHandler.Ready)))
	mux.Handle("/metrics", obsChain.Handler(s.metrics.Handler()))
	mux.Handle("/status", obsChain.Handler(statusHandler))
	return mux
}
