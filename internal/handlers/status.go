package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/relayproxy/relay/internal/breaker"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/memory"
	"github.com/relayproxy/relay/internal/metrics"
	"github.com/relayproxy/relay/internal/router"
)

// StatusHandler serves /status: recent routing decisions, breaker states,
// dispatch counters, and memory store totals.
type StatusHandler struct {
	config   *config.Manager
	breakers *breaker.Registry
	metrics  *metrics.Collector
	memory   *memory.Service
	ring     *router.Ring
	logger   *slog.Logger
}

func NewStatusHandler(cfg *config.Manager, breakers *breaker.Registry, collector *metrics.Collector, mem *memory.Service, ring *router.Ring, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		config:   cfg,
		breakers: breakers,
		metrics:  collector,
		memory:   mem,
		ring:     ring,
		logger:   logger,
	}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()
	if cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "config", "configuration not loaded")
		return
	}

	out := map[string]any{
		"provider":         cfg.Provider,
		"mode":             cfg.Mode,
		"tier_mode":        len(cfg.Tiers) == 4,
		"fallback_enabled": cfg.FallbackEnabled,
		"breakers":         h.breakers.Stats(),
		"dispatch":         h.metrics.Stats(),
		"recent_decisions": h.ring.Recent(),
	}

	if store := h.memory.Store(); store != nil {
		if stats, err := store.Summary(r.Context()); err == nil {
			out["memory"] = stats
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("write status failed", "error", err)
	}
}
