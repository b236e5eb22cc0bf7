package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/relayproxy/relay/internal/breaker"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/memory"
	"github.com/relayproxy/relay/internal/providers"
)

// HealthHandler serves /health/live and /health/ready.
type HealthHandler struct {
	config   *config.Manager
	registry *providers.Registry
	breakers *breaker.Registry
	memory   *memory.Service
	logger   *slog.Logger
}

func NewHealthHandler(cfg *config.Manager, registry *providers.Registry, breakers *breaker.Registry, mem *memory.Service, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		config:   cfg,
		registry: registry,
		breakers: breakers,
		memory:   mem,
		logger:   logger,
	}
}

// Live reports process liveness only.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready checks that the primary provider is dialable and its breaker is not
// open, plus the memory store when enabled.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()
	if cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "config", "configuration not loaded")
		return
	}

	checks := make(map[string]string)
	healthy := true

	desc, ok := h.registry.Get(cfg.Provider)
	if !ok || desc.BaseURL == "" {
		checks["provider"] = "no endpoint configured"
		healthy = false
	} else {
		checks["provider"] = "ok"
	}

	if snap := h.breakers.Get(cfg.Provider).Stats(); snap.State == "open" {
		checks["breaker"] = "open"
		healthy = false
	} else {
		checks["breaker"] = "ok"
	}

	if cfg.Memory.Enabled {
		if store := h.memory.Store(); store != nil {
			if _, err := store.Summary(r.Context()); err != nil {
				checks["memory"] = err.Error()
				healthy = false
			} else {
				checks["memory"] = "ok"
			}
		} else {
			checks["memory"] = "not initialized"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"provider": cfg.Provider,
		"checks":   checks,
	})
}
