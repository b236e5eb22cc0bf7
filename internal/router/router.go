// Package router picks the upstream provider for each request, combining the
// static configuration with the complexity analyzer's recommendation.
package router

import (
	"sync"

	"github.com/relayproxy/relay/internal/analyzer"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/providers"
)

// Routing methods recorded on decisions.
const (
	MethodStatic     = "static"
	MethodComplexity = "complexity"
	MethodTier       = "tier"
	MethodFallback   = "fallback"
)

// Decision records why a provider was chosen. It is attached to responses
// for observability.
type Decision struct {
	Provider       string             `json:"provider"`
	Model          string             `json:"model,omitempty"`
	Method         string             `json:"method"`
	Score          int                `json:"score"`
	Threshold      int                `json:"threshold"`
	Mode           config.RoutingMode `json:"mode"`
	FallbackReason string             `json:"fallback_reason,omitempty"`
}

// Router resolves providers. It is immutable after construction.
type Router struct {
	cfg      *config.Config
	registry *providers.Registry
}

// New builds a router. The config is assumed validated (local fallback
// providers are rejected at startup).
func New(cfg *config.Config, registry *providers.Registry) *Router {
	return &Router{cfg: cfg, registry: registry}
}

// FallbackEnabled reports whether a fallback provider is configured.
func (r *Router) FallbackEnabled() bool {
	return r.cfg.FallbackEnabled && r.cfg.FallbackProvider != ""
}

// FallbackProvider returns the configured fallback provider identifier.
func (r *Router) FallbackProvider() string {
	return r.cfg.FallbackProvider
}

// Route picks the provider for a request given the analyzer's result.
func (r *Router) Route(result analyzer.Result) Decision {
	if len(r.cfg.Tiers) == 4 {
		return r.routeTier(result)
	}
	return r.routeStatic(result)
}

// routeStatic returns the configured provider, yielding to the analyzer's
// force overrides where a suitable alternative exists.
func (r *Router) routeStatic(result analyzer.Result) Decision {
	decision := Decision{
		Provider:  r.cfg.Provider,
		Method:    MethodStatic,
		Score:     result.Score,
		Threshold: result.Threshold,
		Mode:      result.Mode,
	}

	if result.Forced {
		switch result.Recommendation {
		case analyzer.RecommendLocal:
			if local, ok := r.configuredLocal(); ok {
				decision.Provider = local
				decision.Method = MethodComplexity
			}
		case analyzer.RecommendCloud:
			if providers.IsLocal(r.cfg.Provider) && r.FallbackEnabled() {
				decision.Provider = r.cfg.FallbackProvider
				decision.Method = MethodComplexity
			}
		}
	}

	if d, ok := r.registry.Get(decision.Provider); ok {
		decision.Model = d.Model
	}
	return decision
}

// Tier buckets over the complexity score.
func tierFor(score int) string {
	switch {
	case score <= 25:
		return "SIMPLE"
	case score <= 50:
		return "MEDIUM"
	case score <= 75:
		return "COMPLEX"
	default:
		return "REASONING"
	}
}

func (r *Router) routeTier(result analyzer.Result) Decision {
	tier := r.cfg.Tiers[tierFor(result.Score)]
	return Decision{
		Provider:  tier.Provider,
		Model:     tier.Model,
		Method:    MethodTier,
		Score:     result.Score,
		Threshold: result.Threshold,
		Mode:      result.Mode,
	}
}

// configuredLocal returns the first local provider with an endpoint.
func (r *Router) configuredLocal() (string, bool) {
	for _, name := range []string{providers.Ollama, providers.LlamaCpp, providers.LMStudio} {
		if d, ok := r.registry.Get(name); ok && d.BaseURL != "" {
			return name, true
		}
	}
	return "", false
}

// Ring is a bounded buffer of recent routing decisions for the status
// endpoint.
type Ring struct {
	mu   sync.Mutex
	buf  []Decision
	next int
	full bool
}

// NewRing creates a ring holding up to size decisions.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 64
	}
	return &Ring{buf: make([]Decision, size)}
}

// Record appends a decision, evicting the oldest when full.
func (r *Ring) Record(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns decisions newest-first.
func (r *Ring) Recent() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Decision, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
