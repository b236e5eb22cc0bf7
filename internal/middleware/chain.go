// Package middleware provides composable HTTP middleware for the gateway.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/relayproxy/relay/internal/config"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered middleware list.
type Chain struct {
	middlewares []Middleware
}

// New creates a chain.
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then appends middleware to the chain.
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies the chain, first middleware outermost.
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}
	return handler
}

// Set bundles the gateway's middleware for composition per route class.
type Set struct {
	TelemetrySink Middleware
	Logging       Middleware
	Auth          Middleware
}

// NewSet builds the full middleware set.
func NewSet(config *config.Manager, logger *slog.Logger) Set {
	return Set{
		TelemetrySink: NewTelemetrySinkMiddleware(logger),
		Logging:       NewLoggingMiddleware(logger),
		Auth:          NewAuthMiddleware(config, logger),
	}
}

// DefaultChain guards the dispatch endpoints.
func (s Set) DefaultChain() Chain {
	return New(
		s.TelemetrySink,
		s.Logging,
		s.Auth,
	)
}

// ObservabilityChain serves health, metrics, and status without auth.
func (s Set) ObservabilityChain() Chain {
	return New(
		s.Logging,
	)
}
