// Package pool owns the process-wide HTTP clients used for upstream calls.
// One keep-alive client serves batch requests; a second client with no body
// timeout serves long-lived SSE streams, bounded instead by the caller's
// context deadline.
package pool

import (
	"net/http"
	"time"
)

// Config tunes the shared transports.
type Config struct {
	MaxSockets     int           // per-host connection cap
	IdleTimeout    time.Duration // keep-alive idle lifetime
	RequestTimeout time.Duration // batch request wall clock
}

// DefaultConfig returns the stock pool limits.
func DefaultConfig() Config {
	return Config{
		MaxSockets:     50,
		IdleTimeout:    30 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// Pool holds the shared clients.
type Pool struct {
	batch  *http.Client
	stream *http.Client
}

// New builds the clients. The same transports serve both HTTP and HTTPS.
func New(config Config) *Pool {
	if config.MaxSockets <= 0 {
		config.MaxSockets = 50
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        config.MaxSockets,
		MaxIdleConnsPerHost: config.MaxSockets,
		MaxConnsPerHost:     config.MaxSockets,
		IdleConnTimeout:     config.IdleTimeout,
	}

	streamTransport := &http.Transport{
		MaxIdleConns:        config.MaxSockets,
		MaxIdleConnsPerHost: config.MaxSockets,
		IdleConnTimeout:     config.IdleTimeout,
		// No ResponseHeaderTimeout: streams may take long to start and
		// longer to finish. The request context bounds total time.
	}

	return &Pool{
		batch: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		stream: &http.Client{
			Transport: streamTransport,
			// No Timeout: it would cut off the body mid-stream.
		},
	}
}

// Batch returns the client for non-streaming requests.
func (p *Pool) Batch() *http.Client {
	return p.batch
}

// Stream returns the client for SSE requests.
func (p *Pool) Stream() *http.Client {
	return p.stream
}

// Close tears down idle connections on both transports.
func (p *Pool) Close() {
	if t, ok := p.batch.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	if t, ok := p.stream.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
