// Package metrics tracks dispatch outcomes. Counters and histograms are
// exported through a prometheus registry; a mutex-guarded snapshot backs the
// human-readable status endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	attempts  *prometheus.CounterVec
	successes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	savings   prometheus.Counter
	latency   *prometheus.HistogramVec

	// cloudRatePerMTok is the $/1M-token rate charged against requests a
	// local provider served, as the avoided cloud cost.
	cloudRatePerMTok float64

	mu   sync.Mutex
	snap Snapshot
}

// Snapshot is the read-only view for the status endpoint.
type Snapshot struct {
	Attempts        map[string]int64 `json:"attempts"`
	Successes       map[string]int64 `json:"successes"`
	Failures        map[string]int64 `json:"failures"`
	FallbackByCause map[string]int64 `json:"fallbacks_by_cause"`
	TokensIn        int64            `json:"tokens_in"`
	TokensOut       int64            `json:"tokens_out"`
	SavedUSD        float64          `json:"estimated_savings_usd"`
}

// New creates a collector. cloudRatePerMTok prices local-served tokens.
func New(cloudRatePerMTok float64) *Collector {
	r := prometheus.NewRegistry()
	c := &Collector{
		registry:         r,
		cloudRatePerMTok: cloudRatePerMTok,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_attempts_total",
			Help: "Dispatch attempts per provider.",
		}, []string{"provider"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_successes_total",
			Help: "Successful dispatches per provider.",
		}, []string{"provider"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_failures_total",
			Help: "Failed dispatches per provider and error kind.",
		}, []string{"provider", "kind"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_fallback_total",
			Help: "Fallback attempts by triggering cause and outcome.",
		}, []string{"cause", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens processed, by provider and direction.",
		}, []string{"provider", "direction"}),
		savings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_estimated_savings_usd_total",
			Help: "Estimated avoided cloud spend for locally served requests.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_dispatch_latency_seconds",
			Help:    "Dispatch latency per provider.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
	}
	r.MustRegister(c.attempts, c.successes, c.failures, c.fallbacks, c.tokens, c.savings, c.latency)

	c.snap = Snapshot{
		Attempts:        make(map[string]int64),
		Successes:       make(map[string]int64),
		Failures:        make(map[string]int64),
		FallbackByCause: make(map[string]int64),
	}
	return c
}

// Handler serves the prometheus exposition endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordAttempt counts one dispatch attempt.
func (c *Collector) RecordAttempt(provider string) {
	c.attempts.WithLabelValues(provider).Inc()
	c.mu.Lock()
	c.snap.Attempts[provider]++
	c.mu.Unlock()
}

// RecordSuccess counts a successful dispatch with its latency and usage.
// local marks providers whose tokens accrue cost savings.
func (c *Collector) RecordSuccess(provider string, dur time.Duration, tokensIn, tokensOut int, local bool) {
	c.successes.WithLabelValues(provider).Inc()
	c.latency.WithLabelValues(provider).Observe(dur.Seconds())
	c.tokens.WithLabelValues(provider, "in").Add(float64(tokensIn))
	c.tokens.WithLabelValues(provider, "out").Add(float64(tokensOut))

	var saved float64
	if local {
		saved = float64(tokensIn+tokensOut) / 1_000_000 * c.cloudRatePerMTok
		c.savings.Add(saved)
	}

	c.mu.Lock()
	c.snap.Successes[provider]++
	c.snap.TokensIn += int64(tokensIn)
	c.snap.TokensOut += int64(tokensOut)
	c.snap.SavedUSD += saved
	c.mu.Unlock()
}

// RecordFailure counts a failed dispatch by error kind.
func (c *Collector) RecordFailure(provider, kind string) {
	c.failures.WithLabelValues(provider, kind).Inc()
	c.mu.Lock()
	c.snap.Failures[provider]++
	c.mu.Unlock()
}

// RecordFallback counts a fallback attempt by cause and outcome.
func (c *Collector) RecordFallback(cause string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.fallbacks.WithLabelValues(cause, outcome).Inc()
	c.mu.Lock()
	c.snap.FallbackByCause[cause]++
	c.mu.Unlock()
}

// Stats returns a copy of the snapshot.
func (c *Collector) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Snapshot{
		Attempts:        make(map[string]int64, len(c.snap.Attempts)),
		Successes:       make(map[string]int64, len(c.snap.Successes)),
		Failures:        make(map[string]int64, len(c.snap.Failures)),
		FallbackByCause: make(map[string]int64, len(c.snap.FallbackByCause)),
		TokensIn:        c.snap.TokensIn,
		TokensOut:       c.snap.TokensOut,
		SavedUSD:        c.snap.SavedUSD,
	}
	for k, v := range c.snap.Attempts {
		out.Attempts[k] = v
	}
	for k, v := range c.snap.Successes {
		out.Successes[k] = v
	}
	for k, v := range c.snap.Failures {
		out.Failures[k] = v
	}
	for k, v := range c.snap.FallbackByCause {
		out.FallbackByCause[k] = v
	}
	return out
}
