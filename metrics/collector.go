// Package metrics exposes engine counters as Prometheus metrics and keeps
// an in-process snapshot of the same numbers.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "llamacore"

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Collector records engine activity. All methods are safe for concurrent
// use. A nil *Collector ignores every call.
type Collector struct {
	registry *prometheus.Registry

	generations  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	throughput   prometheus.Gauge
	embeddings   prometheus.Counter
	cacheEntries prometheus.Gauge
	breaker      prometheus.Gauge

	mu    sync.Mutex
	stats Stats
}

// NewCollector creates the metrics and registers them on reg. A nil reg
// gets a private registry, reachable through Gatherer. Registering twice
// on the same registerer panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "generations_total",
			Help:      "Completed generations by finish reason.",
		}, []string{"finish_reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "failures_total",
			Help:      "Failed engine calls by error kind.",
		}, []string{"kind"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tokens_total",
			Help:      "Tokens processed, split into prompt and generated.",
		}, []string{"phase"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time spent per generation phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"phase"}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tokens_per_second",
			Help:      "Generation throughput of the latest request.",
		}),
		embeddings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "embedding_texts_total",
			Help:      "Texts embedded.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "token_cache_entries",
			Help:      "Prompts held in the token cache.",
		}),
		breaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		stats: Stats{
			ByFinishReason: make(map[string]int64),
			BreakerState:   "closed",
		},
	}

	if reg == nil {
		c.registry = prometheus.NewRegistry()
		reg = c.registry
	}
	reg.MustRegister(
		c.generations, c.failures, c.tokens, c.duration,
		c.throughput, c.embeddings, c.cacheEntries, c.breaker,
	)
	return c
}

// Gatherer returns the private registry, or nil when the collector was
// registered on a caller's registerer.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil || c.registry == nil {
		return nil
	}
	return c.registry
}

// ObserveGeneration records a finished generation.
func (c *Collector) ObserveGeneration(g Generation) {
	if c == nil {
		return
	}
	tps := TokensPerSecond(g.GeneratedTokens, g.Duration-g.PromptDuration)

	c.generations.WithLabelValues(g.FinishReason).Inc()
	c.tokens.WithLabelValues("prompt").Add(float64(g.PromptTokens))
	c.tokens.WithLabelValues("generated").Add(float64(g.GeneratedTokens))
	c.duration.WithLabelValues("prompt").Observe(g.PromptDuration.Seconds())
	c.duration.WithLabelValues("total").Observe(g.Duration.Seconds())
	c.throughput.Set(tps)

	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.stats
	s.Generations++
	s.PromptTokens += int64(g.PromptTokens)
	s.GeneratedTokens += int64(g.GeneratedTokens)
	s.TotalDuration += g.Duration
	s.ByFinishReason[g.FinishReason]++
	s.LastTokensPerSecond = tps
	s.AverageTokensPerSecond = TokensPerSecond(int(s.GeneratedTokens), s.TotalDuration)
	s.LastGeneration = time.Now()
}

// ObserveFailure records an engine call that returned an error. Calls the
// circuit breaker refused are counted as rejections.
func (c *Collector) ObserveFailure(kind string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == "circuit_open" {
		c.stats.Rejections++
		return
	}
	c.stats.Failures++
}

// ObserveEmbeddings records one embeddings call over n texts.
func (c *Collector) ObserveEmbeddings(n int, d time.Duration) {
	if c == nil {
		return
	}
	c.embeddings.Add(float64(n))
	c.duration.WithLabelValues("embeddings").Observe(d.Seconds())

	c.mu.Lock()
	c.stats.EmbeddingTexts += int64(n)
	c.mu.Unlock()
}

// SetCacheEntries records the token cache size.
func (c *Collector) SetCacheEntries(n int) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(n))

	c.mu.Lock()
	c.stats.CacheEntries = n
	c.mu.Unlock()
}

// SetBreakerState records the circuit breaker state by name
// ("closed", "half-open" or "open").
func (c *Collector) SetBreakerState(state string) {
	if c == nil {
		return
	}
	switch state {
	case "open":
		c.breaker.Set(BreakerOpen)
	case "half-open":
		c.breaker.Set(BreakerHalfOpen)
	default:
		c.breaker.Set(BreakerClosed)
	}

	c.mu.Lock()
	c.stats.BreakerState = state
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Stats {
	if c == nil {
		return Stats{ByFinishReason: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.ByFinishReason = make(map[string]int64, len(c.stats.ByFinishReason))
	for k, v := range c.stats.ByFinishReason {
		s.ByFinishReason[k] = v
	}
	return s
}
