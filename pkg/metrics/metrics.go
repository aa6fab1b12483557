// Package metrics exposes prometheus instrumentation for the page cache,
// the I/O ring and the worker pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine registers. A nil *Metrics is
// valid and records nothing, so tests can pass nil freely.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	CacheWriteBacks prometheus.Counter

	RingSubmissions prometheus.Counter
	RingCompletions prometheus.Counter
	RingFailures    prometheus.Counter

	PoolQueueDepth prometheus.Gauge
}

// New creates the collectors and registers them on reg. Passing nil uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corodb", Subsystem: "cache", Name: "hits_total",
			Help: "Page requests served from a resident frame.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corodb", Subsystem: "cache", Name: "misses_total",
			Help: "Page requests that issued a disk read.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corodb", Subsystem: "cache", Name: "evictions_total",
			Help: "Frames reclaimed by LRU replacement.",
		}),
		CacheWriteBacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corodb", Subsystem: "cache", Name: "writebacks_total",
			Help: "Dirty frames written back to disk.",
		}),
		RingSubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corodb", Subsystem: "ring", Name: "submissions_total",
			Help: "Entries submitted to the I/O ring.",
		}),
		RingCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corodb", Subsystem: "ring", Name: "completions_total",
			Help: "Completions drained from the I/O ring.",
		}),
		RingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corodb", Subsystem: "ring", Name: "failures_total",
			Help: "Completions with a negative status.",
		}),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corodb", Subsystem: "pool", Name: "queue_depth",
			Help: "Resumptions waiting in the worker pool FIFO.",
		}),
	}
	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheWriteBacks,
		m.RingSubmissions, m.RingCompletions, m.RingFailures,
		m.PoolQueueDepth,
	)
	return m
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncCacheEviction() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}

func (m *Metrics) IncCacheWriteBack() {
	if m != nil {
		m.CacheWriteBacks.Inc()
	}
}

func (m *Metrics) IncRingSubmission() {
	if m != nil {
		m.RingSubmissions.Inc()
	}
}

func (m *Metrics) IncRingCompletion() {
	if m != nil {
		m.RingCompletions.Inc()
	}
}

func (m *Metrics) IncRingFailure() {
	if m != nil {
		m.RingFailures.Inc()
	}
}

func (m *Metrics) SetPoolQueueDepth(n int) {
	if m != nil {
		m.PoolQueueDepth.Set(float64(n))
	}
}
