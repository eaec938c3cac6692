package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter publishes a Collector's values as Prometheus collectors. All
// metrics are backed by Func collectors that read the Collector
// directly at scrape time, so there is no separate sync step to forget
// to call (the ambiguity the previous approach to this left unresolved:
// counters fed by Add() against a loaded total double-count on every
// scrape).
type Exporter struct {
	collector *Collector
}

// NewExporter registers namespace-scoped gauges for sessionsActive,
// sessionIDsFree and the last difficulty, plus a per-upstream connected
// gauge and forwarded-shares counter for upstream indices [0, n).
func NewExporter(namespace string, n int, c *Collector) *Exporter {
	e := &Exporter{collector: c}

	register := func(coll prometheus.Collector) {
		if err := prometheus.Register(coll); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				// registration failures beyond "already registered" are
				// swallowed here; metrics are diagnostic, not load-bearing
			}
		}
	}

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently authenticated or in-progress downstream sessions",
	}, func() float64 { return float64(c.SessionsActive.Load()) }))

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_ids_free",
		Help:      "Number of session ids remaining in the allocator",
	}, func() float64 { return float64(c.SessionIDsFree.Load()) }))

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_difficulty",
		Help:      "Most recently broadcast upstream difficulty",
	}, func() float64 { return float64(c.lastDiff.Load()) }))

	for idx := 0; idx < n; idx++ {
		idx := uint8(idx)
		register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "upstream_connected",
			Help:        "Upstream connection status (1 = authenticated, 0 = not)",
			ConstLabels: prometheus.Labels{"upstream_idx": strconv.Itoa(int(idx))},
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			if c.upstreamConnected[idx] {
				return 1
			}
			return 0
		}))

		register(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "shares_forwarded_total",
			Help:        "Total shares forwarded to this upstream",
			ConstLabels: prometheus.Labels{"upstream_idx": strconv.Itoa(int(idx))},
		}, func() float64 { return float64(c.Shares(idx)) }))
	}

	return e
}
