// Package metrics is a small gauge/counter registry bridged to
// Prometheus, adapted from the teacher's metrics package (geth bridges
// its own Gauge/Counter types to prometheus/client_golang via
// metrics/prometheus; we depend on client_golang directly since that
// bridge's source did not survive retrieval).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the gauges and counters the lineage cache publishes.
type Registry struct {
	Entries       prometheus.Gauge
	Committing    prometheus.Gauge
	Evictions     prometheus.Counter
	Subscriptions prometheus.Counter
	Flushes       prometheus.Counter
}

// NewRegistry builds a Registry and registers it with reg. Passing a
// fresh prometheus.NewRegistry() is recommended for tests so repeated
// construction does not panic on duplicate registration against the
// default global registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lineage_entries",
			Help: "Number of entries currently present in the lineage cache.",
		}),
		Committing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lineage_committing",
			Help: "Number of entries currently in the COMMITTING state.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineage_evictions_total",
			Help: "Total number of entries evicted from the lineage cache.",
		}),
		Subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineage_subscriptions_total",
			Help: "Total number of store.subscribe calls issued by the cache.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lineage_flushes_total",
			Help: "Total number of entries written back via store.async_add.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.Entries, r.Committing, r.Evictions, r.Subscriptions, r.Flushes)
	}
	return r
}

// NewUnregistered builds a Registry whose metrics are not attached to
// any prometheus.Registerer, for callers (most unit tests) that only
// want the Inc/Set call sites to not panic.
func NewUnregistered() *Registry {
	return NewRegistry(nil)
}
