// Package metrics defines the engine's Prometheus collectors: counters
// and gauges for the propagator's dirty-set walk, the interned heap's
// live-object count, and each open resource instance's pending-diff
// backlog.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dataflow"

var (
	// Registry holds the engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	// PropagationDuration measures the wall time of one Apply call, from
	// the initial Store.Apply to the worklist and wholeDirty queues both
	// draining to empty.
	PropagationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "propagation",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one propagator Apply cycle, from deposit to quiescence.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 20),
	})

	// NodesRecomputed counts recompute calls issued by the propagator,
	// partitioned by the node kind recomputed.
	NodesRecomputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "propagation",
		Name:      "nodes_recomputed_total",
		Help:      "Total number of per-node recompute calls issued during propagation.",
	}, []string{"kind"})

	// ChangesEmitted counts the (node, key) Change records the
	// propagator has produced, partitioned by node kind.
	ChangesEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "propagation",
		Name:      "changes_emitted_total",
		Help:      "Total number of Change records recorded by the propagator.",
	}, []string{"kind"})

	// HeapLiveObjects is the interned heap's current entry count
	// (handles with a nonzero reference count).
	HeapLiveObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "heap",
		Name:      "live_objects",
		Help:      "Current number of live (nonzero refcount) entries in the interned heap.",
	})

	// ResourcePendingDiffs is the size of an open resource instance's
	// undelivered diff queue, labeled by instance id.
	ResourcePendingDiffs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "pending_diffs",
		Help:      "Number of diffs queued for a resource instance that its caller has not yet consumed.",
	}, []string{"instance"})

	// ResourceInstancesOpen is the count of currently open resource
	// instances, labeled by resource template name.
	ResourceInstancesOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "instances_open",
		Help:      "Number of currently open resource instances, by template name.",
	}, []string{"resource"})

	// AdapterSubscriptions is the count of external subscriptions,
	// labeled by their current lifecycle state.
	AdapterSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "external",
		Name:      "subscriptions",
		Help:      "Number of external subscriptions, by state (loading, active, failed).",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		PropagationDuration,
		NodesRecomputed,
		ChangesEmitted,
		HeapLiveObjects,
		ResourcePendingDiffs,
		ResourceInstancesOpen,
		AdapterSubscriptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObservePropagation records one Apply cycle's wall-clock duration.
func ObservePropagation(d time.Duration) {
	PropagationDuration.Observe(d.Seconds())
}

// Handler returns the HTTP handler that serves the engine's metrics in
// the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
