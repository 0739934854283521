// Package metrics exposes the kernel's only externally observable signal
// besides deliveries themselves: crank throughput, run-queue depth by
// item kind, GC action-set size, and compromised-vat count.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is an external observer wired into the kernel's Run loop from
// the outside: it never reaches into queue/gc/store internals, it only
// records what the loop already computes, keeping those packages free of
// metrics-specific parameters.
type Collector struct {
	crankTotal    prometheus.Counter
	crankDuration prometheus.Histogram
	crankAborts   prometheus.Counter

	runQueueDepth *prometheus.GaugeVec
	gcActionSetSize prometheus.Gauge
	compromisedVats prometheus.Gauge
}

// NewCollector constructs a Collector and registers it with reg. Passing a
// fresh prometheus.NewRegistry() keeps kernel metrics out of the default
// global registry, which matters when more than one Kernel runs in the
// same process (as kernel_test.go's multi-instance scenarios do).
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		crankTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Name:      "cranks_total",
			Help:      "Total number of cranks run to completion.",
		}),
		crankDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ocapkernel",
			Name:      "crank_duration_seconds",
			Help:      "Wall-clock duration of each crank.",
			Buckets:   prometheus.DefBuckets,
		}),
		crankAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ocapkernel",
			Name:      "crank_aborts_total",
			Help:      "Cranks that panicked and were rolled back.",
		}),
		runQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ocapkernel",
			Name:      "run_queue_depth",
			Help:      "Pending run-queue items, by item kind.",
		}, []string{"kind"}),
		gcActionSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocapkernel",
			Name:      "gc_action_set_size",
			Help:      "Number of pending GC actions awaiting dispatch.",
		}),
		compromisedVats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ocapkernel",
			Name:      "compromised_vats",
			Help:      "Number of vats currently marked compromised.",
		}),
	}
	reg.MustRegister(c.crankTotal, c.crankDuration, c.crankAborts, c.runQueueDepth, c.gcActionSetSize, c.compromisedVats)
	return c
}

// ObserveCrank records one completed crank's duration.
func (c *Collector) ObserveCrank(d time.Duration) {
	c.crankTotal.Inc()
	c.crankDuration.Observe(d.Seconds())
}

// ObserveCrankAbort records one rolled-back crank.
func (c *Collector) ObserveCrankAbort() {
	c.crankAborts.Inc()
}

// SetRunQueueDepth records the current pending count for one item kind
// ("send", "notify", "message", "bootstrapSend", "bootstrapMessage", "gc").
func (c *Collector) SetRunQueueDepth(kind string, depth int) {
	c.runQueueDepth.WithLabelValues(kind).Set(float64(depth))
}

// SetGCActionSetSize records the current size of the pending GC action set.
func (c *Collector) SetGCActionSetSize(n int) {
	c.gcActionSetSize.Set(float64(n))
}

// SetCompromisedVats records the current compromised-vat count.
func (c *Collector) SetCompromisedVats(n int) {
	c.compromisedVats.Set(float64(n))
}
