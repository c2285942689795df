// Package stats exposes the index's container item counts, dispatch
// queue depth, and GC activity to Prometheus, implementing the
// xmeta.Stats sink §9 asks callers to pass in at container construction
// rather than reach through a process-wide singleton for.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Tracker implements xmeta.Stats: Inc/Dec bump a per-kind gauge, where
// kind is the container's label ("context", "instance", "metric", ...).
type Tracker struct {
	items           *prometheus.GaugeVec
	dispatched      prometheus.Counter
	dispatchCarried prometheus.Counter
	gcDeleted       prometheus.Counter
	queueDepth      *prometheus.GaugeVec
}

func NewTracker(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rrdcontext",
			Name:      "items",
			Help:      "Live item count per container kind.",
		}, []string{"kind"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcontext",
			Name:      "dispatched_total",
			Help:      "Contexts successfully formatted and sent to the hub.",
		}),
		dispatchCarried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcontext",
			Name:      "dispatch_carried_total",
			Help:      "Contexts left queued after hitting the per-pass dispatch bundle cap.",
		}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcontext",
			Name:      "gc_deleted_total",
			Help:      "Contexts freed by the GC pass.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rrdcontext",
			Name:      "queue_depth",
			Help:      "Current queue depth per queue name.",
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(t.items, t.dispatched, t.dispatchCarried, t.gcDeleted, t.queueDepth)
	}
	return t
}

func (t *Tracker) Inc(kind string) { t.items.WithLabelValues(kind).Inc() }
func (t *Tracker) Dec(kind string) { t.items.WithLabelValues(kind).Dec() }

func (t *Tracker) ObserveDispatch(sent, carried int) {
	t.dispatched.Add(float64(sent))
	t.dispatchCarried.Add(float64(carried))
}

func (t *Tracker) ObserveGC(deleted int) {
	t.gcDeleted.Add(float64(deleted))
}

func (t *Tracker) SetQueueDepth(queue string, depth int) {
	t.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
