// Package metrics provides a Prometheus-backed implementation of
// core.Metrics for monitoring environment graph operations: operator update
// passes, event bus dispatch volume, serialization round trips, and graph
// size. Construct one with New and pass it to core.WithMetrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"envgraph/internal/core"
)

const (
	namespace = "envgraph"
	subsystem = "engine"
)

// Collector implements core.Metrics against a Prometheus registry.
//
// Fields:
//   - OperatorRunsTotal: operator update attempts, labeled by class and outcome.
//   - OperatorRunSeconds: operator update duration, labeled by class.
//   - EventsTotal: events dispatched on the bus, labeled by kind.
//   - SerializeTotal: Serialize/Unserialize calls, labeled by op and outcome.
//   - SerializeSeconds: Serialize/Unserialize duration, labeled by op.
//   - GraphItems: current item counts, labeled by kind.
//
// All operations are thread-safe via Prometheus's internal locking.
type Collector struct {
	OperatorRunsTotal  *prometheus.CounterVec
	OperatorRunSeconds *prometheus.HistogramVec
	EventsTotal        *prometheus.CounterVec
	SerializeTotal     *prometheus.CounterVec
	SerializeSeconds   *prometheus.HistogramVec
	GraphItems         *prometheus.GaugeVec
}

// New registers a fresh set of metrics against reg and returns a Collector
// ready to pass to core.WithMetrics. Registering the same Collector against
// the same registry twice panics, the same as any promauto usage.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		OperatorRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operator_runs_total",
				Help:      "Total operator update attempts by class and outcome.",
			},
			[]string{"class", "outcome"},
		),
		OperatorRunSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operator_run_seconds",
				Help:      "Operator update duration in seconds by class.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"class"},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_total",
				Help:      "Total events dispatched on the bus by kind.",
			},
			[]string{"kind"},
		),
		SerializeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "serialize_total",
				Help:      "Total Serialize/Unserialize calls by op and outcome.",
			},
			[]string{"op", "outcome"},
		),
		SerializeSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "serialize_seconds",
				Help:      "Serialize/Unserialize duration in seconds by op.",
				Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"op"},
		),
		GraphItems: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "graph_items",
				Help:      "Current item counts by kind.",
			},
			[]string{"kind"},
		),
	}
}

// eventKindName maps an EventKind to a stable label value; unknown kinds
// report "unknown" rather than growing a new label series per bad input.
func eventKindName(k core.EventKind) string {
	switch k {
	case core.EventItemAdded:
		return "item_added"
	case core.EventItemRemoved:
		return "item_removed"
	case core.EventItemModified:
		return "item_modified"
	case core.EventFrameTreeEdgeAdded:
		return "frame_tree_edge_added"
	case core.EventFrameTreeEdgeRemoved:
		return "frame_tree_edge_removed"
	case core.EventLayerEdgeAdded:
		return "layer_edge_added"
	case core.EventLayerEdgeRemoved:
		return "layer_edge_removed"
	case core.EventOperatorEdgeAdded:
		return "operator_edge_added"
	case core.EventOperatorEdgeRemoved:
		return "operator_edge_removed"
	case core.EventFrameAttachmentChanged:
		return "frame_attachment_changed"
	case core.EventTransformChanged:
		return "transform_changed"
	default:
		return "unknown"
	}
}

// OperatorRun implements core.Metrics.
func (c *Collector) OperatorRun(className string, success bool, durationSeconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.OperatorRunsTotal.WithLabelValues(className, outcome).Inc()
	c.OperatorRunSeconds.WithLabelValues(className).Observe(durationSeconds)
}

// EventDispatched implements core.Metrics.
func (c *Collector) EventDispatched(kind core.EventKind) {
	c.EventsTotal.WithLabelValues(eventKindName(kind)).Inc()
}

// SerializeOp implements core.Metrics.
func (c *Collector) SerializeOp(op string, durationSeconds float64, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.SerializeTotal.WithLabelValues(op, outcome).Inc()
	c.SerializeSeconds.WithLabelValues(op).Observe(durationSeconds)
}

// GraphSize implements core.Metrics.
func (c *Collector) GraphSize(frames, layers, operators int) {
	c.GraphItems.WithLabelValues("frame_node").Set(float64(frames))
	c.GraphItems.WithLabelValues("layer").Set(float64(layers))
	c.GraphItems.WithLabelValues("operator").Set(float64(operators))
}
