// Package metrics exposes Prometheus collectors for workflow execution
// and bridges them onto the event stream, so observability requires no
// scheduler changes.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skaldworks/weft/internal/eventbus"
)

// Collector holds the engine's Prometheus metrics. All metrics are
// namespaced "weft".
type Collector struct {
	inflightTasks prometheus.Gauge
	taskLatency   *prometheus.HistogramVec
	tasksTotal    *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
	constraints   prometheus.Counter

	subscriptionID string
}

// NewCollector creates and registers the engine metrics with the given
// registry. A nil registry uses the global default.
func NewCollector(registry prometheus.Registerer) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Collector{
		inflightTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "weft",
			Name:      "inflight_tasks",
			Help:      "Number of tasks currently executing",
		}),
		taskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "weft",
			Name:      "task_duration_ms",
			Help:      "Task execution duration in milliseconds, including retries",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"task_id", "status"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "tasks_total",
			Help:      "Terminal task dispositions by status",
		}, []string{"status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "retries_total",
			Help:      "Cumulative task retry attempts",
		}, []string{"task_id"}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "runs_total",
			Help:      "Workflow runs by outcome",
		}, []string{"outcome"}),
		constraints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "resource_constraints_total",
			Help:      "Attempts rejected by the resource guard",
		}),
	}
}

// Attach subscribes the collector to every event on the bus. Call
// Detach to stop observing.
func (c *Collector) Attach(bus eventbus.Bus) error {
	id, err := bus.SubscribeAll(c.handle)
	if err != nil {
		return err
	}
	c.subscriptionID = id
	return nil
}

// Detach removes the collector's subscription from the bus.
func (c *Collector) Detach(bus eventbus.Bus) error {
	if c.subscriptionID == "" {
		return nil
	}
	return bus.Unsubscribe(c.subscriptionID)
}

func (c *Collector) handle(_ context.Context, event eventbus.Event) error {
	switch event.Type {
	case eventbus.EventTaskStarted:
		c.inflightTasks.Inc()
	case eventbus.EventTaskCompleted:
		c.inflightTasks.Dec()
		c.tasksTotal.WithLabelValues("completed").Inc()
		if ms, ok := metadataMillis(event, "duration_ms"); ok {
			c.taskLatency.WithLabelValues(event.TaskID, "completed").Observe(ms)
		}
	case eventbus.EventTaskFailed:
		c.inflightTasks.Dec()
		c.tasksTotal.WithLabelValues("failed").Inc()
	case eventbus.EventTaskSkipped:
		c.tasksTotal.WithLabelValues("skipped").Inc()
	case eventbus.EventTaskRetrying:
		c.retriesTotal.WithLabelValues(event.TaskID).Inc()
	case eventbus.EventResourceConstraint:
		c.constraints.Inc()
	case eventbus.EventWorkflowStarted:
		c.runsTotal.WithLabelValues("started").Inc()
	case eventbus.EventWorkflowCompleted:
		c.runsTotal.WithLabelValues("completed").Inc()
	case eventbus.EventWorkflowFailed:
		c.runsTotal.WithLabelValues("failed").Inc()
	case eventbus.EventWorkflowCancelled:
		c.runsTotal.WithLabelValues("cancelled").Inc()
	}
	return nil
}

func metadataMillis(event eventbus.Event, key string) (float64, bool) {
	v, ok := event.Metadata[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
