// Package metrics exports engine outcomes as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/conserve/internal/engine"
)

const namespace = "conserve"

// Collector implements engine.Observer. Each Collector owns its registry so
// several engines (and tests) never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	violations   *prometheus.CounterVec
	terminations prometheus.Counter
	duration     *prometheus.HistogramVec
	allocated    prometheus.Gauge
	total        prometheus.Gauge
	entities     prometheus.Gauge
}

// New creates a Collector with its metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Operations executed, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "violations_total",
				Help:      "Rejected operations, by violation kind.",
			},
			[]string{"kind"},
		),
		terminations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "fatal_terminations_total",
				Help:      "Entities terminated by fatal violations.",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "execute_duration_seconds",
				Help:      "Execute latency in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"kind"},
		),
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "allocated",
			Help:      "Energy currently held by entities.",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "total",
			Help:      "Fixed pool size.",
		}),
		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "funded_entities",
			Help:      "Entities with a positive balance.",
		}),
	}
	c.registry.MustRegister(
		c.operations, c.violations, c.terminations, c.duration,
		c.allocated, c.total, c.entities,
	)
	for _, kind := range engine.ViolationKinds {
		c.violations.WithLabelValues(string(kind))
	}
	return c
}

// ObserveOutcome records one Execute call.
func (c *Collector) ObserveOutcome(o engine.Outcome) {
	kind := string(o.Kind)
	outcome := "committed"
	if !o.Committed {
		outcome = "rejected"
		c.violations.WithLabelValues(string(o.Violation)).Inc()
	}
	if o.Fatal {
		outcome = "fatal"
		c.terminations.Inc()
	}
	c.operations.WithLabelValues(kind, outcome).Inc()
	c.duration.WithLabelValues(kind).Observe(o.Duration.Seconds())
	c.allocated.Set(o.Allocated.Float64())
	c.total.Set(o.Total.Float64())
	c.entities.Set(float64(o.Entities))
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
