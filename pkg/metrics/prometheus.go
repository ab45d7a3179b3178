package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the policy engine's Prometheus instruments on a private registry.
type Collector struct {
	registry          *prometheus.Registry
	decisions         *prometheus.CounterVec
	reservations      *prometheus.CounterVec
	stuckReservations prometheus.Counter
	duration          *prometheus.HistogramVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Policy decisions by operation and outcome",
		}, []string{"operation", "outcome"}),
		reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_limit_reservations_total",
			Help: "Limit reservations by result",
		}, []string{"result"}),
		stuckReservations: factory.NewCounter(prometheus.CounterOpts{
			Name: "policy_stuck_reservations_total",
			Help: "Reservations whose compensating release failed",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_operation_duration_seconds",
			Help:    "Time taken by policy operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordDecision counts one finished operation and observes its latency.
func (c *Collector) RecordDecision(operation, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(operation, outcome).Inc()
	c.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordReservation counts a reservation result: reserved, rejected, released, committed.
func (c *Collector) RecordReservation(result string) {
	if c == nil {
		return
	}
	c.reservations.WithLabelValues(result).Inc()
}

// RecordStuckReservation counts a reservation that could not be released.
func (c *Collector) RecordStuckReservation() {
	if c == nil {
		return
	}
	c.stuckReservations.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
