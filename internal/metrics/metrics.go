// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rmm"

// Metrics holds the client's collectors on a private registry so several
// clients in one process (tests) do not collide on the default registerer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	flows           *prometheus.CounterVec
	logsPushed      *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Requests sent to the management server by operation and outcome.",
		}, []string{"op", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of requests to the management server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "flows_total",
			Help:      "Sync flows run by flow and outcome.",
		}, []string{"flow", "outcome"}),
		logsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "log_entries_total",
			Help:      "Local log entries handled by push, by result (sent, failed, unattempted).",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.requests, m.requestDuration, m.flows, m.logsPushed)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one remote call.
func (m *Metrics) ObserveRequest(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, outcome(err)).Inc()
	m.requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveFlow records one coordinator flow.
func (m *Metrics) ObserveFlow(flow string, err error) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(flow, outcome(err)).Inc()
}

// ObservePush records the per-entry breakdown of a push.
func (m *Metrics) ObservePush(sent, failed, unattempted int) {
	if m == nil {
		return
	}
	m.logsPushed.WithLabelValues("sent").Add(float64(sent))
	m.logsPushed.WithLabelValues("failed").Add(float64(failed))
	m.logsPushed.WithLabelValues("unattempted").Add(float64(unattempted))
}

// WriteTextfile dumps the registry in text exposition format, for the
// node_exporter textfile collector. The CLI exits after each command, so
// there is nothing to scrape.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
