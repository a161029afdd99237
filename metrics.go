package dls

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dls"

// Metrics is a prometheus.Collector for the permission service. Register
// it on a registry and pass it to New with WithMetrics.
type Metrics struct {
	checks     *prometheus.CounterVec
	modifies   *prometheus.CounterVec
	logEntries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics returns a new, unregistered Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "checks_total",
				Help:      "The number of permission checks by result and reason.",
			}, []string{"result", "reason"},
		),
		modifies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "modify_total",
				Help:      "The number of permission modifications by outcome.",
			}, []string{"outcome"},
		),
		logEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "grant_log_entries_total",
				Help:      "The number of grant log entries written, by situation.",
			}, []string{"situation"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_seconds",
				Help:      "The duration of service operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"op"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.checks.Describe(ch)
	m.modifies.Describe(ch)
	m.logEntries.Describe(ch)
	m.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.checks.Collect(ch)
	m.modifies.Collect(ch)
	m.logEntries.Collect(ch)
	m.duration.Collect(ch)
}

// The methods below accept a nil receiver so the service can call them
// unconditionally.

func (m *Metrics) observeCheck(r Result) {
	if m == nil {
		return
	}
	result := "deny"
	if r.Allowed {
		result = "allow"
	}
	m.checks.WithLabelValues(result, string(r.Reason)).Inc()
}

func (m *Metrics) observeModify(outcome string, logs []LogEntry) {
	if m == nil {
		return
	}
	m.modifies.WithLabelValues(outcome).Inc()
	for _, l := range logs {
		m.logEntries.WithLabelValues(string(l.Meta.Situation)).Inc()
	}
}

func (m *Metrics) observeDuration(op string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

var _ prometheus.Collector = (*Metrics)(nil)
