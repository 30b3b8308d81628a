package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stockportal"

// Metrics records refresh coordination counters. A nil *Metrics records nothing.
type Metrics struct {
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	coalesced       prometheus.Counter
	retries         *prometheus.CounterVec
	terminal        *prometheus.CounterVec
	sessionsEnded   prometheus.Counter
}

// NewMetrics creates the session metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "refreshes_total",
			Help:      "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh calls to the token endpoint.",
			Buckets:   prometheus.DefBuckets,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "refresh_coalesced_total",
			Help:      "Rejected requests that joined an in-flight refresh instead of starting one.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "retries_total",
			Help:      "Replayed requests by cause (refreshed, stale).",
		}, []string{"cause"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "terminal_errors_total",
			Help:      "Requests resolved as terminal authorization failures by reason.",
		}, []string{"reason"}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Session-ended emissions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.refreshes, m.refreshDuration, m.coalesced, m.retries, m.terminal, m.sessionsEnded)
	}
	return m
}

func (m *Metrics) observeRefresh(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.refreshDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) observeCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) observeRetry(cause string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(cause).Inc()
}

func (m *Metrics) observeTerminal(reason string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeSessionEnded() {
	if m == nil {
		return
	}
	m.sessionsEnded.Inc()
}
