// Package metrics holds the Prometheus collectors for dispatch outcomes.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// Metrics is safe for concurrent use. A nil *Metrics is a no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	dispatchOutcomes *prometheus.CounterVec
	dispatchBatches  *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
}

// New registers the dispatcher collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		dispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "circle_notifier",
				Name:      "recipient_outcomes_total",
				Help:      "Per-recipient dispatch outcomes by mode, outcome and skip reason.",
			},
			[]string{"mode", "outcome", "reason"},
		),
		dispatchBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "circle_notifier",
				Name:      "batches_total",
				Help:      "Group dispatches by mode and whether the audience was empty.",
			},
			[]string{"mode", "empty"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "circle_notifier",
				Name:      "gateway_send_duration_seconds",
				Help:      "Gateway call duration in seconds by call kind.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatchOutcomes,
		m.dispatchBatches,
		m.gatewayDuration,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordResult(mode string, r dispatch.Result) {
	if m == nil {
		return
	}
	reason := string(r.Reason)
	if r.TimedOut() {
		reason = "timeout"
	}
	m.dispatchOutcomes.WithLabelValues(label(mode), string(r.Outcome), reason).Inc()
}

func (m *Metrics) RecordBatch(mode string, empty bool) {
	if m == nil {
		return
	}
	e := "false"
	if empty {
		e = "true"
	}
	m.dispatchBatches.WithLabelValues(label(mode), e).Inc()
}

func (m *Metrics) ObserveGateway(kind string, d time.Duration) {
	if m == nil {
		return
	}
	seconds := d.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.gatewayDuration.WithLabelValues(label(kind)).Observe(seconds)
}

func label(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
