// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arbiterai/costgate/internal/money"
)

// Metrics holds the engine's Prometheus collectors. Construct with New and
// register on a registry owned by the caller; a nil *Metrics is a valid
// no-op receiver so tests can skip instrumentation.
type Metrics struct {
	admissions     *prometheus.CounterVec
	recordedSpend  *prometheus.CounterVec
	estimatedCost  prometheus.Histogram
	fallbackUsage  *prometheus.CounterVec
	recordFailures prometheus.Counter
}

// New creates and registers the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costgate",
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		recordedSpend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costgate",
			Name:      "recorded_spend_usd_total",
			Help:      "Estimated spend recorded per workspace, in USD.",
		}, []string{"workspace"}),
		estimatedCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "costgate",
			Name:      "estimated_request_cost_usd",
			Help:      "Estimated cost per admitted request, in USD.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		fallbackUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costgate",
			Name:      "fallback_pool_usage_total",
			Help:      "Requests served by shared pool credentials, per provider.",
		}, []string{"provider"}),
		recordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "costgate",
			Name:      "usage_recording_failures_total",
			Help:      "Usage recordings that failed to persist.",
		}),
	}
	reg.MustRegister(m.admissions, m.recordedSpend, m.estimatedCost, m.fallbackUsage, m.recordFailures)
	return m
}

// Admission counts one admission decision. Outcome is "admitted" or a
// denial reason.
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// EstimatedCost observes the cost estimate of an admitted request.
func (m *Metrics) EstimatedCost(cost money.Micro) {
	if m == nil {
		return
	}
	m.estimatedCost.Observe(cost.Float())
}

// RecordedSpend counts spend recorded for a workspace.
func (m *Metrics) RecordedSpend(workspaceID string, cost money.Micro) {
	if m == nil {
		return
	}
	m.recordedSpend.WithLabelValues(workspaceID).Add(cost.Float())
}

// FallbackUsage counts a request served from the shared pool.
func (m *Metrics) FallbackUsage(providerSlug string) {
	if m == nil {
		return
	}
	m.fallbackUsage.WithLabelValues(providerSlug).Inc()
}

// RecordingFailure counts a failed usage recording.
func (m *Metrics) RecordingFailure() {
	if m == nil {
		return
	}
	m.recordFailures.Inc()
}
