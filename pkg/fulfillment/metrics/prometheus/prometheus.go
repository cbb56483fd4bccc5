// Package prommetrics provides a Prometheus implementation of the
// fulfillment.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements fulfillment.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	stepFailuresTotal         *prometheus.CounterVec
	notificationsTotal        *prometheus.CounterVec
	documentUploadsTotal      *prometheus.CounterVec
	fallbackHitsTotal         *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// fulfillment pipeline.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from the payment processor.",
		}, []string{"event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "webhook_errors_total",
			Help:      "Total number of rejected or failed webhook deliveries.",
		}, []string{"error_type"}),

		stepFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "step_failures_total",
			Help:      "Total number of absorbed pipeline step failures.",
		}, []string{"step"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "notifications_total",
			Help:      "Total number of notification send attempts.",
		}, []string{"kind", "status"}),

		documentUploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "document_uploads_total",
			Help:      "Total number of summary document upload attempts.",
		}, []string{"status"}),

		fallbackHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "store_fallback_hits_total",
			Help:      "Total number of store operations served by the volatile fallback backend.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordStepFailure(step string) {
	m.stepFailuresTotal.WithLabelValues(step).Inc()
}

func (m *Metrics) RecordNotification(kind, status string) {
	m.notificationsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordDocumentUpload(status string) {
	m.documentUploadsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordFallbackHit(operation string) {
	m.fallbackHitsTotal.WithLabelValues(operation).Inc()
}
