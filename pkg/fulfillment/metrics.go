package fulfillment

import "time"

// Metrics defines the interface for tracking pipeline operations.
// All methods are optional - callers should pass NoopMetrics when unused.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the payment
	// processor. status: "success" or "error".
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to
	// authenticate and dispatch.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection.
	// errorType: e.g. "auth_failed", "not_configured", "payload_too_large".
	RecordWebhookError(errorType string)

	// RecordStepFailure records an isolated pipeline step that failed and
	// was absorbed.
	RecordStepFailure(step string)

	// RecordNotification records one notification send attempt.
	// status: "success" or "error".
	RecordNotification(kind, status string)

	// RecordDocumentUpload records one summary-document upload attempt.
	// status: "success" or "error".
	RecordDocumentUpload(status string)

	// RecordFallbackHit records a store operation served by the volatile
	// fallback backend instead of the durable primary.
	RecordFallbackHit(operation string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordStepFailure(_ string)                                {}
func (n *NoopMetrics) RecordNotification(_, _ string)                            {}
func (n *NoopMetrics) RecordDocumentUpload(_ string)                             {}
func (n *NoopMetrics) RecordFallbackHit(_ string)                                {}
