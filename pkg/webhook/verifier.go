// Package webhook authenticates inbound payment-processor events and hands
// the verified, typed result to the fulfillment controller.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

// Verifier authenticates a raw webhook body against the shared-secret
// signature scheme and parses it into a typed PaymentEvent.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret is allowed here and
// reported as ErrWebhookNotConfigured on Verify, so a misconfigured
// deployment answers 5xx instead of silently rejecting the processor.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret))}
}

// Verify recomputes the expected signature over the raw, unparsed body
// (constant-time compare, timestamp-tolerance window) and parses the payload.
// Any absent, malformed or mismatched signature yields
// fulfillment.ErrAuthenticationFailed; no event is ever processed from an
// unauthenticated payload.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (*fulfillment.PaymentEvent, error) {
	if len(v.secret) == 0 {
		return nil, fulfillment.ErrWebhookNotConfigured
	}

	event, err := stripe.ConstructEvent(rawBody, signatureHeader, string(v.secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fulfillment.ErrAuthenticationFailed, err)
	}

	return eventFromStripe(&event)
}

// eventFromStripe maps the processor's event types onto the pipeline's typed
// variants. Unknown types are preserved as EventUnhandled rather than
// rejected, so processor-side additions never break ingestion.
func eventFromStripe(event *stripe.Event) (*fulfillment.PaymentEvent, error) {
	switch event.Type {
	case "payment_intent.created":
		return intentEvent(event, fulfillment.EventIntentCreated)
	case "payment_intent.succeeded":
		return intentEvent(event, fulfillment.EventIntentSucceeded)
	case "payment_intent.payment_failed":
		return intentEvent(event, fulfillment.EventIntentFailed)
	case "charge.refunded":
		return refundEvent(event)
	default:
		return &fulfillment.PaymentEvent{
			Kind:    fulfillment.EventUnhandled,
			RawType: string(event.Type),
		}, nil
	}
}

func intentEvent(event *stripe.Event, kind fulfillment.EventKind) (*fulfillment.PaymentEvent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	parsed := &fulfillment.PaymentEvent{
		Kind:             kind,
		RawType:          string(event.Type),
		PaymentIntentID:  intent.ID,
		AmountMinorUnits: intent.Amount,
		Currency:         string(intent.Currency),
		ReceiptEmail:     intent.ReceiptEmail,
		Metadata:         intent.Metadata,
	}
	extractMetadata(parsed, intent.Metadata)
	return parsed, nil
}

func refundEvent(event *stripe.Event) (*fulfillment.PaymentEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
	}

	intentID := ""
	if charge.PaymentIntent != nil {
		intentID = charge.PaymentIntent.ID
	}

	parsed := &fulfillment.PaymentEvent{
		Kind:             fulfillment.EventChargeRefunded,
		RawType:          string(event.Type),
		PaymentIntentID:  intentID,
		AmountMinorUnits: charge.Amount,
		Currency:         string(charge.Currency),
		ReceiptEmail:     charge.ReceiptEmail,
		Metadata:         charge.Metadata,
	}
	extractMetadata(parsed, charge.Metadata)
	return parsed, nil
}

// extractMetadata pulls the handful of metadata keys the pipeline depends on
// into typed fields. Everything else stays in Metadata untouched.
func extractMetadata(parsed *fulfillment.PaymentEvent, metadata map[string]string) {
	parsed.RequestReference = metaValue(metadata, "request_reference", "requestReference")
	parsed.Service = metaValue(metadata, "service")
	parsed.Canton = metaValue(metadata, "canton")
	parsed.CustomerName = metaValue(metadata, "customer_name", "customerName")
	parsed.CustomerEmail = metaValue(metadata, "customer_email", "customerEmail")
}

func metaValue(metadata map[string]string, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(metadata[key]); value != "" {
			return value
		}
	}
	return ""
}
