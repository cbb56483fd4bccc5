// Package fulfillment contains the payment-confirmation pipeline: the typed
// payment events arriving from the processor, the Payment and ClientRequest
// records they drive, and the controller that advances a request's lifecycle
// once a charge is confirmed.
package fulfillment

import (
	"encoding/json"
	"time"
)

// EventKind classifies an inbound payment-processor event after verification.
type EventKind string

const (
	EventIntentCreated   EventKind = "intent_created"
	EventIntentSucceeded EventKind = "intent_succeeded"
	EventIntentFailed    EventKind = "intent_failed"
	EventChargeRefunded  EventKind = "charge_refunded"

	// EventUnhandled preserves processor event types this pipeline does not
	// act on. They are acknowledged and logged, never rejected, so new
	// processor event types cannot break ingestion.
	EventUnhandled EventKind = "unhandled"
)

// PaymentEvent is a verified, immutable notification from the payment
// processor. The handful of metadata keys the pipeline depends on are
// extracted into typed fields; everything else stays in Metadata as opaque
// passthrough.
type PaymentEvent struct {
	Kind EventKind

	// RawType is the processor's own event type string, kept for
	// observability (relevant for EventUnhandled).
	RawType string

	PaymentIntentID  string
	AmountMinorUnits int64
	Currency         string

	// ReceiptEmail is the processor-level receipt address, used when the
	// intake metadata carries no customer email.
	ReceiptEmail string

	RequestReference string
	Service          string
	Canton           string
	CustomerName     string
	CustomerEmail    string

	Metadata map[string]string
}

// Amount converts the processor's minor units (Rappen) to major units.
func (e *PaymentEvent) Amount() float64 {
	return float64(e.AmountMinorUnits) / 100
}

// RecipientEmail returns the address confirmations should go to, preferring
// the intake metadata over the processor receipt email. Empty means the
// customer is unreachable and notification steps are skipped.
func (e *PaymentEvent) RecipientEmail() string {
	if e.CustomerEmail != "" {
		return e.CustomerEmail
	}
	return e.ReceiptEmail
}

// PaymentStatus is the lifecycle of a recorded charge.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is the durable record of a processor charge. PaymentIntentID is the
// natural key: redelivery of the same processor event must never create a
// second record for the same intent, and the first record keeps its ID and
// Reference.
type Payment struct {
	ID              string
	Reference       string
	PaymentIntentID string
	Amount          float64
	Currency        string
	Status          PaymentStatus
	CustomerEmail   string
	CustomerName    string
	CreatedAt       time.Time
	Metadata        map[string]string
}

// RequestType identifies the service a customer ordered.
type RequestType string

const (
	RequestTax        RequestType = "tax"
	RequestAccounting RequestType = "accounting"
	RequestProperty   RequestType = "property"
)

// RequestStatus is the ordered lifecycle of a ClientRequest.
type RequestStatus string

const (
	StatusReceived        RequestStatus = "received"
	StatusPaymentPending  RequestStatus = "payment_pending"
	StatusInReview        RequestStatus = "in_review"
	StatusDocumentsNeeded RequestStatus = "documents_needed"
	StatusInProgress      RequestStatus = "in_progress"
	StatusCompleted       RequestStatus = "completed"
	StatusDelivered       RequestStatus = "delivered"
)

var statusRank = map[RequestStatus]int{
	StatusReceived:       0,
	StatusPaymentPending: 1,
	StatusInReview:       2,
	StatusInProgress:     3,
	StatusCompleted:      4,
	StatusDelivered:      5,
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another. The order is strictly forward except for documents_needed,
// which is reachable from and returns to in_review and in_progress.
func CanTransition(from, to RequestStatus) bool {
	if from == to {
		return false
	}
	if to == StatusDocumentsNeeded {
		return from == StatusInReview || from == StatusInProgress
	}
	if from == StatusDocumentsNeeded {
		return to == StatusInReview || to == StatusInProgress
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// StatusChange is one append-only entry in a request's status history.
type StatusChange struct {
	Status     RequestStatus `json:"status"`
	OccurredAt time.Time     `json:"occurred_at"`
	Note       string        `json:"note,omitempty"`
}

// NotePaymentConfirmed is the status-history note every store backend records
// when payment is confirmed.
const NotePaymentConfirmed = "payment confirmed"

// Customer holds the contact details captured at intake.
type Customer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// StoredDocument references a derived artifact in the private object store.
// It never carries a URL: access always goes through the document store's
// signed-URL minting.
type StoredDocument struct {
	StorageKey       string    `json:"storage_key"`
	OriginalFilename string    `json:"original_filename"`
	Category         string    `json:"category"`
	ByteSize         int64     `json:"byte_size"`
	CreatedAt        time.Time `json:"created_at"`
}

// ClientRequest is the long-lived business entity for a customer's service
// order. The fulfillment pipeline only transitions its status and appends
// documents; it never creates or deletes one.
type ClientRequest struct {
	ID            string
	Reference     string
	Type          RequestType
	Customer      Customer
	ServiceData   json.RawMessage
	Status        RequestStatus
	StatusHistory []StatusChange
	Documents     []StoredDocument
	PaidAt        *time.Time
}

// AdvanceStatus moves the request to a new status when the lifecycle allows
// it, appending the matching history entry. Returns ErrInvalidTransition and
// leaves the request untouched otherwise.
func (r *ClientRequest) AdvanceStatus(to RequestStatus, at time.Time, note string) error {
	if !CanTransition(r.Status, to) {
		return ErrInvalidTransition
	}
	r.Status = to
	r.StatusHistory = append(r.StatusHistory, StatusChange{
		Status:     to,
		OccurredAt: at,
		Note:       note,
	})
	return nil
}
