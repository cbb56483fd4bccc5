package fulfillment

import (
	"context"
	"time"
)

// RequestRepository abstracts lookup and mutation of client requests. The
// pipeline never creates or deletes requests through it.
type RequestRepository interface {
	// FindByPaymentIntent returns the request associated with a payment
	// intent, or ErrRequestNotFound.
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*ClientRequest, error)

	// FindByReference returns the request with the given human-facing
	// reference code, or ErrRequestNotFound.
	FindByReference(ctx context.Context, reference string) (*ClientRequest, error)

	// MarkPaid records payment confirmation on a request: sets PaidAt,
	// advances the status and appends a history entry. Idempotent: a second
	// call for an already-paid request is a no-op, never an error.
	MarkPaid(ctx context.Context, id string, paidAt time.Time) error

	// AttachDocument appends a stored-document reference to a request.
	AttachDocument(ctx context.Context, id string, doc StoredDocument) error
}

// PaymentStore abstracts the durable payment ledger. UpsertPayment must be
// atomic on the PaymentIntentID natural key: the backend needs a unique
// constraint plus insert-or-update semantics, not a read-then-write race.
type PaymentStore interface {
	// UpsertPayment inserts a payment or, when one already exists for the
	// same payment intent, updates its status in place. Returns the stored
	// record (keeping the original ID on redelivery).
	UpsertPayment(ctx context.Context, payment *Payment) (*Payment, error)

	// GetPaymentByIntent returns the payment for an intent, or
	// ErrPaymentNotFound.
	GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*Payment, error)

	// UpdatePaymentStatus flips the status of an existing payment. Returns
	// ErrPaymentNotFound when no record exists for the intent.
	UpdatePaymentStatus(ctx context.Context, paymentIntentID string, status PaymentStatus) error
}

// Store combines the request repository and the payment ledger; each storage
// backend implements both so the failover wrapper can switch them as a unit.
type Store interface {
	RequestRepository
	PaymentStore
}

// DocumentStore uploads derived artifacts to private object storage and mints
// time-limited access URLs. There is no permanent public URL: a caller
// needing longer access re-requests a fresh signed URL.
type DocumentStore interface {
	Upload(ctx context.Context, data []byte, ownerReference, category string) (StoredDocument, error)
	SignedURL(ctx context.Context, storageKey string, ttl time.Duration) (string, error)
}
