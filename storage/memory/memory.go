// Package memory provides an in-memory implementation of fulfillment.Store.
// It backs tests and the degraded mode of the failover store: data written
// here is lost on process restart, which is an explicit, accepted limitation
// of degraded operation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

// Store implements fulfillment.Store using mutex-guarded maps. Safe for
// concurrent webhook invocations.
type Store struct {
	mu          sync.RWMutex
	requests    map[string]*fulfillment.ClientRequest // by id
	byReference map[string]string                     // reference -> id
	byIntent    map[string]string                     // payment intent -> id
	payments    map[string]*fulfillment.Payment       // by payment intent
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		requests:    make(map[string]*fulfillment.ClientRequest),
		byReference: make(map[string]string),
		byIntent:    make(map[string]string),
		payments:    make(map[string]*fulfillment.Payment),
	}
}

// PutRequest stores (or replaces) a client request, optionally associating it
// with a payment intent. The fulfillment pipeline never creates requests;
// this is for the intake path and for tests.
func (s *Store) PutRequest(req *fulfillment.ClientRequest, paymentIntentID string) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("invalid client request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.ID] = cloneRequest(req)
	if req.Reference != "" {
		s.byReference[req.Reference] = req.ID
	}
	if paymentIntentID != "" {
		s.byIntent[paymentIntentID] = req.ID
	}
	return nil
}

// FindByPaymentIntent implements fulfillment.RequestRepository.
func (s *Store) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*fulfillment.ClientRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIntent[paymentIntentID]
	if !ok {
		return nil, fulfillment.ErrRequestNotFound
	}
	return s.lookupLocked(id)
}

// FindByReference implements fulfillment.RequestRepository.
func (s *Store) FindByReference(ctx context.Context, reference string) (*fulfillment.ClientRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byReference[reference]
	if !ok {
		return nil, fulfillment.ErrRequestNotFound
	}
	return s.lookupLocked(id)
}

// MarkPaid implements fulfillment.RequestRepository. A second call for an
// already-paid request is a no-op, never an error.
func (s *Store) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fulfillment.ErrRequestNotFound
	}
	if req.PaidAt != nil {
		return nil
	}

	paidAt = paidAt.UTC()
	req.PaidAt = &paidAt
	if err := req.AdvanceStatus(fulfillment.StatusInReview, paidAt, fulfillment.NotePaymentConfirmed); errors.Is(err, fulfillment.ErrInvalidTransition) {
		// Already past review: keep the status, still record the
		// confirmation against it.
		req.StatusHistory = append(req.StatusHistory, fulfillment.StatusChange{
			Status:     req.Status,
			OccurredAt: paidAt,
			Note:       fulfillment.NotePaymentConfirmed,
		})
	}
	return nil
}

// AttachDocument implements fulfillment.RequestRepository.
func (s *Store) AttachDocument(ctx context.Context, id string, doc fulfillment.StoredDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fulfillment.ErrRequestNotFound
	}
	req.Documents = append(req.Documents, doc)
	return nil
}

// UpsertPayment implements fulfillment.PaymentStore. Keyed by the
// payment-intent natural key: redelivery updates the status of the existing
// record and keeps its id.
func (s *Store) UpsertPayment(ctx context.Context, payment *fulfillment.Payment) (*fulfillment.Payment, error) {
	if payment == nil || payment.PaymentIntentID == "" {
		return nil, fmt.Errorf("invalid payment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payments[payment.PaymentIntentID]; ok {
		existing.Status = payment.Status
		return clonePayment(existing), nil
	}

	stored := clonePayment(payment)
	s.payments[payment.PaymentIntentID] = stored
	return clonePayment(stored), nil
}

// GetPaymentByIntent implements fulfillment.PaymentStore.
func (s *Store) GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*fulfillment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.payments[paymentIntentID]
	if !ok {
		return nil, fulfillment.ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

// UpdatePaymentStatus implements fulfillment.PaymentStore.
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentIntentID string, status fulfillment.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[paymentIntentID]
	if !ok {
		return fulfillment.ErrPaymentNotFound
	}
	payment.Status = status
	return nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = make(map[string]*fulfillment.ClientRequest)
	s.byReference = make(map[string]string)
	s.byIntent = make(map[string]string)
	s.payments = make(map[string]*fulfillment.Payment)
}

func (s *Store) lookupLocked(id string) (*fulfillment.ClientRequest, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, fulfillment.ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

// cloneRequest copies a request so callers cannot mutate stored state.
func cloneRequest(req *fulfillment.ClientRequest) *fulfillment.ClientRequest {
	reqCopy := *req
	if req.PaidAt != nil {
		paidAt := *req.PaidAt
		reqCopy.PaidAt = &paidAt
	}
	reqCopy.ServiceData = append([]byte(nil), req.ServiceData...)
	reqCopy.StatusHistory = append([]fulfillment.StatusChange(nil), req.StatusHistory...)
	reqCopy.Documents = append([]fulfillment.StoredDocument(nil), req.Documents...)
	return &reqCopy
}

func clonePayment(payment *fulfillment.Payment) *fulfillment.Payment {
	paymentCopy := *payment
	if payment.Metadata != nil {
		paymentCopy.Metadata = make(map[string]string, len(payment.Metadata))
		for k, v := range payment.Metadata {
			paymentCopy.Metadata[k] = v
		}
	}
	return &paymentCopy
}
