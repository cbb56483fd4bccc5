// Package failover provides a dual-backend fulfillment.Store that prefers a
// durable primary and degrades to a volatile fallback when the primary is
// unreachable or unconfigured.
//
// This is degraded mode, not a cache: the two backends are never synchronized
// and data written only to the fallback is lost on process restart. The
// trade accepted here is that a confirmed payment always gets recorded
// somewhere operator-visible, even with the database down.
package failover

import (
	"context"
	"errors"
	"time"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

// Config configures the failover store.
type Config struct {
	// Primary is the durable store. May be nil when the deployment has no
	// database configured; every call then goes to Fallback.
	Primary fulfillment.Store

	// Fallback is the volatile store used in degraded mode. Required.
	Fallback fulfillment.Store

	Logger  fulfillment.Logger
	Metrics fulfillment.Metrics
}

// Store routes each operation to the primary when it is configured and
// reachable; the fallback is consulted only when the primary fails with an
// unavailability-class error. With a healthy primary the fallback is never
// read, so it cannot serve stale answers.
type Store struct {
	primary  fulfillment.Store
	fallback fulfillment.Store
	logger   fulfillment.Logger
	metrics  fulfillment.Metrics
}

// New creates a failover store.
func New(config Config) (*Store, error) {
	if config.Fallback == nil {
		return nil, errors.New("failover storage: fallback store is required")
	}
	if config.Logger == nil {
		config.Logger = &fulfillment.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &fulfillment.NoopMetrics{}
	}
	return &Store{
		primary:  config.Primary,
		fallback: config.Fallback,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}, nil
}

// Degraded reports whether the store has no durable primary at all.
func (s *Store) Degraded() bool {
	return s.primary == nil
}

// shouldFailover classifies an error as primary-unavailability rather than a
// business outcome (not-found is an answer, not an outage).
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, fulfillment.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) degrade(operation string, err error) {
	s.metrics.RecordFallbackHit(operation)
	fields := []fulfillment.Field{{Key: "operation", Value: operation}}
	if err != nil {
		fields = append(fields, fulfillment.Field{Key: "error", Value: err.Error()})
	}
	s.logger.Warn("durable store unavailable, using volatile fallback", fields...)
}

// FindByPaymentIntent implements fulfillment.RequestRepository.
func (s *Store) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*fulfillment.ClientRequest, error) {
	if s.primary == nil {
		s.degrade("find_by_payment_intent", nil)
		return s.fallback.FindByPaymentIntent(ctx, paymentIntentID)
	}
	req, err := s.primary.FindByPaymentIntent(ctx, paymentIntentID)
	if shouldFailover(err) {
		s.degrade("find_by_payment_intent", err)
		return s.fallback.FindByPaymentIntent(ctx, paymentIntentID)
	}
	return req, err
}

// FindByReference implements fulfillment.RequestRepository.
func (s *Store) FindByReference(ctx context.Context, reference string) (*fulfillment.ClientRequest, error) {
	if s.primary == nil {
		s.degrade("find_by_reference", nil)
		return s.fallback.FindByReference(ctx, reference)
	}
	req, err := s.primary.FindByReference(ctx, reference)
	if shouldFailover(err) {
		s.degrade("find_by_reference", err)
		return s.fallback.FindByReference(ctx, reference)
	}
	return req, err
}

// MarkPaid implements fulfillment.RequestRepository.
func (s *Store) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	if s.primary == nil {
		s.degrade("mark_paid", nil)
		return s.fallback.MarkPaid(ctx, id, paidAt)
	}
	err := s.primary.MarkPaid(ctx, id, paidAt)
	if shouldFailover(err) {
		s.degrade("mark_paid", err)
		return s.fallback.MarkPaid(ctx, id, paidAt)
	}
	return err
}

// AttachDocument implements fulfillment.RequestRepository.
func (s *Store) AttachDocument(ctx context.Context, id string, doc fulfillment.StoredDocument) error {
	if s.primary == nil {
		s.degrade("attach_document", nil)
		return s.fallback.AttachDocument(ctx, id, doc)
	}
	err := s.primary.AttachDocument(ctx, id, doc)
	if shouldFailover(err) {
		s.degrade("attach_document", err)
		return s.fallback.AttachDocument(ctx, id, doc)
	}
	return err
}

// UpsertPayment implements fulfillment.PaymentStore.
func (s *Store) UpsertPayment(ctx context.Context, payment *fulfillment.Payment) (*fulfillment.Payment, error) {
	if s.primary == nil {
		s.degrade("upsert_payment", nil)
		return s.fallback.UpsertPayment(ctx, payment)
	}
	stored, err := s.primary.UpsertPayment(ctx, payment)
	if shouldFailover(err) {
		s.degrade("upsert_payment", err)
		return s.fallback.UpsertPayment(ctx, payment)
	}
	return stored, err
}

// GetPaymentByIntent implements fulfillment.PaymentStore.
func (s *Store) GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*fulfillment.Payment, error) {
	if s.primary == nil {
		s.degrade("get_payment", nil)
		return s.fallback.GetPaymentByIntent(ctx, paymentIntentID)
	}
	payment, err := s.primary.GetPaymentByIntent(ctx, paymentIntentID)
	if shouldFailover(err) {
		s.degrade("get_payment", err)
		return s.fallback.GetPaymentByIntent(ctx, paymentIntentID)
	}
	return payment, err
}

// UpdatePaymentStatus implements fulfillment.PaymentStore.
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentIntentID string, status fulfillment.PaymentStatus) error {
	if s.primary == nil {
		s.degrade("update_payment_status", nil)
		return s.fallback.UpdatePaymentStatus(ctx, paymentIntentID, status)
	}
	err := s.primary.UpdatePaymentStatus(ctx, paymentIntentID, status)
	if shouldFailover(err) {
		s.degrade("update_payment_status", err)
		return s.fallback.UpdatePaymentStatus(ctx, paymentIntentID, status)
	}
	return err
}
