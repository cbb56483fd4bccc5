// Package postgres provides the durable PostgreSQL implementation of
// fulfillment.Store. Payment deduplication is enforced in the schema: a
// UNIQUE constraint on payment_intent_id plus INSERT ... ON CONFLICT gives an
// atomic insert-or-update on the natural key, never a read-then-write race.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Store implements fulfillment.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Schema is the DDL this store expects. The UNIQUE constraint on
// payment_intent_id is load-bearing: it is what makes UpsertPayment atomic.
const Schema = `
CREATE TABLE IF NOT EXISTS payments (
	id                UUID PRIMARY KEY,
	reference         TEXT NOT NULL DEFAULT '',
	payment_intent_id TEXT NOT NULL UNIQUE,
	amount            NUMERIC(12,2) NOT NULL,
	currency          TEXT NOT NULL,
	status            TEXT NOT NULL,
	customer_email    TEXT NOT NULL DEFAULT '',
	customer_name     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	metadata          JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS client_requests (
	id                UUID PRIMARY KEY,
	reference         TEXT NOT NULL UNIQUE,
	type              TEXT NOT NULL,
	customer          JSONB NOT NULL DEFAULT '{}',
	service_data      JSONB NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL,
	status_history    JSONB NOT NULL DEFAULT '[]',
	documents         JSONB NOT NULL DEFAULT '[]',
	payment_intent_id TEXT,
	paid_at           TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_client_requests_payment_intent
	ON client_requests (payment_intent_id);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpsertPayment implements fulfillment.PaymentStore. ON CONFLICT on the
// payment_intent_id natural key updates the status in place and keeps the
// original id, so redelivery of the same processor event never creates a
// second record.
func (s *Store) UpsertPayment(ctx context.Context, payment *fulfillment.Payment) (*fulfillment.Payment, error) {
	if payment == nil || payment.PaymentIntentID == "" {
		return nil, fmt.Errorf("invalid payment")
	}

	metadata, err := json.Marshal(payment.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment metadata: %w", err)
	}

	stored := *payment
	err = s.pool.QueryRow(ctx,
		`INSERT INTO payments (id, reference, payment_intent_id, amount, currency, status, customer_email, customer_name, created_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (payment_intent_id) DO UPDATE SET
				status = EXCLUDED.status
			RETURNING id, reference, created_at`,
		payment.ID, payment.Reference, payment.PaymentIntentID, payment.Amount,
		payment.Currency, payment.Status, payment.CustomerEmail,
		payment.CustomerName, payment.CreatedAt.UTC(), metadata,
	).Scan(&stored.ID, &stored.Reference, &stored.CreatedAt)
	if err != nil {
		return nil, unavailable("upsert payment", err)
	}

	return &stored, nil
}

// GetPaymentByIntent implements fulfillment.PaymentStore.
func (s *Store) GetPaymentByIntent(ctx context.Context, paymentIntentID string) (*fulfillment.Payment, error) {
	var (
		payment  fulfillment.Payment
		metadata []byte
	)

	err := s.pool.QueryRow(ctx,
		`SELECT id, reference, payment_intent_id, amount, currency, status, customer_email, customer_name, created_at, metadata
			FROM payments WHERE payment_intent_id = $1`,
		paymentIntentID,
	).Scan(
		&payment.ID,
		&payment.Reference,
		&payment.PaymentIntentID,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&payment.CustomerEmail,
		&payment.CustomerName,
		&payment.CreatedAt,
		&metadata,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.ErrPaymentNotFound
	}
	if err != nil {
		return nil, unavailable("get payment", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &payment.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment metadata: %w", err)
		}
	}
	return &payment, nil
}

// UpdatePaymentStatus implements fulfillment.PaymentStore.
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentIntentID string, status fulfillment.PaymentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE payment_intent_id = $1`,
		paymentIntentID, status,
	)
	if err != nil {
		return unavailable("update payment status", err)
	}
	if tag.RowsAffected() == 0 {
		return fulfillment.ErrPaymentNotFound
	}
	return nil
}

// FindByPaymentIntent implements fulfillment.RequestRepository.
func (s *Store) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*fulfillment.ClientRequest, error) {
	return s.findRequest(ctx, `payment_intent_id = $1`, paymentIntentID)
}

// FindByReference implements fulfillment.RequestRepository.
func (s *Store) FindByReference(ctx context.Context, reference string) (*fulfillment.ClientRequest, error) {
	return s.findRequest(ctx, `reference = $1`, reference)
}

func (s *Store) findRequest(ctx context.Context, where string, arg any) (*fulfillment.ClientRequest, error) {
	var (
		req      fulfillment.ClientRequest
		customer []byte
		history  []byte
		docs     []byte
	)

	err := s.pool.QueryRow(ctx,
		`SELECT id, reference, type, customer, service_data, status, status_history, documents, paid_at
			FROM client_requests WHERE `+where,
		arg,
	).Scan(
		&req.ID,
		&req.Reference,
		&req.Type,
		&customer,
		&req.ServiceData,
		&req.Status,
		&history,
		&docs,
		&req.PaidAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.ErrRequestNotFound
	}
	if err != nil {
		return nil, unavailable("find request", err)
	}

	if err := json.Unmarshal(customer, &req.Customer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &req.StatusHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status history: %w", err)
		}
	}
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &req.Documents); err != nil {
			return nil, fmt.Errorf("failed to unmarshal documents: %w", err)
		}
	}
	return &req, nil
}

// MarkPaid implements fulfillment.RequestRepository. The row is read and
// updated under a FOR UPDATE lock so concurrent redelivery serializes: the
// second invocation sees paid_at set and is a no-op. The status transition
// follows the same CanTransition rule as the in-memory store, so both
// backends record identical lifecycle state for the same event.
func (s *Store) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	paidAt = paidAt.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("mark paid", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		status      fulfillment.RequestStatus
		alreadyPaid *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT status, paid_at FROM client_requests WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &alreadyPaid)
	if errors.Is(err, pgx.ErrNoRows) {
		return fulfillment.ErrRequestNotFound
	}
	if err != nil {
		return unavailable("mark paid", err)
	}
	if alreadyPaid != nil {
		return nil
	}

	newStatus := status
	if fulfillment.CanTransition(status, fulfillment.StatusInReview) {
		newStatus = fulfillment.StatusInReview
	}

	entry, err := json.Marshal([]fulfillment.StatusChange{{
		Status:     newStatus,
		OccurredAt: paidAt,
		Note:       fulfillment.NotePaymentConfirmed,
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal status change: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE client_requests
			SET paid_at = $2, status = $3, status_history = status_history || $4::jsonb
			WHERE id = $1`,
		id, paidAt, newStatus, entry,
	); err != nil {
		return unavailable("mark paid", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("mark paid", err)
	}
	return nil
}

// AttachDocument implements fulfillment.RequestRepository. Documents are
// append-only: regenerating a summary adds a new entry, never overwrites.
func (s *Store) AttachDocument(ctx context.Context, id string, doc fulfillment.StoredDocument) error {
	entry, err := json.Marshal([]fulfillment.StoredDocument{doc})
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE client_requests SET documents = documents || $2::jsonb WHERE id = $1`,
		id, entry,
	)
	if err != nil {
		return unavailable("attach document", err)
	}
	if tag.RowsAffected() == 0 {
		return fulfillment.ErrRequestNotFound
	}
	return nil
}

// unavailable wraps backend failures as ErrStorageUnavailable so the
// failover store can recognize them and degrade to the volatile fallback.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", fulfillment.ErrStorageUnavailable, op, err)
}
