package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nexfid/fulfillment/internal/webhookutil"
	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

const (
	maxBodyBytes = 256 * 1024

	defaultDispatchTimeout   = 25 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// EventHandler consumes one verified event. Implemented by
// fulfillment.Controller.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *fulfillment.PaymentEvent) []fulfillment.StepResult
}

// Config wires the webhook handler.
type Config struct {
	Verifier *Verifier
	Events   EventHandler
	Logger   fulfillment.Logger
	Metrics  fulfillment.Metrics

	// DispatchTimeout bounds one full invocation so a slow downstream
	// cannot stall the responder past the processor's retry window.
	DispatchTimeout time.Duration

	// RateLimit is the per-IP request budget per RateLimitWindow.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handler is the inbound webhook endpoint. It answers 200 for every
// authenticated-and-dispatched event, even when downstream steps failed,
// which keeps the processor's retry mechanism from amplifying an unrelated
// transient failure into duplicate writes and duplicate emails.
type Handler struct {
	verifier    *Verifier
	events      EventHandler
	logger      fulfillment.Logger
	metrics     fulfillment.Metrics
	rateLimiter *webhookutil.RateLimiter
	timeout     time.Duration
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("webhook: handler requires a verifier")
	}
	if cfg.Events == nil {
		return nil, errors.New("webhook: handler requires an event handler")
	}
	if cfg.Logger == nil {
		cfg.Logger = &fulfillment.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &fulfillment.NoopMetrics{}
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	return &Handler{
		verifier:    cfg.Verifier,
		events:      cfg.Events,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		rateLimiter: webhookutil.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		timeout:     cfg.DispatchTimeout,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.rateLimiter.Allow(webhookutil.GetClientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		h.metrics.RecordWebhookError("rate_limited")
		return
	}

	body, err := webhookutil.ReadBodyStrict(w, r, maxBodyBytes)
	if err != nil {
		if errors.Is(err, webhookutil.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	event, err := h.verifier.Verify(body, signatureHeader(r))
	if err != nil {
		h.rejectUnverified(w, err)
		return
	}

	// Dispatch under an overall deadline. Partial work is not rolled back on
	// expiry: every step is idempotent and safely re-driven by the
	// processor's own retry.
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := h.events.HandleEvent(ctx, event)

	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	if failed > 0 {
		h.logger.Warn("webhook dispatched with absorbed step failures",
			fulfillment.Field{Key: "type", Value: event.RawType},
			fulfillment.Field{Key: "failedSteps", Value: failed},
		)
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	h.metrics.RecordWebhookEvent(event.RawType, "success")
	h.metrics.RecordWebhookProcessingDuration(event.RawType, time.Since(startTime))
}

func (h *Handler) rejectUnverified(w http.ResponseWriter, err error) {
	if errors.Is(err, fulfillment.ErrWebhookNotConfigured) {
		// The deployment is broken, not the caller; answer 5xx so operators
		// see it instead of the processor giving up.
		h.logger.Error("webhook secret not configured")
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		h.metrics.RecordWebhookError("not_configured")
		return
	}
	if errors.Is(err, fulfillment.ErrAuthenticationFailed) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError("auth_failed")
		return
	}
	// Authenticated but unparseable payload.
	http.Error(w, "invalid payload", http.StatusBadRequest)
	h.metrics.RecordWebhookError("invalid_payload")
}

func signatureHeader(r *http.Request) string {
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}
	return sig
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
