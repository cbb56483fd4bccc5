package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultSignedURLTTL bounds operator-facing document links. Callers needing
// longer access re-request a fresh signed URL.
const DefaultSignedURLTTL = time.Hour

// ControllerConfig wires the controller's collaborators. Store is required;
// everything else defaults to a no-op.
type ControllerConfig struct {
	Store        Store
	Documents    DocumentStore
	Notifier     Notifier
	Logger       Logger
	Metrics      Metrics
	SignedURLTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Controller consumes verified payment events and drives Payment and
// ClientRequest state transitions. Every downstream step is best effort: once
// an event is authenticated and dispatched the caller acks it, so a transient
// failure in one subsystem cannot turn the processor's retries into duplicate
// writes or duplicate customer emails.
type Controller struct {
	store        Store
	documents    DocumentStore
	notifier     Notifier
	runner       *StepRunner
	logger       Logger
	metrics      Metrics
	refs         *ReferenceGenerator
	signedURLTTL time.Duration
	now          func() time.Time
}

// NewController creates a controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("fulfillment: controller requires a store")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = DefaultSignedURLTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		store:        cfg.Store,
		documents:    cfg.Documents,
		notifier:     cfg.Notifier,
		runner:       NewStepRunner(cfg.Logger, cfg.Metrics),
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		refs:         NewReferenceGenerator(),
		signedURLTTL: cfg.SignedURLTTL,
		now:          cfg.Now,
	}, nil
}

// HandleEvent dispatches one verified event by kind. It never returns an
// error: downstream failures are captured in the step results and logged, and
// the webhook responder acks regardless.
func (c *Controller) HandleEvent(ctx context.Context, event *PaymentEvent) []StepResult {
	switch event.Kind {
	case EventIntentSucceeded:
		return c.handleIntentSucceeded(ctx, event)
	case EventIntentFailed:
		return c.handleIntentFailed(ctx, event)
	case EventChargeRefunded:
		return c.handleChargeRefunded(ctx, event)
	case EventIntentCreated:
		c.logger.Info("payment intent created",
			Field{"paymentIntent", event.PaymentIntentID},
			Field{"amount", event.Amount()},
		)
		return nil
	default:
		c.logger.Info("unhandled webhook event acknowledged",
			Field{"type", event.RawType},
		)
		return nil
	}
}

func (c *Controller) handleIntentSucceeded(ctx context.Context, event *PaymentEvent) []StepResult {
	var stored *Payment

	results := c.runner.Run(ctx, Step{
		Name: "record_payment",
		Run: func(ctx context.Context) error {
			payment, err := c.store.UpsertPayment(ctx, c.paymentFromEvent(event, PaymentSucceeded))
			if err != nil {
				return err
			}
			stored = payment
			return nil
		},
	})

	var request *ClientRequest
	results = append(results, c.runner.Run(ctx, Step{
		Name: "locate_request",
		Run: func(ctx context.Context) error {
			found, err := c.locateRequest(ctx, event)
			if err != nil {
				if errors.Is(err, ErrRequestNotFound) {
					c.logger.Warn("no client request matches confirmed payment",
						Field{"paymentIntent", event.PaymentIntentID},
						Field{"reference", event.RequestReference},
					)
					return nil
				}
				return err
			}
			request = found
			return nil
		},
	})...)

	if request != nil {
		results = append(results, c.runner.Run(ctx, Step{
			Name: "mark_paid",
			Run: func(ctx context.Context) error {
				return c.store.MarkPaid(ctx, request.ID, c.now().UTC())
			},
		})...)
	}

	email := event.RecipientEmail()
	if email == "" {
		// Not an error: the customer is simply unreachable, so there is
		// nobody to confirm to and no summary recipient. The payment and the
		// lifecycle transition above still stand.
		c.logger.Warn("payment confirmed without customer email, skipping notification and document steps",
			Field{"paymentIntent", event.PaymentIntentID},
		)
		return results
	}

	payload := c.notificationPayload(event, request, email)

	if c.isTaxService(event, request) && c.documents != nil {
		var docResults []StepResult
		payload.SummaryURL, payload.DocumentName, docResults = c.runSummaryFlow(ctx, event, request, stored)
		results = append(results, docResults...)
	}

	kinds := []NotificationKind{NotifyCustomerConfirmation, NotifyOperatorAlert}
	if payload.DocumentName != "" {
		kinds = append(kinds, NotifyOperatorSummary)
	}
	results = append(results, c.dispatchNotifications(ctx, payload, kinds)...)

	return results
}

func (c *Controller) handleIntentFailed(ctx context.Context, event *PaymentEvent) []StepResult {
	// Failed charges are surfaced synchronously by the payment UI; this
	// pipeline only records them, it never emails the customer about them.
	return c.runner.Run(ctx, Step{
		Name: "record_payment",
		Run: func(ctx context.Context) error {
			_, err := c.store.UpsertPayment(ctx, c.paymentFromEvent(event, PaymentFailed))
			return err
		},
	})
}

func (c *Controller) handleChargeRefunded(ctx context.Context, event *PaymentEvent) []StepResult {
	return c.runner.Run(ctx, Step{
		Name: "mark_refunded",
		Run: func(ctx context.Context) error {
			err := c.store.UpdatePaymentStatus(ctx, event.PaymentIntentID, PaymentRefunded)
			if errors.Is(err, ErrPaymentNotFound) {
				// A refund for a payment this service never recorded is an
				// anomaly worth logging, not a failure worth retry storms.
				c.logger.Warn("refund received for unknown payment intent",
					Field{"paymentIntent", event.PaymentIntentID},
				)
				return nil
			}
			return err
		},
	})
}

// locateRequest prefers the human-facing reference carried in the processor
// metadata, falling back to the payment-intent association.
func (c *Controller) locateRequest(ctx context.Context, event *PaymentEvent) (*ClientRequest, error) {
	if event.RequestReference != "" {
		request, err := c.store.FindByReference(ctx, event.RequestReference)
		if err == nil {
			return request, nil
		}
		if !errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
	}
	return c.store.FindByPaymentIntent(ctx, event.PaymentIntentID)
}

// runSummaryFlow renders and privately stores the payment summary. With a
// matched request the summary covers the full intake payload and is attached
// to the request; without one a reduced-fidelity summary is produced from
// event metadata alone, so an accepted charge always leaves an
// operator-visible record.
func (c *Controller) runSummaryFlow(
	ctx context.Context, event *PaymentEvent, request *ClientRequest, payment *Payment,
) (summaryURL, documentName string, results []StepResult) {
	var doc StoredDocument

	results = c.runner.Run(ctx, Step{
		Name: "summary_document",
		Run: func(ctx context.Context) error {
			var data []byte
			owner := event.PaymentIntentID
			if request != nil {
				data = RenderRequestSummary(request, payment, c.now())
				owner = request.Reference
			} else {
				data = RenderEventSummary(event, c.now())
				if event.RequestReference != "" {
					owner = event.RequestReference
				}
			}

			uploaded, err := c.documents.Upload(ctx, data, owner, DocumentCategorySummary)
			if err != nil {
				c.metrics.RecordDocumentUpload("error")
				return err
			}
			c.metrics.RecordDocumentUpload("success")
			doc = uploaded
			return nil
		},
	})

	if doc.StorageKey == "" {
		return "", "", results
	}

	if request != nil {
		results = append(results, c.runner.Run(ctx, Step{
			Name: "attach_document",
			Run: func(ctx context.Context) error {
				return c.store.AttachDocument(ctx, request.ID, doc)
			},
		})...)
	}

	results = append(results, c.runner.Run(ctx, Step{
		Name: "sign_document_url",
		Run: func(ctx context.Context) error {
			url, err := c.documents.SignedURL(ctx, doc.StorageKey, c.signedURLTTL)
			if err != nil {
				return err
			}
			summaryURL = url
			return nil
		},
	})...)

	return summaryURL, doc.OriginalFilename, results
}

// dispatchNotifications sends the applicable notifications concurrently.
// Each send captures its own result; a failing send never blocks or cancels
// its siblings, and results are collected only for logging and metrics.
func (c *Controller) dispatchNotifications(
	ctx context.Context, payload NotificationPayload, kinds []NotificationKind,
) []StepResult {
	if c.notifier == nil {
		return nil
	}

	var (
		mu      sync.Mutex
		results = make([]StepResult, 0, len(kinds))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		group.Go(func() error {
			res := c.notifier.Send(groupCtx, kind, payload)

			status := "success"
			if !res.OK {
				status = "error"
				c.logger.Error("notification failed",
					Field{"kind", string(kind)},
					Field{"error", fmt.Sprintf("%v", res.Err)},
				)
				c.metrics.RecordStepFailure("notify_" + string(kind))
			}
			c.metrics.RecordNotification(string(kind), status)

			mu.Lock()
			results = append(results, StepResult{Name: "notify_" + string(kind), Err: res.Err})
			mu.Unlock()
			return nil
		})
	}
	// Goroutines always return nil; Wait only synchronizes.
	_ = group.Wait()

	return results
}

func (c *Controller) notificationPayload(
	event *PaymentEvent, request *ClientRequest, email string,
) NotificationPayload {
	payload := NotificationPayload{
		Reference:       event.RequestReference,
		CustomerName:    event.CustomerName,
		CustomerEmail:   email,
		Service:         event.Service,
		Canton:          event.Canton,
		Amount:          event.Amount(),
		Currency:        event.Currency,
		PaymentIntentID: event.PaymentIntentID,
		RequestMatched:  request != nil,
	}
	if request != nil {
		payload.Reference = request.Reference
		if payload.CustomerName == "" {
			payload.CustomerName = request.Customer.Name
		}
		if payload.Service == "" {
			payload.Service = string(request.Type)
		}
	}
	return payload
}

func (c *Controller) paymentFromEvent(event *PaymentEvent, status PaymentStatus) *Payment {
	return &Payment{
		ID:              uuid.NewString(),
		Reference:       c.refs.NewPaymentReference(),
		PaymentIntentID: event.PaymentIntentID,
		Amount:          event.Amount(),
		Currency:        strings.ToLower(event.Currency),
		Status:          status,
		CustomerEmail:   event.RecipientEmail(),
		CustomerName:    event.CustomerName,
		CreatedAt:       c.now().UTC(),
		Metadata:        event.Metadata,
	}
}

func (c *Controller) isTaxService(event *PaymentEvent, request *ClientRequest) bool {
	if event.Service == string(RequestTax) {
		return true
	}
	return request != nil && request.Type == RequestTax
}
