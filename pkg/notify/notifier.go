package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

// Config wires the notifier.
type Config struct {
	Sender EmailSender

	// OperatorEmail receives the operator alert and summary notice.
	OperatorEmail string

	Logger fulfillment.Logger
}

// Notifier implements fulfillment.Notifier over an EmailSender.
type Notifier struct {
	sender        EmailSender
	operatorEmail string
	logger        fulfillment.Logger
}

// New creates a notifier.
func New(config Config) (*Notifier, error) {
	if config.Sender == nil {
		return nil, errors.New("notify: sender is required")
	}
	if config.Logger == nil {
		config.Logger = &fulfillment.NoopLogger{}
	}
	return &Notifier{
		sender:        config.Sender,
		operatorEmail: config.OperatorEmail,
		logger:        config.Logger,
	}, nil
}

// Send renders and dispatches one notification. The result carries the error
// instead of propagating it: the caller collects results only for logging.
func (n *Notifier) Send(ctx context.Context, kind fulfillment.NotificationKind, payload fulfillment.NotificationPayload) fulfillment.NotificationResult {
	to, message, err := n.prepare(kind, payload)
	if err != nil {
		return fulfillment.NotificationResult{Kind: kind, Err: err}
	}

	result, err := n.sender.SendEmail(ctx, to, message.Subject, message.Body)
	if err != nil {
		return fulfillment.NotificationResult{Kind: kind, Err: err}
	}

	n.logger.Debug("notification sent",
		fulfillment.Field{Key: "kind", Value: string(kind)},
		fulfillment.Field{Key: "messageId", Value: result.MessageID},
	)
	return fulfillment.NotificationResult{Kind: kind, OK: true}
}

func (n *Notifier) prepare(kind fulfillment.NotificationKind, payload fulfillment.NotificationPayload) (string, renderedMessage, error) {
	switch kind {
	case fulfillment.NotifyCustomerConfirmation:
		if payload.CustomerEmail == "" {
			return "", renderedMessage{}, errors.New("notify: customer email is empty")
		}
		return payload.CustomerEmail, customerConfirmation(payload), nil
	case fulfillment.NotifyOperatorAlert:
		if n.operatorEmail == "" {
			return "", renderedMessage{}, errors.New("notify: operator email not configured")
		}
		return n.operatorEmail, operatorAlert(payload), nil
	case fulfillment.NotifyOperatorSummary:
		if n.operatorEmail == "" {
			return "", renderedMessage{}, errors.New("notify: operator email not configured")
		}
		return n.operatorEmail, operatorSummary(payload), nil
	default:
		return "", renderedMessage{}, fmt.Errorf("notify: unknown notification kind %q", kind)
	}
}
