package fulfillment

import "context"

// NotificationKind identifies one of the independent notifications the
// pipeline dispatches after a confirmed payment.
type NotificationKind string

const (
	// NotifyCustomerConfirmation thanks the customer and confirms the charge.
	NotifyCustomerConfirmation NotificationKind = "customer_confirmation"

	// NotifyOperatorAlert tells the back office a paid request needs work.
	NotifyOperatorAlert NotificationKind = "operator_alert"

	// NotifyOperatorSummary carries the signed link to the derived summary
	// document.
	NotifyOperatorSummary NotificationKind = "operator_summary"
)

// NotificationPayload is the data a notification template renders from.
// Optional fields (SummaryURL, Canton, ...) may be empty; templates must
// render a graceful default rather than a broken section.
type NotificationPayload struct {
	Reference       string
	CustomerName    string
	CustomerEmail   string
	Service         string
	Canton          string
	Amount          float64
	Currency        string
	PaymentIntentID string
	SummaryURL      string
	DocumentName    string

	// RequestMatched is false when the payment could not be matched to an
	// intake record; operator templates call this out.
	RequestMatched bool
}

// NotificationResult is the outcome of one send attempt.
type NotificationResult struct {
	Kind NotificationKind
	OK   bool
	Err  error
}

// Notifier sends one notification per call. Each Send is independent: the
// failure of one must not prevent, retry, or roll back another.
type Notifier interface {
	Send(ctx context.Context, kind NotificationKind, payload NotificationPayload) NotificationResult
}
