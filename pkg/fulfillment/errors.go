package fulfillment

import "errors"

var (
	// ErrAuthenticationFailed is returned when a webhook signature is absent,
	// malformed, or does not match the payload.
	ErrAuthenticationFailed = errors.New("webhook signature verification failed")

	// ErrWebhookNotConfigured is returned when no webhook secret is set for
	// the deployment. Distinct from ErrAuthenticationFailed: the service
	// itself is misconfigured, not the caller.
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")

	// ErrRequestNotFound is returned when no client request matches a lookup.
	ErrRequestNotFound = errors.New("client request not found")

	// ErrPaymentNotFound is returned when no payment exists for an intent.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrStorageUnavailable is returned when a storage backend cannot be
	// reached. The failover store treats it as the signal to degrade.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidTransition is returned for lifecycle moves the status order
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)
