package banksync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures so callers can decide retry vs abort
// without looking at error text.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindCredentialTampered  ErrorKind = "credential_tampered"
	KindTransientAggregator ErrorKind = "transient_aggregator"
	KindPermanentAggregator ErrorKind = "permanent_aggregator"
	KindWebhookVerification ErrorKind = "webhook_verification"
	KindReconciliation      ErrorKind = "reconciliation"
	KindSyncInProgress      ErrorKind = "sync_in_progress"
	KindItemNotFound        ErrorKind = "item_not_found"
	KindItemInactive        ErrorKind = "item_inactive"
	KindInternal            ErrorKind = "internal"
)

// Domain errors
var (
	ErrItemNotFound   = errors.New("linked item not found")
	ErrSyncInProgress = errors.New("sync already in progress for item")
	ErrItemInactive   = errors.New("linked item is inactive")
	ErrCursorConflict = errors.New("item cursor changed during sync")
)

// CredentialTamperedError is returned when a stored access token fails
// authentication on decrypt. Fatal for the item: it needs a re-link.
type CredentialTamperedError struct {
	Err error
}

func (e *CredentialTamperedError) Error() string {
	return fmt.Sprintf("credential tampered: %v", e.Err)
}

func (e *CredentialTamperedError) Unwrap() error { return e.Err }

// TransientAggregatorError is safe to retry with backoff.
type TransientAggregatorError struct {
	Op   string
	Code string
	Err  error
}

func (e *TransientAggregatorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("aggregator %s (transient, %s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("aggregator %s (transient): %v", e.Op, e.Err)
}

func (e *TransientAggregatorError) Unwrap() error { return e.Err }

// PermanentAggregatorError covers revoked access, invalid input and any other
// failure that will not resolve itself on retry.
type PermanentAggregatorError struct {
	Op   string
	Code string
	Err  error
}

func (e *PermanentAggregatorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("aggregator %s (permanent, %s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("aggregator %s (permanent): %v", e.Op, e.Err)
}

func (e *PermanentAggregatorError) Unwrap() error { return e.Err }

// WebhookVerificationError rejects an inbound webhook at the boundary.
type WebhookVerificationError struct {
	Reason string
	Err    error
}

func (e *WebhookVerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook verification failed: %s: %v", e.Reason, e.Err)
	}
	return "webhook verification failed: " + e.Reason
}

func (e *WebhookVerificationError) Unwrap() error { return e.Err }

// ReconciliationError means the atomic batch apply failed and was rolled back.
type ReconciliationError struct {
	ItemID string
	Err    error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed for item %s: %v", e.ItemID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err, or KindInternal for anything unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		tampered  *CredentialTamperedError
		transient *TransientAggregatorError
		permanent *PermanentAggregatorError
		webhook   *WebhookVerificationError
		reconcile *ReconciliationError
	)

	switch {
	case errors.As(err, &tampered):
		return KindCredentialTampered
	case errors.As(err, &permanent):
		return KindPermanentAggregator
	case errors.As(err, &transient):
		return KindTransientAggregator
	case errors.As(err, &webhook):
		return KindWebhookVerification
	case errors.As(err, &reconcile):
		return KindReconciliation
	case errors.Is(err, ErrSyncInProgress):
		return KindSyncInProgress
	case errors.Is(err, ErrItemNotFound):
		return KindItemNotFound
	case errors.Is(err, ErrItemInactive):
		return KindItemInactive
	default:
		return KindInternal
	}
}

// Retryable reports whether a failed sync pass may be retried automatically.
// The cursor was not advanced in any of these cases.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientAggregator, KindReconciliation, KindSyncInProgress:
		return true
	default:
		return false
	}
}

// Fatal reports whether the failure should move the item to the error status.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindCredentialTampered, KindPermanentAggregator:
		return true
	default:
		return false
	}
}
