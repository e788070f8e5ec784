package plaid

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/plaid/plaid-go/v20/plaid"

	"ledgersync/internal/domain/banksync"
)

// Plaid error types and codes that clear up on their own.
var (
	transientErrorTypes = map[string]bool{
		"RATE_LIMIT_EXCEEDED": true,
		"API_ERROR":           true,
		"INSTITUTION_ERROR":   true,
	}
	transientErrorCodes = map[string]bool{
		"TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION": true,
		"PRODUCT_NOT_READY":                            true,
		"INTERNAL_SERVER_ERROR":                        true,
		"PLANNED_MAINTENANCE":                          true,
	}
)

// classify maps a failed Plaid call into the transient or permanent aggregator
// error kinds.
func classify(op string, err error, httpResp *http.Response) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &banksync.TransientAggregatorError{Op: op, Code: "TIMEOUT", Err: err}
	}

	status := statusOf(httpResp)

	if pe, convErr := plaid.ToPlaidError(err); convErr == nil && pe.ErrorCode != "" {
		cause := fmt.Errorf("%s: %s", pe.ErrorCode, pe.ErrorMessage)
		if transientErrorTypes[string(pe.ErrorType)] || transientErrorCodes[pe.ErrorCode] ||
			status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return &banksync.TransientAggregatorError{Op: op, Code: pe.ErrorCode, Err: cause}
		}
		return &banksync.PermanentAggregatorError{Op: op, Code: pe.ErrorCode, Err: cause}
	}

	switch {
	case status == 0:
		// no response: network failure
		return &banksync.TransientAggregatorError{Op: op, Code: "NETWORK", Err: err}
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return &banksync.TransientAggregatorError{Op: op, Code: http.StatusText(status), Err: err}
	default:
		return &banksync.PermanentAggregatorError{Op: op, Code: http.StatusText(status), Err: err}
	}
}
