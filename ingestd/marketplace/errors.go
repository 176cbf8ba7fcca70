package marketplace

import (
	"errors"
	"fmt"
)

// Error kinds of the outbound call path. Network-level errors are
// handled locally (retry or fail the call); the sentinels below are
// what callers see.

// ErrRateLimited is returned when the retry budget is exhausted on 429s.
var ErrRateLimited = errors.New("marketplace: rate limited")

// ErrRetryBudgetExhausted is returned after the final transient retry.
var ErrRetryBudgetExhausted = errors.New("marketplace: retry budget exhausted")

// AuthError reports a credential rejection (HTTP 401). It is always
// reported to the circuit breaker before being returned.
type AuthError struct {
	Endpoint Endpoint
	ShopID   int64
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("marketplace: %s rejected credentials for shop %d", e.Endpoint, e.ShopID)
}

// TransientError wraps a network or 5xx failure that survived retries.
type TransientError struct {
	Endpoint Endpoint
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("marketplace: transient failure on %s: %v", e.Endpoint, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// DataFormatError reports an unexpected payload shape. The offending
// record is skipped, never the whole batch.
type DataFormatError struct {
	Endpoint Endpoint
	Detail   string
	Payload  []byte
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("marketplace: unexpected payload from %s: %s", e.Endpoint, e.Detail)
}
