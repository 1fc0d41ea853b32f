package exchange

import "fmt"

// Error is a fatal (non-retryable, or retries-exhausted) response from
// the exchange, carrying enough context to log or surface verbatim —
// mirrors the pack's typed-error convention (e.g. the arc-sign chain
// adapter's ChainError) instead of a bare fmt.Errorf string.
type Error struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange: %s %s -> %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// retryableStatuses are the HTTP codes spec §4.1 names as transient.
var retryableStatuses = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// retryableCodes are the `success:false` error codes treated as
// transient alongside the status set above.
var retryableCodes = map[string]bool{
	"too_many_requests":    true,
	"internal_server_error": true,
	"service_unavailable":   true,
	"gateway_timeout":       true,
	"bad_gateway":           true,
}
