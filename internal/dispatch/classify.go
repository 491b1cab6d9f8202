package dispatch

import (
	"context"
	"errors"
	"net/http"
)

// Failure kinds surfaced in attempt records and results.
const (
	errRateLimited      = "rate_limited"
	errCircuitOpen      = "circuit_open"
	errRequestTimeout   = "request_timeout"
	errResponseTooLarge = "response_too_large"
	errMaxAttempts      = "max retry attempts exceeded"
	errShutdown         = "shutdown"
)

// retryableStatus is the set of HTTP statuses worth retrying. Every other
// non-2xx status is terminal.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
	http.StatusInsufficientStorage: true, // 507
	509:                            true, // bandwidth limit exceeded (no stdlib constant)
	http.StatusNotExtended:         true, // 510
}

func success(status int) bool {
	return status >= 200 && status < 300
}

func retryable(status int) bool {
	return retryableStatus[status]
}

// classifyTransport maps a transport-level error (connection, DNS, TLS,
// timeout) to its failure kind. All transport errors are retryable; a
// request aborted by our own per-attempt timeout is a request_timeout.
func classifyTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return errRequestTimeout
	}
	return err.Error()
}
