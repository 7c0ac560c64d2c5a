package puppetdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrServiceUnavailable is wrapped by every error the client returns.
var ErrServiceUnavailable = errors.New("puppetdb unavailable")

// ErrCircuitOpen is returned without contacting PuppetDB while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit open")

// APIError is a non-2xx answer from PuppetDB.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("puppetdb %s: HTTP %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("puppetdb %s: HTTP %d: %s", e.Endpoint, e.Status, e.Message)
}

type decodeError struct {
	endpoint string
	err      error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("puppetdb %s: malformed response: %v", e.endpoint, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

// retryable reports whether another attempt may succeed. A 4xx or an
// undecodable body will not change on retry.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests
	}
	var decErr *decodeError
	return !errors.As(err, &decErr)
}
