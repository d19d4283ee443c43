package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrPayloadTooLarge is returned instead of a truncated response body.
var ErrPayloadTooLarge = errors.New("aggregator response exceeds the payload limit")

// APIError is a non-2xx response from the aggregator.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("aggregator error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aggregator request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether retrying the same request may succeed:
// network failures, timeouts, throttling and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsDefinitive reports whether the aggregator rejected the request for
// good, such as an unknown or rejected consent handle.
func IsDefinitive(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && !IsTransient(err)
}
