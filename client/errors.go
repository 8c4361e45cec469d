package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTimeout is returned when an attempt exceeds the configured timeout.
	// The server may still have applied the request; retry with the same
	// idempotency key to be safe.
	ErrTimeout = errors.New("agentpay: request timed out")

	// ErrInvalidInput is returned for arguments rejected before any request
	// is sent.
	ErrInvalidInput = errors.New("agentpay: invalid input")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agentpay: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay: %d: %s", e.StatusCode, e.Message)
}

// IsInsufficientBalance reports a 402: the wallet must top up first.
func (e *APIError) IsInsufficientBalance() bool {
	return e.StatusCode == http.StatusPaymentRequired
}

// IsNotFound reports a 404: unknown agent or an event that is no longer
// pending.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsConflict reports a 409: the request was already handled.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// transient reports whether another attempt may succeed.
func (e *APIError) transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusRequestTimeout
}

// networkError marks transport failures, which are always retried.
type networkError struct {
	err error
}

func (e *networkError) Error() string { return "agentpay: " + e.err.Error() }
func (e *networkError) Unwrap() error { return e.err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.transient()
	}
	var netErr *networkError
	return errors.As(err, &netErr)
}
