package pms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrSessionExpired means the PMS rejected a freshly issued credential.
var ErrSessionExpired = errors.New("pms: session expired after re-authentication")

// AuthError is fatal for the invocation that produced it.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("pms: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
	Method     string
	Path       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("PMS API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("PMS API error (status %d): %s", e.StatusCode, body)
}

// TransportError covers failures where no response was received.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("pms: %s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("pms: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt: transport failures, 429 and 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || (apiErr.StatusCode >= 500 && apiErr.StatusCode <= 599)
	}
	return false
}

// IsUnauthorized reports whether err is a 401 from the PMS.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// IsFatal reports whether err should abort the whole invocation.
func IsFatal(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// isTransient reports failures that say nothing about the credential itself.
func isTransient(err error) bool {
	return IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func classifyTransport(op string, parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &TransportError{Op: op, Timeout: timeout, Err: err}
}
