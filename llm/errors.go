// ABOUTME: Provider error type with HTTP-status-based retryability.
// ABOUTME: Non-retryable errors are wrapped as permanent so stages fail fast.

package llm

import (
	"fmt"
	"net/http"

	"github.com/2389-research/prowzi/pipeline"
)

// ProviderError is an error returned by, or on the way to, the model API.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("status %d: %s", e.StatusCode, msg)
	}
	if e.Cause != nil {
		return "llm: " + msg + ": " + e.Cause.Error()
	}
	return "llm: " + msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// IsRetryable reports whether repeating the request may succeed.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// retryableStatus reports whether an HTTP status is worth retrying:
// timeouts, conflicts, rate limits, and server errors.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// wrapStatus builds a ProviderError for an HTTP failure. Client errors other
// than the retryable ones are marked permanent.
func wrapStatus(code int, message string, cause error) error {
	if message == "" {
		message = http.StatusText(code)
	}
	pe := &ProviderError{StatusCode: code, Message: message, Retryable: retryableStatus(code), Cause: cause}
	if !pe.Retryable {
		return pipeline.Permanent(pe)
	}
	return pe
}
