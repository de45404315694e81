package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SDKError is the base of every provider-layer error.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ProviderError is a failure reported by a model endpoint.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	// RetryAfter is the server's requested wait in seconds, if any.
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

func (e *ProviderError) retryable() bool { return e.Retryable }

func (e *ProviderError) retryAfter() *float64 { return e.RetryAfter }

// Endpoint errors by HTTP class. Only RateLimitError and ServerError are
// retried.
type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
)

// Transport and client-side errors.
type (
	RequestTimeoutError struct{ SDKError }
	AbortError          struct{ SDKError }
	NetworkError        struct{ SDKError }
	StreamErrorType     struct{ SDKError }
	ConfigurationError  struct{ SDKError }
)

func (*RequestTimeoutError) retryable() bool { return true }
func (*AbortError) retryable() bool          { return false }
func (*NetworkError) retryable() bool        { return true }
func (*StreamErrorType) retryable() bool     { return true }
func (*ConfigurationError) retryable() bool  { return false }

// contextLengthHints are substrings endpoints use when a prompt is too long,
// often under a plain 400.
var contextLengthHints = []string{
	"context length",
	"context_length_exceeded",
	"maximum context",
	"prompt is too long",
	"too many tokens",
}

// ErrorFromStatusCode maps an HTTP failure onto the error taxonomy.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}
	if statusCode == 413 || (statusCode == 400 && mentionsContextLength(message+" "+errorCode)) {
		return &ContextLengthError{ProviderError: pe}
	}

	switch {
	case statusCode == 400 || statusCode == 422:
		return &InvalidRequestError{ProviderError: pe}
	case statusCode == 401:
		return &AuthenticationError{ProviderError: pe}
	case statusCode == 403:
		return &AccessDeniedError{ProviderError: pe}
	case statusCode == 404:
		return &NotFoundError{ProviderError: pe}
	case statusCode == 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: fmt.Sprintf("%s: %s", provider, message)}}
	case statusCode == 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case statusCode >= 500:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = statusCode < 400 || statusCode >= 500
		return &pe
	}
}

func mentionsContextLength(s string) bool {
	s = strings.ToLower(s)
	for _, h := range contextLengthHints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is worth another attempt. Cancellation
// never is; errors outside the taxonomy are assumed transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ retryable() bool }
	if errors.As(err, &r) {
		return r.retryable()
	}
	return true
}
