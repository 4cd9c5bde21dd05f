package origin

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of origin errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// OriginError represents a failed origin request with additional context.
type OriginError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *OriginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("origin %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("origin %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *OriginError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the upstream status so client errors can be forwarded.
func (e *OriginError) HTTPStatus() int {
	return e.StatusCode
}

// classifyStatus maps a response status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors will not change on retry
		return false
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// classOf extracts the error class from err.
func classOf(err error) ErrorClass {
	var oe *OriginError
	if errors.As(err, &oe) {
		return oe.Class
	}
	return ErrorClassNetwork
}
