package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/clipforge/server/pkg/types"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("status conflict")
	ErrAlreadyExists  = errors.New("already exists")
)

// ValidationError rejects a request before any work is dispatched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ExternalServiceError is a non-success answer from an analysis service.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *ExternalServiceError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s service error (status %d): %s", e.Service, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s service error: %s: %v", e.Service, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s service error: %s", e.Service, e.Message)
	}
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// TimeoutError means the polling budget ran out before the service finished.
type TimeoutError struct {
	Service    string
	ResourceID string
	Attempts   int
	Elapsed    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s not complete after %d polls (%s)", e.Service, e.ResourceID, e.Attempts, e.Elapsed.Round(time.Second))
}

// PartialFailure reports a stage that finished with some failed members.
type PartialFailure struct {
	StreamID string
	Stage    types.Stage
	Failed   int
	Total    int
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("stream %s: %d of %d %s jobs failed", e.StreamID, e.Failed, e.Total, e.Stage)
}

// StreamAbort reports a stage whose failure fraction exceeded the threshold.
type StreamAbort struct {
	StreamID  string
	Stage     types.Stage
	Failed    int
	Total     int
	Threshold float64
}

func (e *StreamAbort) Error() string {
	return fmt.Sprintf("%s stage failed for %d of %d chunks (threshold %.0f%%)", e.Stage, e.Failed, e.Total, e.Threshold*100)
}

// IsRetryable reports whether err may succeed on a later attempt.
// Timeouts, upstream "failed" answers and validation problems are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var svcErr *ExternalServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Retryable
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
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
