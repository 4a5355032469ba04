package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/reelsmith/reelsmith/internal/render"
)

// ValidationError means the caller's input is unusable. Surfaced verbatim to
// the API; never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ExternalServiceError wraps a transient failure of a collaborator (AI
// provider, object storage). Always retryable.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ConsistencyError means the system's own state contradicts itself (missing
// stage output, broken fan-out, broker/store drift). Never auto-retried:
// retrying would re-execute against the same broken state.
type ConsistencyError struct {
	Op  string
	Err error
}

func (e *ConsistencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("consistency violation in %s", e.Op)
	}
	return fmt.Sprintf("consistency violation in %s: %v", e.Op, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// TimeoutError marks a stage that exceeded its deadline. Treated exactly like
// an external-service failure by the retry policy.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// retryable classifies a stage failure for the retry policy. This is the only
// consumer of the error taxonomy: everything else just records the message.
func retryable(err error) bool {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return false
	}
	var cErr *ConsistencyError
	if errors.As(err, &cErr) {
		return false
	}
	var rErr *render.Error
	if errors.As(err, &rErr) {
		return rErr.Retryable
	}
	var xErr *ExternalServiceError
	if errors.As(err, &xErr) {
		return true
	}
	var tErr *TimeoutError
	if errors.As(err, &tErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
