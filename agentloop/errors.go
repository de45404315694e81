package agentloop

import (
	"context"
	"errors"
	"fmt"
)

// MaxDepthError is returned when a loop would exceed Config.MaxDepth.
type MaxDepthError struct {
	Depth    int
	MaxDepth int
}

func (e *MaxDepthError) Error() string {
	return fmt.Sprintf("agent loop reached max depth %d (depth %d)", e.MaxDepth, e.Depth)
}

// CancellationError reports that the invocation was cancelled. It unwraps to
// the context error.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause == nil {
		return "agent loop cancelled"
	}
	return "agent loop cancelled: " + e.Cause.Error()
}

func (e *CancellationError) Unwrap() error {
	if e.Cause == nil {
		return context.Canceled
	}
	return e.Cause
}

// ErrApprovalPending is returned by ApprovalStore.Begin when the key already
// has a live entry.
var ErrApprovalPending = errors.New("an approval is already pending for this key")

func cancellation(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &CancellationError{Cause: cause}
}

// IsCancellation reports whether err came from a cancelled invocation.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}
