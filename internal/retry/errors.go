package retry

import (
	"errors"
	"fmt"
)

var (
	// ErrRetryExhausted is matched by every *ExhaustedError
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrRetryInterrupted is matched by every *InterruptedError
	ErrRetryInterrupted = errors.New("retry interrupted")
)

// ExhaustedError is returned by Execute when the retry policy denied another
// attempt. Cause is the last callback failure, or the recovery failure when
// recovery itself failed. The pending record has been deleted.
type ExhaustedError struct {
	OperationID string
	Attempts    int
	Cause       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted for %s after %d attempt(s): %v", e.OperationID, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// InterruptedError is returned by Execute when its context ended. The pending
// record is left in the store.
type InterruptedError struct {
	OperationID string
	Attempts    int
	Cause       error // ctx.Err()
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("retry interrupted for %s after %d attempt(s): %v", e.OperationID, e.Attempts, e.Cause)
}

func (e *InterruptedError) Unwrap() error { return e.Cause }

func (e *InterruptedError) Is(target error) bool { return target == ErrRetryInterrupted }

// PanicError wraps a panic raised by a callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}
