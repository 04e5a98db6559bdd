package chat

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned when an actor touches a conversation that is not
// theirs.
var ErrForbidden = errors.New("forbidden")

// ValidationError is returned before any write when input is rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// WriteFailure indicates a persistence write did not complete. The caller
// keeps its input and may retry.
type WriteFailure struct {
	Op  string
	Err error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}

// SubscriptionFailure indicates the change-feed dropped and could not be
// recovered by resynchronizing.
type SubscriptionFailure struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *SubscriptionFailure) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("subscription %s failed after %d resync attempts: %v", e.Topic, e.Attempts, e.Err)
	}
	return fmt.Sprintf("subscription %s failed: %v", e.Topic, e.Err)
}

func (e *SubscriptionFailure) Unwrap() error {
	return e.Err
}

// IsValidationError checks if the error is a validation error.
func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsWriteFailure checks if the error is a write failure.
func IsWriteFailure(err error) bool {
	var e *WriteFailure
	return errors.As(err, &e)
}

// IsSubscriptionFailure checks if the error is a subscription failure.
func IsSubscriptionFailure(err error) bool {
	var e *SubscriptionFailure
	return errors.As(err, &e)
}
