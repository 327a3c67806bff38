package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidOperationID   = errors.New("invalid operation id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidEntrySource   = errors.New("invalid entry source")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// InsufficientCreditsError reports a consume attempt that exceeded the
// available balance. It is an expected outcome, not a fault: nothing was
// mutated.
type InsufficientCreditsError struct {
	Requested   int64
	Available   int64
	OperationID string
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d, available %d (operation %s)",
		insufficientError.Requested, insufficientError.Available, insufficientError.OperationID)
}

// Is matches the ErrInsufficientCredits sentinel.
func (insufficientError InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
