package credits

import (
	"errors"
	"fmt"
)

// Failure taxonomy surfaced by ledger operations. Callers match with
// errors.Is; store adapters translate their transport-specific failures into
// these kinds before they reach the service.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrNoCredits        = errors.New("no credits")
	ErrConcurrentUpdate = errors.New("concurrent update")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTimeout          = errors.New("timeout")
	ErrUnknown          = errors.New("unknown")
)

// Validation sentinels. Each wraps ErrInvalidArgument so a single errors.Is
// check covers every malformed input.
var (
	ErrInvalidUserID        = fmt.Errorf("invalid user id: %w", ErrInvalidArgument)
	ErrInvalidProductID     = fmt.Errorf("invalid product id: %w", ErrInvalidArgument)
	ErrInvalidCreditAmount  = fmt.Errorf("invalid credit amount: %w", ErrInvalidArgument)
	ErrInvalidScanDate      = fmt.Errorf("invalid scan date: %w", ErrInvalidArgument)
	ErrInvalidMetadataJSON  = fmt.Errorf("invalid metadata json: %w", ErrInvalidArgument)
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

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
