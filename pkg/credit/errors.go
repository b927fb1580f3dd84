package credit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrUnknownTransaction   = errors.New("unknown transaction")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrAccountExists        = errors.New("account already exists")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidTransactionID = errors.New("invalid transaction id")
	ErrInvalidAmount        = errors.New("invalid credit amount")
	ErrInvalidPlan          = errors.New("invalid plan")
	ErrInvalidPlanChange    = errors.New("invalid plan change")
	ErrNegativeBalance      = errors.New("balance would go negative")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code so stores and
// transports can classify infrastructure failures without masking sentinels.
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
