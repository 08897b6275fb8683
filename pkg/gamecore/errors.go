package gamecore

import (
	"errors"
	"fmt"
)

// Domain-level error values shared across the table core.
var (
	ErrLockTimeout            = errors.New("lock acquisition timed out")
	ErrLockHierarchyViolation = errors.New("lock hierarchy violation")
	ErrLockNotHeld            = errors.New("lock not held by caller")
	ErrBusy                   = errors.New("resource busy")
	ErrVersionConflict        = errors.New("version conflict")
	ErrKeyNotFound            = errors.New("key not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrReservationExpired     = errors.New("reservation expired")
	ErrReservationClosed      = errors.New("reservation closed")
	ErrQuorumNotMet           = errors.New("quorum not met")
	ErrAlreadyInProgress      = errors.New("hand already in progress")
	ErrRoundNotResolved       = errors.New("betting round not resolved")
	ErrNotPlayersTurn         = errors.New("not the acting player's turn")
	ErrPlayerNotSeated        = errors.New("player not seated")
	ErrTableFull              = errors.New("table full")
	ErrDeckExhausted          = errors.New("deck exhausted")
	ErrValidationFailed       = errors.New("session validation failed")
	ErrUnrecoverable          = errors.New("session unrecoverable")
	ErrInvalidStage           = errors.New("invalid stage")
	ErrInvalidCard            = errors.New("invalid card")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidChatID          = errors.New("invalid chat id")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
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
