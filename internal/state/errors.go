package state

import (
	"errors"
	"fmt"
)

// Code identifies a validation failure.
type Code string

const (
	CodeUnknownProduct        Code = "UNKNOWN_PRODUCT"
	CodeOutOfStock            Code = "OUT_OF_STOCK"
	CodeQuantityLimitExceeded Code = "QUANTITY_LIMIT_EXCEEDED"
	CodeItemNotFound          Code = "ITEM_NOT_FOUND"
	CodeSKUMismatch           Code = "SKU_MISMATCH"
	CodeCartEmpty             Code = "CART_EMPTY"
	CodeTransactionInProgress Code = "TRANSACTION_IN_PROGRESS"
	CodeInvalidState          Code = "INVALID_STATE"
)

// ErrClosed is returned by mutations after Shutdown.
var ErrClosed = errors.New("state: store is shut down")

// Error is a validation failure returned by a store operation.
// A rejected operation never changes state or version.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) with(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// IsCode returns true if err is a *Error with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}
