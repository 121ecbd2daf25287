package payment

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a payment failure. The set is closed.
type ErrorCode string

const (
	CodeCardDeclined      ErrorCode = "CARD_DECLINED"
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	CodeNetworkTimeout    ErrorCode = "NETWORK_TIMEOUT"
	CodeGatewayError      ErrorCode = "GATEWAY_ERROR"
	CodeAlreadyProcessing ErrorCode = "ALREADY_PROCESSING"
)

// DeclineCodes are the failures a gateway may report, in a stable order.
var DeclineCodes = []ErrorCode{
	CodeCardDeclined,
	CodeInsufficientFunds,
	CodeNetworkTimeout,
	CodeGatewayError,
}

var messages = map[ErrorCode]string{
	CodeCardDeclined:      "Card declined. Please try another card.",
	CodeInsufficientFunds: "Insufficient funds.",
	CodeNetworkTimeout:    "Network timeout. Please try again.",
	CodeGatewayError:      "Payment gateway error. Please try again.",
	CodeAlreadyProcessing: "A payment is already being processed.",
}

// Message returns the user-facing message for c.
func (c ErrorCode) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeGatewayError]
}

// Valid reports whether c is one of the known codes.
func (c ErrorCode) Valid() bool {
	_, ok := messages[c]
	return ok
}

// DeclineError is returned by a Gateway that refused a charge.
type DeclineError struct {
	Code ErrorCode
}

// Error implements the error interface.
func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Code)
}

// CodeOf maps a gateway error to an error code. Errors that are not a
// DeclineError collapse to GATEWAY_ERROR.
func CodeOf(err error) ErrorCode {
	var de *DeclineError
	if errors.As(err, &de) && de.Code.Valid() {
		return de.Code
	}
	return CodeGatewayError
}

// RetriesExceededError is returned when a retry is requested after the
// retry budget is spent.
type RetriesExceededError struct {
	Attempts int
	Limit    int
}

// Error implements the error interface.
func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("maximum retries exceeded: %d failed attempts, limit %d", e.Attempts, e.Limit)
}

// IsRetriesExceeded returns true if err is a RetriesExceededError.
// Uses errors.As to handle wrapped errors.
func IsRetriesExceeded(err error) bool {
	var re *RetriesExceededError
	return errors.As(err, &re)
}
