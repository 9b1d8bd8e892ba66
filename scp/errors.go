package scp

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable protocol error codes. Clients match on these, never on messages.
const (
	CodeQuoteExpired          = "SCP_002_QUOTE_EXPIRED"
	CodeFeeExceedsMax         = "SCP_003_FEE_EXCEEDS_MAX"
	CodeNonceConflict         = "SCP_005_NONCE_CONFLICT"
	CodeStateExpired          = "SCP_006_STATE_EXPIRED"
	CodeChannelNotFound       = "SCP_007_CHANNEL_NOT_FOUND"
	CodePolicyViolation       = "SCP_009_POLICY_VIOLATION"
	CodeSettlementUnavailable = "SCP_010_SETTLEMENT_UNAVAILABLE"
	CodeSettlementFailed      = "SCP_011_SETTLEMENT_FAILED"
	CodeSettlementInProgress  = "SCP_011_SETTLEMENT_IN_PROGRESS"
	CodeRateLimited           = "SCP_011_RATE_LIMITED"
	CodeUnauthorized          = "SCP_012_UNAUTHORIZED"
	CodeTxConflict            = "SCP_013_TX_CONFLICT"
)

// Error is the protocol error envelope. It serializes to the wire format
// {errorCode, message, retryable}; the HTTP status travels out of band.
type Error struct {
	Code      string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the HTTP status the envelope should be served with.
func (e *Error) HTTPStatus() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// NewError builds a protocol error with an explicit HTTP status.
func NewError(code string, status int, retryable bool, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		status:    status,
	}
}

// Errors for the common cases. Validation failures are 400 and never
// retryable; protocol-state conflicts are 409 and not retryable because the
// conflict is permanent for that request.

func ErrValidation(format string, args ...any) *Error {
	return NewError(CodePolicyViolation, http.StatusBadRequest, false, format, args...)
}

func ErrConflict(code string, format string, args ...any) *Error {
	return NewError(code, http.StatusConflict, false, format, args...)
}

func ErrNotFound(code string, format string, args ...any) *Error {
	return NewError(code, http.StatusNotFound, false, format, args...)
}

func ErrUnauthorized(format string, args ...any) *Error {
	return NewError(CodeUnauthorized, http.StatusUnauthorized, false, format, args...)
}

func ErrUnavailable(code string, format string, args ...any) *Error {
	return NewError(code, http.StatusServiceUnavailable, true, format, args...)
}

func ErrInternal(format string, args ...any) *Error {
	return NewError(CodePolicyViolation, http.StatusInternalServerError, true, format, args...)
}

// AsError unwraps err into a protocol *Error, or wraps it as an internal one
// so every failure leaving the hub carries the envelope shape.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal("%s", err.Error())
}
