package errors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code. Every failure surfaced by the
// core carries exactly one code so callers can decide whether to
// resubmit or surface a terminal message.
type Code string

const (
	CodeInvalidOrder           Code = "E_INVALID_ORDER"
	CodeInvalidPrice           Code = "E_INVALID_PRICE"
	CodeInvalidQuantity        Code = "E_INVALID_QUANTITY"
	CodeExpiredOrder           Code = "E_EXPIRED_ORDER"
	CodeInvalidNonce           Code = "E_INVALID_NONCE"
	CodeInvalidSignature       Code = "E_INVALID_SIGNATURE"
	CodeUnauthorized           Code = "E_UNAUTHORIZED"
	CodeInsufficientCollateral Code = "E_INSUFFICIENT_COLLATERAL"
	CodeInsufficientBalance    Code = "E_INSUFFICIENT_BALANCE"
	CodePositionNotFound       Code = "E_POSITION_NOT_FOUND"
	CodeNotLiquidatable        Code = "E_NOT_LIQUIDATABLE"
	CodeLiquidationDisabled    Code = "E_LIQUIDATION_DISABLED"
	CodeMarketPaused           Code = "E_MARKET_PAUSED"
	CodeMarketNotFound         Code = "E_MARKET_NOT_FOUND"
	CodeOrderNotFound          Code = "E_ORDER_NOT_FOUND"
)

// Error pairs a code with a human-readable detail. Two Errors match
// under errors.Is when their codes are equal, so call sites can wrap
// with fmt.Errorf("...: %w", err) freely.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code and detail.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf creates an error with a formatted detail.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Sentinel values for errors.Is matching.
var (
	ErrInvalidOrder           = &Error{Code: CodeInvalidOrder}
	ErrInvalidPrice           = &Error{Code: CodeInvalidPrice}
	ErrInvalidQuantity        = &Error{Code: CodeInvalidQuantity}
	ErrExpiredOrder           = &Error{Code: CodeExpiredOrder}
	ErrInvalidNonce           = &Error{Code: CodeInvalidNonce}
	ErrInvalidSignature       = &Error{Code: CodeInvalidSignature}
	ErrUnauthorized           = &Error{Code: CodeUnauthorized}
	ErrInsufficientCollateral = &Error{Code: CodeInsufficientCollateral}
	ErrInsufficientBalance    = &Error{Code: CodeInsufficientBalance}
	ErrPositionNotFound       = &Error{Code: CodePositionNotFound}
	ErrNotLiquidatable        = &Error{Code: CodeNotLiquidatable}
	ErrLiquidationDisabled    = &Error{Code: CodeLiquidationDisabled}
	ErrMarketPaused           = &Error{Code: CodeMarketPaused}
	ErrMarketNotFound         = &Error{Code: CodeMarketNotFound}
	ErrOrderNotFound          = &Error{Code: CodeOrderNotFound}
)

// CodeOf extracts the error code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
