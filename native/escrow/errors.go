package escrow

import (
	"errors"
	"fmt"
)

// Code is the stable numeric identifier of a precondition failure. Values
// are part of the wire contract and must never be renumbered.
type Code uint32

const (
	CodeFundNotFound         Code = 1
	CodeUnauthorized         Code = 2
	CodeDeadlineNotExpired   Code = 3
	CodeAlreadyApproved      Code = 4
	CodeAlreadyReleased      Code = 5
	CodeAlreadyRefunded      Code = 6
	CodeInvalidState         Code = 7
	CodeInsufficientBalance  Code = 8
	CodeNotInitialized       Code = 9
	CodeAlreadyInitialized   Code = 10
	CodeInvalidAmount        Code = 11
	CodeDeadlinePassed       Code = 12
	CodeFundExpired          Code = 13
	CodeNoProofSubmitted     Code = 14
	CodeInvalidConfiguration Code = 15
)

// Error is a typed precondition failure. Every failure returned by an
// engine operation either is (errors.Is) one of the sentinels below or is an
// infrastructure error that carries no code.
type Error struct {
	code Code
	name string
	msg  string
}

func (e *Error) Error() string { return "escrow: " + e.msg }

// Code returns the numeric error code.
func (e *Error) Code() Code { return e.code }

// Name returns the symbolic error name, e.g. "FundNotFound".
func (e *Error) Name() string { return e.name }

var (
	ErrFundNotFound         = &Error{CodeFundNotFound, "FundNotFound", "fund not found"}
	ErrUnauthorized         = &Error{CodeUnauthorized, "Unauthorized", "caller not authorized"}
	ErrDeadlineNotExpired   = &Error{CodeDeadlineNotExpired, "DeadlineNotExpired", "deadline not expired"}
	ErrAlreadyApproved      = &Error{CodeAlreadyApproved, "AlreadyApproved", "fund already approved"}
	ErrAlreadyReleased      = &Error{CodeAlreadyReleased, "AlreadyReleased", "fund already released"}
	ErrAlreadyRefunded      = &Error{CodeAlreadyRefunded, "AlreadyRefunded", "fund already refunded"}
	ErrInvalidState         = &Error{CodeInvalidState, "InvalidState", "invalid fund state"}
	ErrInsufficientBalance  = &Error{CodeInsufficientBalance, "InsufficientBalance", "insufficient custody balance"}
	ErrNotInitialized       = &Error{CodeNotInitialized, "NotInitialized", "asset not initialized"}
	ErrAlreadyInitialized   = &Error{CodeAlreadyInitialized, "AlreadyInitialized", "asset already initialized"}
	ErrInvalidAmount        = &Error{CodeInvalidAmount, "InvalidAmount", "invalid amount"}
	ErrDeadlinePassed       = &Error{CodeDeadlinePassed, "DeadlinePassed", "deadline already passed"}
	ErrFundExpired          = &Error{CodeFundExpired, "FundExpired", "fund expired"}
	ErrNoProofSubmitted     = &Error{CodeNoProofSubmitted, "NoProofSubmitted", "no proof submitted"}
	ErrInvalidConfiguration = &Error{CodeInvalidConfiguration, "InvalidConfiguration", "invalid configuration"}
)

var allErrors = []*Error{
	ErrFundNotFound,
	ErrUnauthorized,
	ErrDeadlineNotExpired,
	ErrAlreadyApproved,
	ErrAlreadyReleased,
	ErrAlreadyRefunded,
	ErrInvalidState,
	ErrInsufficientBalance,
	ErrNotInitialized,
	ErrAlreadyInitialized,
	ErrInvalidAmount,
	ErrDeadlinePassed,
	ErrFundExpired,
	ErrNoProofSubmitted,
	ErrInvalidConfiguration,
}

// AsError returns the typed failure wrapped by err, if any.
func AsError(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// CodeOf returns the numeric code of err, or false for infrastructure errors.
func CodeOf(err error) (Code, bool) {
	typed, ok := AsError(err)
	if !ok {
		return 0, false
	}
	return typed.code, true
}

// ErrorForCode returns the sentinel registered for code.
func ErrorForCode(code Code) (*Error, bool) {
	for _, candidate := range allErrors {
		if candidate.code == code {
			return candidate, true
		}
	}
	return nil, false
}

func unknownStatus(s FundStatus) error {
	return fmt.Errorf("escrow engine: fund carries unknown status %d", uint8(s))
}
