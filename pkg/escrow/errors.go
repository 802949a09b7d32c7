package escrow

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification shared by every lifecycle
// operation, regardless of which chain rejected the action. Chain adapters map
// their native program/contract errors onto these kinds one-to-one; they are
// never collapsed into a generic failure.
type ErrorKind string

const (
	KindInvalidAmount                ErrorKind = "INVALID_AMOUNT"
	KindUnauthorized                 ErrorKind = "UNAUTHORIZED"
	KindDepositDeadlineExpired       ErrorKind = "DEPOSIT_DEADLINE_EXPIRED"
	KindFiatDeadlineExpired          ErrorKind = "FIAT_DEADLINE_EXPIRED"
	KindInvalidState                 ErrorKind = "INVALID_STATE"
	KindMissingSequentialAddress     ErrorKind = "MISSING_SEQUENTIAL_ADDRESS"
	KindTerminalState                ErrorKind = "TERMINAL_STATE"
	KindInsufficientFunds            ErrorKind = "INSUFFICIENT_FUNDS"
	KindIncorrectBondAmount          ErrorKind = "INCORRECT_BOND_AMOUNT"
	KindResponseDeadlineExpired      ErrorKind = "RESPONSE_DEADLINE_EXPIRED"
	KindDuplicateEvidence            ErrorKind = "DUPLICATE_EVIDENCE"
	KindInvalidResolutionExplanation ErrorKind = "INVALID_RESOLUTION_EXPLANATION"
	KindChainCommunication           ErrorKind = "CHAIN_COMMUNICATION_ERROR"
)

// Error carries an ErrorKind plus a human-readable detail string. The kind is
// what callers branch on; the detail is for logs and operators.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error // underlying transport error, if any
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two escrow errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError builds an escrow error with a formatted detail string.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapComm wraps a transport-level failure as a ChainCommunicationError,
// preserving the cause for errors.Is/As.
func WrapComm(err error, format string, args ...any) *Error {
	return &Error{
		Kind:   KindChainCommunication,
		Detail: fmt.Sprintf(format, args...),
		Err:    err,
	}
}

// KindOf extracts the ErrorKind from err, or "" if err is not an escrow error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err may be retried without a state change. Only
// transport failures qualify; every validation, deadline and state error is
// deterministic until the escrow itself changes.
func Retryable(err error) bool {
	return KindOf(err) == KindChainCommunication
}
