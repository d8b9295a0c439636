// Package domainerrors defines the coded error type shared by every layer of the
// escrow core. Services return *Error values; transports translate the code into
// a response. Stores return sentinel errors (pkg/platform/sentinel) instead and
// services wrap them here.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	// Generic codes.
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTimeout            Code = "timeout"
	CodeRateLimited        Code = "rate_limited"
	CodeInternal           Code = "internal_error"

	// Validation errors: caller mistakes, no state change.
	CodeInvalidAmount     Code = "invalid_amount"
	CodeIllegalTransition Code = "illegal_transition"

	// Authorization errors: refused and recorded as failed attempts.
	CodeNotAuthorized   Code = "not_authorized"
	CodeDeadlineExpired Code = "deadline_expired"

	// State errors.
	CodeAlreadyDecided Code = "already_decided"
	CodeIntegrityHold  Code = "integrity_hold"

	// Consistency errors: the operation would break a monetary invariant.
	CodeInsufficientFunds    Code = "insufficient_funds"
	CodeOverAllocation       Code = "over_allocation"
	CodeInsufficientApproval Code = "insufficient_approval"

	// Integrity errors, raised only by audit verification.
	CodeAuditChainMismatch Code = "audit_chain_mismatch"
)

// Error carries a code, a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the outermost *Error in the chain, or CodeInternal
// when err carries no code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost *Error in the chain has the given code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is reports whether any *Error in the chain has the given code.
func Is(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Category groups codes the way callers react to them.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthorization  Category = "authorization"
	CategoryConsistency    Category = "consistency"
	CategoryIntegrity      Category = "integrity"
	CategoryState          Category = "state"
	CategoryInfrastructure Category = "infrastructure"
)

// CategoryOf classifies an error by its code.
func CategoryOf(err error) Category {
	switch CodeOf(err) {
	case CodeInvalidAmount, CodeIllegalTransition, CodeBadRequest, CodeValidation,
		CodeInvalidInput, CodeInvariantViolation:
		return CategoryValidation
	case CodeNotAuthorized, CodeDeadlineExpired, CodeUnauthorized, CodeForbidden:
		return CategoryAuthorization
	case CodeInsufficientFunds, CodeOverAllocation, CodeInsufficientApproval:
		return CategoryConsistency
	case CodeAuditChainMismatch:
		return CategoryIntegrity
	case CodeAlreadyDecided, CodeIntegrityHold, CodeNotFound, CodeConflict:
		return CategoryState
	default:
		return CategoryInfrastructure
	}
}
