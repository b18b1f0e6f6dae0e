/**
 * @description
 * This file defines the closed set of machine-readable error codes the
 * engine can return, plus the Error type that carries them. Domain errors
 * are terminal business-rule violations: they are never retried and they
 * surface to the caller with a stable code.
 */

package domain

import "errors"

// Code identifies one business-rule violation.
type Code string

// Domain error codes. The set is closed: anything the engine cannot
// classify surfaces as CodeInternal, never as a mislabeled domain error.
const (
	CodeRecipientNotFound        Code = "recipient_not_found"
	CodeCannotTransferToSelf     Code = "cannot_transfer_to_self"
	CodeSenderAccountNotFound    Code = "sender_account_not_found"
	CodeRecipientAccountNotFound Code = "recipient_account_not_found"
	CodeInsufficientFunds        Code = "insufficient_funds"
	CodeAccountNotFound          Code = "account_not_found"
	CodeTransferNotFound         Code = "transfer_not_found"
	CodeNotAllowed               Code = "not_allowed"
	CodeAlreadyReversed          Code = "already_reversed"
	CodeNotReversible            Code = "not_reversible"
	CodeReversalInsufficientFunds Code = "recipient_insufficient_funds_for_reversal"

	// Idempotency conflicts are caller-visible but distinct from domain
	// failures: they never mark a transfer failed.
	CodeIdempotencyKeyReuse Code = "idempotency_key_reuse_with_different_payload"
	CodeRequestInProgress   Code = "request_in_progress"

	CodeInternal Code = "internal_error"
)

// Error is a typed business failure carrying a stable code.
type Error struct {
	Code Code
}

func (e *Error) Error() string {
	return string(e.Code)
}

// NewError constructs a domain error for the given code.
func NewError(code Code) *Error {
	return &Error{Code: code}
}

// ErrorCode extracts the domain code from err, or ("", false) when err is
// not a domain error.
func ErrorCode(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// IsDomainError reports whether err is a typed business failure.
func IsDomainError(err error) bool {
	_, ok := ErrorCode(err)
	return ok
}
