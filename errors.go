package agentpay

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Code identifies a protocol error independently of its message.
type Code string

// Category groups error codes by how a caller should react to them.
type Category string

const (
	// CategoryAuthorization errors require the caller to re-authorize or
	// change parameters. Never retried automatically.
	CategoryAuthorization Category = "authorization"
	// CategoryResourceState errors mean the caller holds a stale view of an
	// entity and should refresh it.
	CategoryResourceState Category = "resource_state"
	// CategoryPrecondition errors are deterministic rejections.
	CategoryPrecondition Category = "precondition"
	// CategoryTransient errors are infrastructure failures eligible for
	// bounded retry.
	CategoryTransient Category = "transient"
)

// Error codes
const (
	CodeSessionExpired        Code = "session_expired"
	CodeSessionRevoked        Code = "session_revoked"
	CodeLimitExceeded         Code = "limit_exceeded"
	CodeOwnerNotAuthenticated Code = "owner_not_authenticated"
	CodeNotAuthorized         Code = "not_authorized"

	CodeTaskNotFound    Code = "task_not_found"
	CodeTaskNotActive   Code = "task_not_active"
	CodeSessionNotFound Code = "session_not_found"
	CodePaymentNotFound Code = "payment_not_found"

	CodeInsufficientBalance Code = "insufficient_balance"
	CodeFeeExceedsMax       Code = "fee_exceeds_max"
	CodeDeadlinePassed      Code = "deadline_passed"
	CodeDeadlineNotPassed   Code = "deadline_not_passed"
	CodeInvalidAttestation  Code = "invalid_attestation"
	CodeInvalidAmount       Code = "invalid_amount"
	CodeInvalidDeadline     Code = "invalid_deadline"
	CodeInvalidAddress      Code = "invalid_address"

	CodeOperationFailed Code = "operation_failed"
)

var categories = map[Code]Category{
	CodeSessionExpired:        CategoryAuthorization,
	CodeSessionRevoked:        CategoryAuthorization,
	CodeLimitExceeded:         CategoryAuthorization,
	CodeOwnerNotAuthenticated: CategoryAuthorization,
	CodeNotAuthorized:         CategoryAuthorization,
	CodeTaskNotFound:          CategoryResourceState,
	CodeTaskNotActive:         CategoryResourceState,
	CodeSessionNotFound:       CategoryResourceState,
	CodePaymentNotFound:       CategoryResourceState,
	CodeInsufficientBalance:   CategoryPrecondition,
	CodeFeeExceedsMax:         CategoryPrecondition,
	CodeDeadlinePassed:        CategoryPrecondition,
	CodeDeadlineNotPassed:     CategoryPrecondition,
	CodeInvalidAttestation:    CategoryPrecondition,
	CodeInvalidAmount:         CategoryPrecondition,
	CodeInvalidDeadline:       CategoryPrecondition,
	CodeInvalidAddress:        CategoryPrecondition,
	CodeOperationFailed:       CategoryTransient,
}

// Error is the typed error returned by every component. Details carries
// the structured state a caller needs to decide its next action without a
// follow-up query (remaining limit, current status, deadline, handle).
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, agentpay.ErrLimitExceeded).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Category reports how the caller should treat this error.
func (e *Error) Category() Category {
	if c, ok := categories[e.Code]; ok {
		return c
	}
	return CategoryTransient
}

// Sentinels for errors.Is comparisons.
var (
	ErrSessionExpired        = &Error{Code: CodeSessionExpired, Message: "session key has expired"}
	ErrSessionRevoked        = &Error{Code: CodeSessionRevoked, Message: "session key is not active"}
	ErrLimitExceeded         = &Error{Code: CodeLimitExceeded, Message: "amount exceeds remaining spend limit"}
	ErrOwnerNotAuthenticated = &Error{Code: CodeOwnerNotAuthenticated, Message: "no signing capability bound to owner"}
	ErrNotAuthorized         = &Error{Code: CodeNotAuthorized, Message: "caller is not authorized for this operation"}
	ErrTaskNotFound          = &Error{Code: CodeTaskNotFound, Message: "escrow task not found"}
	ErrTaskNotActive         = &Error{Code: CodeTaskNotActive, Message: "escrow task is not in the required state"}
	ErrSessionNotFound       = &Error{Code: CodeSessionNotFound, Message: "session key not found"}
	ErrPaymentNotFound       = &Error{Code: CodePaymentNotFound, Message: "sponsored payment not found"}
	ErrInsufficientBalance   = &Error{Code: CodeInsufficientBalance, Message: "insufficient token balance"}
	ErrFeeExceedsMax         = &Error{Code: CodeFeeExceedsMax, Message: "estimated fee exceeds caller maximum"}
	ErrDeadlinePassed        = &Error{Code: CodeDeadlinePassed, Message: "escrow deadline has passed"}
	ErrDeadlineNotPassed     = &Error{Code: CodeDeadlineNotPassed, Message: "escrow deadline has not passed"}
	ErrInvalidAttestation    = &Error{Code: CodeInvalidAttestation, Message: "attestation failed verification"}
	ErrInvalidAmount         = &Error{Code: CodeInvalidAmount, Message: "amount must be positive"}
	ErrInvalidDeadline       = &Error{Code: CodeInvalidDeadline, Message: "deadline must be in the future"}
	ErrInvalidAddress        = &Error{Code: CodeInvalidAddress, Message: "invalid address"}
	ErrOperationFailed       = &Error{Code: CodeOperationFailed, Message: "operation failed"}
)

// NewError creates a new error
func NewError(code Code, message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// LimitExceeded reports the remaining limit actually available.
func LimitExceeded(requested, remaining *big.Int) *Error {
	return NewError(CodeLimitExceeded, ErrLimitExceeded.Message, map[string]interface{}{
		"requested": requested.String(),
		"remaining": remaining.String(),
	})
}

// SessionExpired carries the expiry that was crossed.
func SessionExpired(id string, expiresAt time.Time) *Error {
	return NewError(CodeSessionExpired, ErrSessionExpired.Message, map[string]interface{}{
		"sessionKeyId": id,
		"expiresAt":    expiresAt.UTC().Format(time.RFC3339),
	})
}

// SessionRevoked carries the current session status.
func SessionRevoked(id, status string) *Error {
	return NewError(CodeSessionRevoked, ErrSessionRevoked.Message, map[string]interface{}{
		"sessionKeyId": id,
		"status":       status,
	})
}

// SessionNotFound names the missing key.
func SessionNotFound(id string) *Error {
	return NewError(CodeSessionNotFound, ErrSessionNotFound.Message, map[string]interface{}{
		"sessionKeyId": id,
	})
}

// OwnerNotAuthenticated names the owner without a bound signer.
func OwnerNotAuthenticated(owner string) *Error {
	return NewError(CodeOwnerNotAuthenticated, ErrOwnerNotAuthenticated.Message, map[string]interface{}{
		"owner": owner,
	})
}

// NotAuthorized names the rejected caller.
func NotAuthorized(caller, reason string) *Error {
	return NewError(CodeNotAuthorized, reason, map[string]interface{}{
		"caller": caller,
	})
}

// TaskNotFound names the missing task.
func TaskNotFound(id string) *Error {
	return NewError(CodeTaskNotFound, ErrTaskNotFound.Message, map[string]interface{}{
		"taskId": id,
	})
}

// TaskNotActive carries the task's current status.
func TaskNotActive(id, status string) *Error {
	return NewError(CodeTaskNotActive, ErrTaskNotActive.Message, map[string]interface{}{
		"taskId": id,
		"status": status,
	})
}

// PaymentNotFound names the missing payment.
func PaymentNotFound(id string) *Error {
	return NewError(CodePaymentNotFound, ErrPaymentNotFound.Message, map[string]interface{}{
		"paymentId": id,
	})
}

// InsufficientBalance carries the observed balance and the amount required.
func InsufficientBalance(account string, balance, required *big.Int) *Error {
	return NewError(CodeInsufficientBalance, ErrInsufficientBalance.Message, map[string]interface{}{
		"account":  account,
		"balance":  balance.String(),
		"required": required.String(),
	})
}

// FeeExceedsMax carries the estimated fee and the caller's ceiling.
func FeeExceedsMax(fee, maxFee *big.Int) *Error {
	return NewError(CodeFeeExceedsMax, ErrFeeExceedsMax.Message, map[string]interface{}{
		"estimatedFee": fee.String(),
		"maxFee":       maxFee.String(),
	})
}

// DeadlinePassed carries the task deadline.
func DeadlinePassed(id string, deadline time.Time) *Error {
	return NewError(CodeDeadlinePassed, ErrDeadlinePassed.Message, map[string]interface{}{
		"taskId":   id,
		"deadline": deadline.UTC().Format(time.RFC3339),
	})
}

// DeadlineNotPassed carries the task deadline.
func DeadlineNotPassed(id string, deadline time.Time) *Error {
	return NewError(CodeDeadlineNotPassed, ErrDeadlineNotPassed.Message, map[string]interface{}{
		"taskId":   id,
		"deadline": deadline.UTC().Format(time.RFC3339),
	})
}

// InvalidAttestation carries the verifier's reason.
func InvalidAttestation(taskID, reason string) *Error {
	return NewError(CodeInvalidAttestation, ErrInvalidAttestation.Message, map[string]interface{}{
		"taskId": taskID,
		"reason": reason,
	})
}

// OperationFailed wraps an exhausted transient failure with the context
// needed for manual reconciliation.
func OperationFailed(op string, cause error, details map[string]interface{}) *Error {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["operation"] = op
	return &Error{
		Code:    CodeOperationFailed,
		Message: op + " failed",
		Details: details,
		Err:     cause,
	}
}

// AsError extracts the typed error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient infrastructure failure.
// Typed protocol errors are never retried, except OperationFailed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errPermanent) {
		return false
	}
	e, ok := AsError(err)
	if !ok {
		return true
	}
	return e.Category() == CategoryTransient
}
