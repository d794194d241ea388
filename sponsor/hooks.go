package sponsor

import (
	"context"
	"math/big"
	"time"
)

// SubmitContext is passed to submission hooks.
type SubmitContext struct {
	Ctx          context.Context
	Request      TransferRequest
	Owner        string
	EstimatedFee *big.Int
	Timestamp    time.Time
}

// SubmitResultContext carries a successful submission.
type SubmitResultContext struct {
	SubmitContext
	Payment  *Payment
	Duration time.Duration
}

// SubmitFailureContext carries a failed submission. Payment is nil when
// the failure happened before a record was created.
type SubmitFailureContext struct {
	SubmitContext
	Payment  *Payment
	Error    error
	Duration time.Duration
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSubmitHook is called after validation and before the session key
// is debited. Returning Abort=true rejects the transfer with no debit.
type BeforeSubmitHook func(SubmitContext) (*BeforeHookResult, error)

// AfterSubmitHook is called after the relay accepted the operation
// Any error returned will be logged but will not affect the result
type AfterSubmitHook func(SubmitResultContext) error

// OnSubmitFailureHook is called when submission fails after validation
// Any error returned will be logged
type OnSubmitFailureHook func(SubmitFailureContext) error

// Hooks groups the coordinator lifecycle hooks.
type Hooks struct {
	BeforeSubmit    []BeforeSubmitHook
	AfterSubmit     []AfterSubmitHook
	OnSubmitFailure []OnSubmitFailureHook
}
