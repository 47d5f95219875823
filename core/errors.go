package core

import "errors"

// ErrorKind classifies dispatch failures. Kinds drive both retry
// policy at the gateway and the failure accounting persisted with a
// response.
type ErrorKind string

const (
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindRateLimited      ErrorKind = "rate_limited"
	ErrKindInvalidModel     ErrorKind = "invalid_model"
	ErrKindTransportFailure ErrorKind = "transport_failure"
	ErrKindMalformedOutput  ErrorKind = "malformed_output"
)

// Retryable reports whether a dispatch failing with this kind may
// succeed on a later attempt. Invalid models and malformed output are
// deterministic and retried only through explicit resubmission (or,
// for judge output, the engine's own parse-retry budget).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTimeout, ErrKindRateLimited, ErrKindTransportFailure:
		return true
	default:
		return false
	}
}

// Structural errors returned by scheduling operations before any unit
// is dispatched.
var (
	ErrEmptySelection      = errors.New("scenario filter selects no pairs")
	ErrUnknownModel        = errors.New("model is not in the catalog")
	ErrRunNotFound         = errors.New("run not found")
	ErrRunNotCompleted     = errors.New("source run has not completed")
	ErrNoCommonPairs       = errors.New("no pairs to judge for the selected source runs")
	ErrNonDeterministic    = errors.New("judge params must be deterministic")
	ErrInvalidTransition   = errors.New("invalid run state transition")
	ErrAccountingUnderflow = errors.New("terminal outcomes exceed total units")
)
