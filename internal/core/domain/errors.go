package domain

import (
	"errors"
	"fmt"
)

// DenialReason categorizes why an admission was refused.
type DenialReason string

const (
	// ReasonExhaustedFallbacks means the attempt number walked past the end
	// of the workspace's ordered model list. Terminal: stop retrying.
	ReasonExhaustedFallbacks DenialReason = "exhausted_fallbacks"

	// ReasonBudgetPolicyBlocked means the estimated cost reached the
	// workspace's blocking cost threshold.
	ReasonBudgetPolicyBlocked DenialReason = "budget_policy_blocked"

	// ReasonRateOrBudgetLimited means a configured rate or spend window
	// would be exceeded by the request.
	ReasonRateOrBudgetLimited DenialReason = "rate_or_budget_limited"

	// ReasonCreditExhausted means the workspace used up its monthly credit
	// and overage billing is disabled.
	ReasonCreditExhausted DenialReason = "credit_exhausted"

	// ReasonNoCredentialAvailable means neither the workspace nor the
	// shared pool has a usable credential for the provider. Terminal until
	// an operator adds capacity.
	ReasonNoCredentialAvailable DenialReason = "no_credential_available"
)

// AdmissionDenied is returned when a request may not proceed. It is a value
// handed back across the engine boundary, never a panic; callers branch on
// Reason and Terminal to decide whether to retry with the next model.
type AdmissionDenied struct {
	Reason DenialReason
	// Terminal denials will not succeed on retry with the same inputs.
	Terminal bool
	Message  string
}

func (e *AdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied (%s): %s", e.Reason, e.Message)
}

// Denied creates an AdmissionDenied for the given reason. ExhaustedFallbacks
// and NoCredentialAvailable are terminal; the budget, rate, and credit
// denials are recoverable.
func Denied(reason DenialReason, format string, args ...any) *AdmissionDenied {
	terminal := reason == ReasonExhaustedFallbacks || reason == ReasonNoCredentialAvailable
	return &AdmissionDenied{
		Reason:   reason,
		Terminal: terminal,
		Message:  fmt.Sprintf(format, args...),
	}
}

// IsDenied reports whether err is an admission denial, optionally matching
// a specific reason. An empty reason matches any denial.
func IsDenied(err error, reason DenialReason) bool {
	var d *AdmissionDenied
	if !errors.As(err, &d) {
		return false
	}
	return reason == "" || d.Reason == reason
}

// ValidationError reports a configuration invariant violation. It surfaces
// to the administrative caller at save time and never reaches the request
// path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Invalid creates a ValidationError for the named field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RecordingError wraps a failure to persist usage after a request already
// succeeded. The admission is not revoked; the caller logs and moves on.
// Under-counting a quota is preferred over double-charging a retry.
type RecordingError struct {
	Err error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("usage recording failed: %v", e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrUsageLimitReached is returned by the store when an atomic increment's
// cap predicate fails, meaning the counter is already at its limit.
var ErrUsageLimitReached = errors.New("usage limit reached")
