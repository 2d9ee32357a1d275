package auction

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a business-rule rejection.
type Code string

const (
	CodeInvalidState        Code = "invalid_state"
	CodeBelowBasePrice      Code = "constraint_violation"
	CodeInsufficientBudget  Code = "insufficient_budget"
	CodeSquadFull           Code = "squad_full"
	CodeInsufficientReserve Code = "insufficient_reserve"
	CodeCityQuotaExceeded   Code = "city_quota_exceeded"
)

// RuleError is a business-rule rejection. No state was changed.
type RuleError struct {
	Code    Code
	Message string
}

func (e *RuleError) Error() string { return e.Message }

// Is matches any RuleError with the same code, so callers can compare with
// the sentinels below regardless of message.
func (e *RuleError) Is(target error) bool {
	var t *RuleError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func reject(code Code, format string, args ...any) *RuleError {
	return &RuleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrInvalidState        = &RuleError{Code: CodeInvalidState, Message: "player not available"}
	ErrBelowBasePrice      = &RuleError{Code: CodeBelowBasePrice, Message: "below base price"}
	ErrInsufficientBudget  = &RuleError{Code: CodeInsufficientBudget, Message: "insufficient budget"}
	ErrSquadFull           = &RuleError{Code: CodeSquadFull, Message: "squad full"}
	ErrInsufficientReserve = &RuleError{Code: CodeInsufficientReserve, Message: "insufficient reserve for remaining slots"}
	ErrCityQuotaExceeded   = &RuleError{Code: CodeCityQuotaExceeded, Message: "city quota exceeded"}
)

// InfrastructureError wraps a persistence or transport failure. The
// transaction was rolled back, so the caller may refresh and retry.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Retryable reports whether the operation may be retried with backoff.
// Caller cancellation is the only non-retryable infrastructure failure.
func (e *InfrastructureError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// IsRule reports whether err is a business-rule rejection.
func IsRule(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

// IsInfrastructure reports whether err is an infrastructure failure.
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}
