/*
errors.go - Closed error taxonomy for the XP engine

PURPOSE:
  Every failure that crosses the engine boundary is an *Error carrying one
  of a closed set of kinds. Callers branch on Kind (or Retryable()), never
  on message text. Store implementations translate driver errors into this
  taxonomy at their own boundary using explicit error codes.

TAXONOMY:
  Retryable:     LockNotAcquired, Database, Unknown
  Caller bugs:   Validation, InvalidDelta, InvalidIdempotencyKey,
                 ConflictMismatch (never retried - indicates key reuse)
  Not found:     ProfileNotFound, AchievementNotFound
  Unlock flow:   ConditionsNotMet, AlreadyUnlocked
  Config:        LevelCompute

USAGE:
  res, err := svc.CreditXP(ctx, req)
  if xp.IsKind(err, xp.KindAlreadyUnlocked) { ... }
  if xp.Retryable(err) { retry with the SAME idempotency key }

SEE ALSO:
  - retry.go: Backoff helper built on Retryable()
  - store/sqlite, store/postgres: Driver error classification
*/
package xp

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS
// =============================================================================

// Kind is the closed set of caller-actionable error categories.
type Kind string

const (
	KindLockNotAcquired       Kind = "lock_not_acquired"
	KindProfileNotFound       Kind = "profile_not_found"
	KindConflictMismatch      Kind = "conflict_mismatch"
	KindInvalidDelta          Kind = "invalid_delta"
	KindInvalidIdempotencyKey Kind = "invalid_idempotency_key"
	KindLevelCompute          Kind = "level_compute_error"
	KindAchievementNotFound   Kind = "achievement_not_found"
	KindConditionsNotMet      Kind = "conditions_not_met"
	KindAlreadyUnlocked       Kind = "already_unlocked"
	KindValidation            Kind = "validation_error"
	KindDatabase              Kind = "database_error"
	KindUnknown               Kind = "unknown_error"
)

// retryableKinds is the single source of truth for retry guidance.
// Retryability is a function of kind alone.
var retryableKinds = map[Kind]bool{
	KindLockNotAcquired: true,
	KindDatabase:        true,
	KindUnknown:         true,
}

// Retryable reports whether the kind is safe to retry.
func (k Kind) Retryable() bool { return retryableKinds[k] }

// =============================================================================
// ERROR
// =============================================================================

// Error is the only error type the engine returns.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a caller may retry this error. Retries of
// crediting operations must reuse the identical idempotency key.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// NewError builds a taxonomy error without a cause.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a taxonomy error around a lower-level cause.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// AsError extracts the taxonomy error, if any.
func AsError(err error) (*Error, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}

// IsKind reports whether err is a taxonomy error of the given kind.
func IsKind(err error, kind Kind) bool {
	if xe, ok := AsError(err); ok {
		return xe.Kind == kind
	}
	return false
}

// Retryable reports retryability for any error. Unclassified errors are
// treated as Unknown (retryable, last resort).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if xe, ok := AsError(err); ok {
		return xe.Retryable()
	}
	return true
}

// Classify guarantees the closed taxonomy at the engine boundary: taxonomy
// errors pass through untouched, anything else is wrapped as Unknown.
// Store implementations should classify their own driver errors with
// explicit code enums before errors ever reach here.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return WrapError(KindUnknown, err, "unclassified error")
}
