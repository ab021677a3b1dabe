package xp_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/xp"
)

func TestRetryable_IsAFunctionOfKindAlone(t *testing.T) {
	retryable := []xp.Kind{xp.KindLockNotAcquired, xp.KindDatabase, xp.KindUnknown}
	terminal := []xp.Kind{
		xp.KindProfileNotFound, xp.KindConflictMismatch, xp.KindInvalidDelta,
		xp.KindInvalidIdempotencyKey, xp.KindLevelCompute, xp.KindAchievementNotFound,
		xp.KindConditionsNotMet, xp.KindAlreadyUnlocked, xp.KindValidation,
	}

	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s", k)
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), "%s", k)
	}
}

func TestError_UnwrapPreservesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := xp.WrapError(xp.KindDatabase, cause, "insert failed")

	assert.ErrorIs(t, err, cause)
	assert.True(t, xp.IsKind(err, xp.KindDatabase))
}

func TestIsKind_SeesThroughWrapping(t *testing.T) {
	inner := xp.NewError(xp.KindConflictMismatch, "key reused")
	wrapped := fmt.Errorf("handler: %w", inner)

	assert.True(t, xp.IsKind(wrapped, xp.KindConflictMismatch))
	assert.False(t, xp.IsKind(wrapped, xp.KindDatabase))
}

func TestClassify_WrapsForeignErrorsAsUnknown(t *testing.T) {
	err := xp.Classify(errors.New("something from a driver"))
	require.Error(t, err)
	assert.True(t, xp.IsKind(err, xp.KindUnknown))
	assert.True(t, xp.Retryable(err))

	// Taxonomy errors pass through untouched.
	orig := xp.NewError(xp.KindValidation, "bad input")
	assert.Same(t, orig, xp.Classify(orig).(*xp.Error))

	assert.NoError(t, xp.Classify(nil))
}

func TestError_WithDetail(t *testing.T) {
	err := xp.NewError(xp.KindConflictMismatch, "mismatch").
		WithDetail("stored_delta", int64(50)).
		WithDetail("request_delta", int64(75))

	assert.Equal(t, int64(50), err.Details["stored_delta"])
	assert.Equal(t, int64(75), err.Details["request_delta"])
}
