package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/store"
	"github.com/warp/xp-engine/xp"
)

func TestWithUserLock_BoundedWait(t *testing.T) {
	// GIVEN: A callback holding the user's lock
	// WHEN: A second caller wants the same user within the bounded wait
	// THEN: LockNotAcquired (retryable), not an indefinite block

	mem := store.NewMemory()
	mem.SetLockWait(50 * time.Millisecond)
	ctx := context.Background()

	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		mem.WithUserLock(ctx, "user-1", func(xp.Tx) error {
			close(acquired)
			<-done
			return nil
		})
	}()
	<-acquired
	defer close(done)

	err := mem.WithUserLock(ctx, "user-1", func(xp.Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, xp.IsKind(err, xp.KindLockNotAcquired))
	assert.True(t, xp.Retryable(err))
}

func TestWithUserLock_DifferentUsersDoNotContend(t *testing.T) {
	mem := store.NewMemory()
	mem.SetLockWait(50 * time.Millisecond)
	ctx := context.Background()

	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		mem.WithUserLock(ctx, "user-1", func(xp.Tx) error {
			close(acquired)
			<-done
			return nil
		})
	}()
	<-acquired
	defer close(done)

	err := mem.WithUserLock(ctx, "user-2", func(xp.Tx) error { return nil })
	assert.NoError(t, err)
}

func TestWithUserLock_FailedCallbackLeavesNoPartialWrites(t *testing.T) {
	// GIVEN: A callback that appends an event then fails
	// WHEN: The lock scope exits
	// THEN: Neither the event nor the aggregate update is visible

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateProfile(ctx, "user-1"))

	err := mem.WithUserLock(ctx, "user-1", func(tx xp.Tx) error {
		ev := xp.XpEvent{
			ID: "ev-1", UserID: "user-1", XPDelta: 50, XPAfter: 50,
			IdempotencyKey: "lesson:user-1:l-1:1:default",
			CreatedAt:      time.Now().UTC(),
		}
		state := xp.UserXpState{UserID: "user-1", TotalXP: 50, CurrentLevel: 1}
		if err := tx.AppendEvent(ctx, ev, state); err != nil {
			return err
		}
		return xp.NewError(xp.KindDatabase, "simulated failure after append")
	})
	require.Error(t, err)

	state, err := mem.State(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.TotalXP)

	events, err := mem.Events(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWithUserLock_CanceledContext(t *testing.T) {
	mem := store.NewMemory()

	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		mem.WithUserLock(context.Background(), "user-1", func(xp.Tx) error {
			close(acquired)
			<-done
			return nil
		})
	}()
	<-acquired
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := mem.WithUserLock(ctx, "user-1", func(xp.Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, xp.IsKind(err, xp.KindLockNotAcquired))
}
