package xp_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/store"
	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type staticAchievements map[string]*xp.Achievement

func (s staticAchievements) Achievement(_ context.Context, code string) (*xp.Achievement, error) {
	ach, ok := s[code]
	if !ok {
		return nil, xp.NewError(xp.KindAchievementNotFound, "unknown achievement %q", code)
	}
	return ach, nil
}

func newUnlockFixture(t *testing.T) (*xp.UnlockService, *xp.CreditService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	credits := xp.NewCreditService(mem, testLevels())

	achievements := staticAchievements{
		"first-steps": {
			Code: "first-steps", Title: "First Steps", RewardXP: 25, Version: 1,
			Cond: xp.Condition{Kind: xp.CondEventsAtLeast, Threshold: 1},
		},
		"rising-star": {
			Code: "rising-star", Title: "Rising Star", RewardXP: 100, Version: 1,
			Cond: xp.Condition{Kind: xp.CondLevelAtLeast, Threshold: 2},
		},
		"badge-only": {
			Code: "badge-only", Title: "Badge Only", RewardXP: 0, Version: 1,
			Cond: xp.Condition{Kind: xp.CondAlways},
		},
	}

	unlocks := xp.NewUnlockService(credits, mem, achievements)
	require.NoError(t, mem.CreateProfile(context.Background(), "user-123"))
	return unlocks, credits, mem
}

// =============================================================================
// CONDITIONS
// =============================================================================

func TestCondition_Met(t *testing.T) {
	stats := xp.UserStats{TotalXP: 500, CurrentLevel: 3, EventCount: 12, UnlockCount: 2}

	cases := []struct {
		cond xp.Condition
		met  bool
	}{
		{xp.Condition{Kind: xp.CondTotalXPAtLeast, Threshold: 500}, true},
		{xp.Condition{Kind: xp.CondTotalXPAtLeast, Threshold: 501}, false},
		{xp.Condition{Kind: xp.CondLevelAtLeast, Threshold: 3}, true},
		{xp.Condition{Kind: xp.CondLevelAtLeast, Threshold: 4}, false},
		{xp.Condition{Kind: xp.CondEventsAtLeast, Threshold: 12}, true},
		{xp.Condition{Kind: xp.CondUnlocksAtLeast, Threshold: 3}, false},
		{xp.Condition{Kind: xp.CondAlways}, true},
		{xp.Condition{Kind: "made-up"}, false}, // unknown kinds never match
	}
	for _, tc := range cases {
		assert.Equal(t, tc.met, tc.cond.Met(stats), "%s/%d", tc.cond.Kind, tc.cond.Threshold)
	}
}

// =============================================================================
// UNLOCK PROTOCOL
// =============================================================================

func TestUnlock_CreditsRewardAndRecords(t *testing.T) {
	// GIVEN: A user with one XP event (first-steps condition: events >= 1)
	// WHEN: Unlocking first-steps
	// THEN: The reward is credited and the unlock recorded, atomically

	unlocks, svc, mem := newUnlockFixture(t)
	ctx := context.Background()

	_, err := svc.CreditXP(ctx, lessonCredit(mustKey(t, "lesson-1"), 50))
	require.NoError(t, err)

	result, err := unlocks.Unlock(ctx, xp.UnlockParams{UserID: "user-123", Code: "first-steps"})
	require.NoError(t, err)

	assert.NotEmpty(t, result.UnlockID)
	assert.NotEmpty(t, result.EventID)
	assert.Equal(t, int64(50), result.XPBefore)
	assert.Equal(t, int64(75), result.XPAfter)

	state, err := mem.State(ctx, "user-123")
	require.NoError(t, err)
	assert.Equal(t, int64(75), state.TotalXP)

	events, err := mem.Events(ctx, "user-123")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, xp.SourceRef{SourceType: "achievement", ActionType: "unlocked"}, events[1].Source)
}

func TestUnlock_Twice_AlreadyUnlocked(t *testing.T) {
	// GIVEN: An achievement already unlocked
	// WHEN: Unlocking again
	// THEN: AlreadyUnlocked, and no second reward lands

	unlocks, svc, mem := newUnlockFixture(t)
	ctx := context.Background()

	_, err := svc.CreditXP(ctx, lessonCredit(mustKey(t, "lesson-1"), 50))
	require.NoError(t, err)

	_, err = unlocks.Unlock(ctx, xp.UnlockParams{UserID: "user-123", Code: "first-steps"})
	require.NoError(t, err)

	_, err = unlocks.Unlock(ctx, xp.UnlockParams{UserID: "user-123", Code: "first-steps"})
	require.Error(t, err)
	assert.True(t, xp.IsKind(err, xp.KindAlreadyUnlocked))
	assert.False(t, xp.Retryable(err))

	state, err := mem.State(ctx, "user-123")
	require.NoError(t, err)
	assert.Equal(t, int64(75), state.TotalXP, "reward must land exactly once")
}

func TestUnlock_ConditionsNotMet(t *testing.T) {
	// GIVEN: A level-1 user (rising-star needs level >= 2)
	// WHEN: Unlocking rising-star
	// THEN: ConditionsNotMet and nothing is written

	unlocks, _, mem := newUnlockFixture(t)
	ctx := context.Background()

	_, err := unlocks.Unlock(ctx, xp.UnlockParams{UserID: "user-123", Code: "rising-star"})
	require.Error(t, err)
	assert.True(t, xp.IsKind(err, xp.KindConditionsNotMet))

	state, err := mem.State(ctx, "user-123")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.TotalXP)

	events, err := mem.Events(ctx, "user-123")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUnlock_UnknownCode(t *testing.T) {
	unlocks, _, _ := newUnlockFixture(t)

	_, err := unlocks.Unlock(context.Background(), xp.UnlockParams{UserID: "user-123", Code: "no-such-thing"})
	require.Error(t, err)
	assert.True(t, xp.IsKind(err, xp.KindAchievementNotFound))
}

func TestUnlock_ZeroReward_NoEvent(t *testing.T) {
	// GIVEN: An achievement with no XP reward
	// WHEN: Unlocking it
	// THEN: The unlock is recorded but no ledger event is appended

	unlocks, _, mem := newUnlockFixture(t)
	ctx := context.Background()

	result, err := unlocks.Unlock(ctx, xp.UnlockParams{UserID: "user-123", Code: "badge-only"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.UnlockID)
	assert.Empty(t, result.EventID)

	events, err := mem.Events(ctx, "user-123")
	require.NoError(t, err)
	assert.Empty(t, events)
}

// =============================================================================
// CONCURRENT UNLOCKS
// =============================================================================

func TestUnlock_Concurrent_CollapseToOne(t *testing.T) {
	// GIVEN: M concurrent unlock attempts for the same user+code
	// WHEN: All run at once
	// THEN: Exactly one succeeds; the rest see AlreadyUnlocked; the reward
	//       lands exactly once

	unlocks, svc, mem := newUnlockFixture(t)
	ctx := context.Background()

	_, err := svc.CreditXP(ctx, lessonCredit(mustKey(t, "lesson-1"), 50))
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = unlocks.Unlock(ctx, xp.UnlockParams{UserID: "user-123", Code: "first-steps"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, xp.IsKind(err, xp.KindAlreadyUnlocked), "worker %d: %v", i, err)
	}
	assert.Equal(t, 1, succeeded)

	state, err := mem.State(ctx, "user-123")
	require.NoError(t, err)
	assert.Equal(t, int64(75), state.TotalXP)
}
