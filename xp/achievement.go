/*
achievement.go - Compound unlock-and-reward operation

PURPOSE:
  Unlocking an achievement is a compound operation: verify it has not been
  unlocked before, evaluate its condition against current user statistics,
  credit the reward delta, and record the unlock - with the credit and the
  unlock written atomically under the same per-user lock.

KEY DERIVATION:
  The idempotency key is derived SERVER-SIDE (kind "achievement",
  identifier = code). Callers never supply their own key on this path.
  Determinism is what makes that safe: two concurrent unlock attempts for
  the same user+code always collapse to the same key and therefore to the
  same at-most-once effect.

SEE ALSO:
  - credit.go: The crediting step this composes
  - progression/achievements.go: Condition catalogs
*/
package xp

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONDITIONS
// =============================================================================

// ConditionKind is the closed set of predicate types the engine evaluates.
// Richer heuristics belong to the caller, not to the crediting contract.
type ConditionKind string

const (
	CondTotalXPAtLeast ConditionKind = "total_xp_at_least"
	CondLevelAtLeast   ConditionKind = "level_at_least"
	CondEventsAtLeast  ConditionKind = "events_at_least"
	CondUnlocksAtLeast ConditionKind = "unlocks_at_least"
	CondAlways         ConditionKind = "always"
)

// Condition is a declarative unlock predicate.
type Condition struct {
	Kind      ConditionKind
	Threshold int64
}

// Met evaluates the predicate against the user's current statistics.
func (c Condition) Met(s UserStats) bool {
	switch c.Kind {
	case CondTotalXPAtLeast:
		return s.TotalXP >= c.Threshold
	case CondLevelAtLeast:
		return int64(s.CurrentLevel) >= c.Threshold
	case CondEventsAtLeast:
		return s.EventCount >= c.Threshold
	case CondUnlocksAtLeast:
		return s.UnlockCount >= c.Threshold
	case CondAlways:
		return true
	default:
		return false
	}
}

// =============================================================================
// UNLOCK SERVICE
// =============================================================================

type UnlockService struct {
	credits      *CreditService
	store        Store
	achievements AchievementSource
	now          func() time.Time
}

func NewUnlockService(credits *CreditService, store Store, achievements AchievementSource) *UnlockService {
	return &UnlockService{
		credits:      credits,
		store:        store,
		achievements: achievements,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Unlock runs the compound operation. AlreadyUnlocked is an idempotent
// no-op surfaced as a distinguishable error kind, not a success.
func (s *UnlockService) Unlock(ctx context.Context, p UnlockParams) (*UnlockResult, error) {
	if strings.TrimSpace(string(p.UserID)) == "" {
		return nil, NewError(KindValidation, "userId is required")
	}
	if strings.TrimSpace(p.Code) == "" {
		return nil, NewError(KindValidation, "achievement code is required")
	}

	ach, err := s.achievements.Achievement(ctx, p.Code)
	if err != nil {
		return nil, Classify(err)
	}

	version := p.Version
	if version == 0 {
		version = ach.Version
	}
	key, err := BuildKey(KeyParams{
		Kind:       "achievement",
		UserID:     string(p.UserID),
		Identifier: p.Code,
		Version:    version,
		Scope:      p.Scope,
	})
	if err != nil {
		return nil, err
	}

	var result *UnlockResult
	err = s.store.WithUserLock(ctx, p.UserID, func(tx Tx) error {
		existing, err := tx.Unlocked(ctx, p.UserID, p.Code)
		if err != nil {
			return err
		}
		if existing != nil {
			return NewError(KindAlreadyUnlocked,
				"achievement %q already unlocked for user %s", p.Code, p.UserID).
				WithDetail("unlock_id", string(existing.ID))
		}

		stats, err := tx.Stats(ctx, p.UserID)
		if err != nil {
			return err
		}
		if !ach.Cond.Met(stats) {
			return NewError(KindConditionsNotMet,
				"conditions for achievement %q not met", p.Code).
				WithDetail("condition", string(ach.Cond.Kind)).
				WithDetail("threshold", ach.Cond.Threshold)
		}

		var eventID EventID
		var credit *CreditResult
		if ach.RewardXP != 0 {
			credit, err = s.credits.creditLocked(ctx, tx, CreditRequest{
				UserID:         p.UserID,
				Source:         SourceRef{SourceType: "achievement", ActionType: "unlocked"},
				XPDelta:        ach.RewardXP,
				IdempotencyKey: key,
				ReferenceID:    p.ReferenceID,
			})
			if err != nil {
				return err
			}
			eventID = credit.EventID
		} else {
			// Zero-reward achievements still need a snapshot for the result.
			state, err := tx.State(ctx, p.UserID)
			if err != nil {
				return err
			}
			credit = &CreditResult{
				XPBefore:    state.TotalXP,
				XPAfter:     state.TotalXP,
				LevelBefore: state.CurrentLevel,
				LevelAfter:  state.CurrentLevel,
			}
		}

		unlock := Unlock{
			ID:          UnlockID(uuid.NewString()),
			UserID:      p.UserID,
			Code:        p.Code,
			EventID:     eventID,
			ReferenceID: p.ReferenceID,
			CreatedAt:   s.now(),
		}
		if err := tx.RecordUnlock(ctx, unlock); err != nil {
			return err
		}

		result = &UnlockResult{
			UnlockID:    unlock.ID,
			EventID:     eventID,
			XPBefore:    credit.XPBefore,
			XPAfter:     credit.XPAfter,
			LevelBefore: credit.LevelBefore,
			LevelAfter:  credit.LevelAfter,
		}
		return nil
	})
	if err != nil {
		return nil, Classify(err)
	}
	return result, nil
}
