/*
credit.go - Exactly-once XP crediting protocol

PURPOSE:
  Orchestrates one credit: validate the request, acquire the per-user
  serialization point, attempt an insert-if-absent by idempotency key, and
  return the before/after snapshot. This is the only code path that moves
  a user's total.

PROTOCOL (per credit, inside the store's per-user lock):
  1. Look up the idempotency key.
     - Absent: read the aggregate, apply the delta (clamped at the zero
       floor), recompute the level, append event + update aggregate as one
       atomic unit. Status: new_event_created.
     - Present and semantically identical: replay the STORED snapshot.
       Status: idempotent_return. A caller retrying after a timeout gets
       exactly what the first, possibly-unobserved, attempt produced.
     - Present and different: ConflictMismatch. A key was reused for a
       semantically different action; never resolved silently.
  2. Release the lock on every path.

CLAMPING:
  xpAfter never goes below 0. When a reduction would cross zero the applied
  delta is clamped and recorded as XPDelta; the requested delta is recorded
  on its own event field so retries of the clamped request still replay.

CANCELLATION:
  Once the insert attempt begins the operation runs to completion or rolls
  back; a caller-side timeout means "outcome unknown" and the correct
  recovery is retrying with the SAME key.

SEE ALSO:
  - store.go: What the store must guarantee
  - achievement.go: Composes this protocol with unlock recording
  - retry.go: Backoff wrapper for the retryable kinds
*/
package xp

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// KEY SHAPE PRECONDITIONS
// =============================================================================

// MinKeyLength is the shortest key the service accepts.
const MinKeyLength = 8

// minKeySegments matches the five fixed tokens BuildKey always emits.
const minKeySegments = 5

var keyShape = regexp.MustCompile(`^[a-z0-9-]+(:[a-z0-9-]+)+$`)

// ValidateKeyShape rejects keys that were not built through BuildKey (or an
// equivalent derivation). The service must never accept free-form keys:
// they defeat the determinism guarantee retries rely on.
func ValidateKeyShape(key string) error {
	if len(key) < MinKeyLength {
		return NewError(KindInvalidIdempotencyKey,
			"idempotency key too short: %d chars, need at least %d", len(key), MinKeyLength)
	}
	if len(key) > MaxKeyLength {
		return NewError(KindInvalidIdempotencyKey,
			"idempotency key too long: %d chars", len(key))
	}
	if !keyShape.MatchString(key) {
		return NewError(KindInvalidIdempotencyKey,
			"idempotency key must match [a-z0-9:-]+ with non-empty segments")
	}
	if strings.Count(key, ":") < minKeySegments-1 {
		return NewError(KindInvalidIdempotencyKey,
			"idempotency key needs at least %d colon-delimited segments", minKeySegments)
	}
	return nil
}

// =============================================================================
// CREDIT SERVICE
// =============================================================================

type CreditService struct {
	store  Store
	levels LevelSource
	now    func() time.Time
}

func NewCreditService(store Store, levels LevelSource) *CreditService {
	return &CreditService{store: store, levels: levels, now: func() time.Time { return time.Now().UTC() }}
}

// CreditXP applies one signed delta to the user's total, exactly once per
// idempotency key.
func (s *CreditService) CreditXP(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	var result *CreditResult
	err := s.store.WithUserLock(ctx, req.UserID, func(tx Tx) error {
		r, err := s.creditLocked(ctx, tx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, Classify(err)
	}
	return result, nil
}

func (s *CreditService) validate(req CreditRequest) error {
	if req.XPDelta == 0 {
		// A zero delta is meaningless and a caller bug, not a no-op.
		return NewError(KindInvalidDelta, "xpDelta must be non-zero")
	}
	if strings.TrimSpace(string(req.UserID)) == "" {
		return NewError(KindValidation, "userId is required")
	}
	if req.Source.SourceType == "" || req.Source.ActionType == "" {
		return NewError(KindValidation, "sourceRef requires both sourceType and actionType")
	}
	return ValidateKeyShape(req.IdempotencyKey)
}

// creditLocked runs the insert-or-replay step. It is shared with the
// achievement unlock flow, which calls it inside its own transaction.
func (s *CreditService) creditLocked(ctx context.Context, tx Tx, req CreditRequest) (*CreditResult, error) {
	prior, err := tx.EventByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.replay(prior, req)
	}

	state, err := tx.State(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	table, err := s.levels.Levels(ctx)
	if err != nil {
		return nil, err
	}
	before, err := ComputeLevel(state.TotalXP, table)
	if err != nil {
		return nil, err
	}

	applied := req.XPDelta
	after := state.TotalXP + applied
	if after < 0 {
		// Clamp at the zero floor; record what was actually applied.
		applied = -state.TotalXP
		after = 0
	}

	levelAfter, err := ComputeLevel(after, table)
	if err != nil {
		return nil, err
	}

	var meta map[string]string
	if len(req.Metadata) > 0 {
		meta = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			meta[k] = v
		}
	}

	now := s.now()
	ev := XpEvent{
		ID:             EventID(uuid.NewString()),
		UserID:         req.UserID,
		Source:         req.Source,
		XPDelta:        applied,
		XPRequested:    req.XPDelta,
		XPBefore:       state.TotalXP,
		XPAfter:        after,
		LevelBefore:    before.Level,
		LevelAfter:     levelAfter.Level,
		IdempotencyKey: req.IdempotencyKey,
		ReferenceID:    req.ReferenceID,
		Metadata:       meta,
		CreatedAt:      now,
	}
	newState := UserXpState{
		UserID:       req.UserID,
		TotalXP:      after,
		CurrentLevel: levelAfter.Level,
		UpdatedAt:    now,
	}

	if err := tx.AppendEvent(ctx, ev, newState); err != nil {
		return nil, err
	}

	return &CreditResult{
		EventID:        ev.ID,
		XPBefore:       ev.XPBefore,
		XPAfter:        ev.XPAfter,
		LevelBefore:    ev.LevelBefore,
		LevelAfter:     ev.LevelAfter,
		XPDeltaApplied: ev.XPDelta,
		Status:         StatusNewEvent,
	}, nil
}

// replay returns the stored snapshot when the incoming request matches the
// prior event, and ConflictMismatch when it does not.
func (s *CreditService) replay(prior *XpEvent, req CreditRequest) (*CreditResult, error) {
	if prior.Source != req.Source ||
		prior.XPRequested != req.XPDelta ||
		prior.ReferenceID != req.ReferenceID {
		return nil, NewError(KindConflictMismatch,
			"idempotency key %q reused for a different request", req.IdempotencyKey).
			WithDetail("stored_source", prior.Source.String()).
			WithDetail("stored_delta", prior.XPRequested).
			WithDetail("stored_reference_id", prior.ReferenceID).
			WithDetail("request_source", req.Source.String()).
			WithDetail("request_delta", req.XPDelta).
			WithDetail("request_reference_id", req.ReferenceID)
	}

	return &CreditResult{
		EventID:        prior.ID,
		XPBefore:       prior.XPBefore,
		XPAfter:        prior.XPAfter,
		LevelBefore:    prior.LevelBefore,
		LevelAfter:     prior.LevelAfter,
		XPDeltaApplied: prior.XPDelta,
		Status:         StatusIdempotentReturn,
	}, nil
}

// LevelInfo computes the display-level state for a raw total using the
// service's level source.
func (s *CreditService) LevelInfo(ctx context.Context, totalXP int64) (LevelInfo, error) {
	table, err := s.levels.Levels(ctx)
	if err != nil {
		return LevelInfo{}, Classify(err)
	}
	return ComputeLevel(totalXP, table)
}
