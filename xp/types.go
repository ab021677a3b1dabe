/*
Package xp provides the core XP ledger consistency engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms that keep
  a per-user experience-point total consistent under retries and concurrent
  writers: deterministic idempotency-key derivation, exactly-once crediting
  of point deltas, and level/threshold computation.

KEY CONCEPTS IN THIS FILE (types.go):
  - XpEvent: An immutable ledger entry recording one credit
  - UserXpState: The mutable per-user aggregate (total, level)
  - CreditRequest/CreditResult: The crediting protocol's input and output
  - SourceRef: Typed (source, action) pair identifying what earned the XP

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified; corrections are reversal events
  2. Determinism: Same request identity always derives the same key
  3. Exactly-once effect: The store enforces key uniqueness; the engine
     replays the stored snapshot on duplicates instead of recomputing
  4. Auditability: Every event carries before/after totals and levels

USAGE:
  svc := xp.NewCreditService(store, levels)
  key, _ := xp.BuildKey(xp.KeyParams{Kind: "lesson", UserID: "user-123",
      Identifier: "lesson-456"})
  res, err := svc.CreditXP(ctx, xp.CreditRequest{
      UserID:         "user-123",
      Source:         xp.SourceRef{SourceType: "lesson", ActionType: "completed"},
      XPDelta:        50,
      IdempotencyKey: key,
  })

SEE ALSO:
  - key.go: Idempotency key derivation
  - credit.go: The exactly-once crediting protocol
  - level.go: Level threshold computation
  - store.go: The Store contract
*/
package xp

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EventID string
type UnlockID string

// SourceRef identifies what kind of domain action produced an XP delta.
// It is persisted as "sourceType:actionType" and compared verbatim when a
// duplicate idempotency key is detected.
type SourceRef struct {
	SourceType string
	ActionType string
}

func (s SourceRef) String() string { return s.SourceType + ":" + s.ActionType }

// =============================================================================
// XP EVENT - Immutable ledger entry
// =============================================================================

// XpEvent is one append-only ledger record. Invariant, enforced by the
// crediting protocol: XPAfter = XPBefore + XPDelta, and IdempotencyKey is
// unique across all events ever recorded.
type XpEvent struct {
	ID     EventID
	UserID UserID
	Source SourceRef

	// XPDelta is the delta actually applied (clamped, never the raw
	// request). XPRequested is what the caller asked for; the two differ
	// only when the credit was clamped at the zero floor. Duplicate
	// detection compares XPRequested so retries of a clamped request
	// still replay cleanly. Metadata stays caller-owned; the protocol
	// never writes into it.
	XPDelta     int64
	XPRequested int64

	XPBefore       int64
	XPAfter        int64
	LevelBefore    int
	LevelAfter     int
	IdempotencyKey string
	ReferenceID    string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// =============================================================================
// USER XP STATE - Mutable aggregate, owned by the store
// =============================================================================

// UserXpState is the per-user running total. It is mutated only inside the
// atomic step of the crediting protocol, never directly.
type UserXpState struct {
	UserID       UserID
	TotalXP      int64
	CurrentLevel int
	UpdatedAt    time.Time
}

// UserStats is the read-only view achievement conditions evaluate against.
type UserStats struct {
	TotalXP      int64
	CurrentLevel int
	EventCount   int64
	UnlockCount  int64
}

// =============================================================================
// CREDITING PROTOCOL TYPES
// =============================================================================

// CreditStatus distinguishes a fresh append from a replayed duplicate.
type CreditStatus string

const (
	// StatusNewEvent means a new ledger row was written and the aggregate moved.
	StatusNewEvent CreditStatus = "new_event_created"

	// StatusIdempotentReturn means the key was seen before and the stored
	// snapshot is being replayed. No new row, no aggregate change.
	StatusIdempotentReturn CreditStatus = "idempotent_return"
)

// CreditRequest is the input to CreditService.CreditXP.
type CreditRequest struct {
	UserID         UserID
	Source         SourceRef
	XPDelta        int64
	IdempotencyKey string
	ReferenceID    string
	Metadata       map[string]string
}

// CreditResult is the before/after snapshot returned by the protocol.
// On the idempotent path every field comes from the stored event, not from
// a recomputation.
type CreditResult struct {
	EventID        EventID
	XPBefore       int64
	XPAfter        int64
	LevelBefore    int
	LevelAfter     int
	XPDeltaApplied int64
	Status         CreditStatus
}

// =============================================================================
// ACHIEVEMENT TYPES
// =============================================================================

// Achievement is a definition of an unlockable reward. Catalogs live in the
// progression package or in the store; the engine only needs the crediting
// contract: a code, a reward delta, and an unlock condition.
type Achievement struct {
	Code     string
	Title    string
	RewardXP int64
	Version  int
	Cond     Condition
}

// Unlock is the durable record that a user earned an achievement. It is
// written atomically with the reward credit.
type Unlock struct {
	ID          UnlockID
	UserID      UserID
	Code        string
	EventID     EventID
	ReferenceID string
	CreatedAt   time.Time
}

// UnlockParams is the input to UnlockService.Unlock. No caller-supplied
// idempotency key: the service derives one from (user, code, version, scope)
// so concurrent attempts collapse to the same at-most-once effect.
type UnlockParams struct {
	UserID      UserID
	Code        string
	Version     int
	Scope       string
	ReferenceID string
}

// UnlockResult reports a successful unlock with its reward snapshot.
type UnlockResult struct {
	UnlockID    UnlockID
	EventID     EventID
	XPBefore    int64
	XPAfter     int64
	LevelBefore int
	LevelAfter  int
}
