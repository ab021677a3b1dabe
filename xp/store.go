/*
store.go - The store contract

PURPOSE:
  Defines the interface between the crediting protocol and durable storage.
  The engine does not implement persistence; it specifies what any store
  must provide: a per-user serialization point, an insert-if-absent-by-key
  primitive, and an atomic event-append + aggregate-update step.

CONTRACT:
  1. SERIALIZATION: WithUserLock must guarantee that concurrent crediting
     attempts for the same user never interleave. The unit is per-user, not
     global - credits for different users proceed independently.
  2. BOUNDED WAIT: Failing to acquire the serialization point within the
     store's bounded wait surfaces as KindLockNotAcquired (retryable).
  3. ATOMICITY: Everything fn writes through Tx commits as one unit or not
     at all. No partial effect is observable to any concurrent reader.
  4. APPEND-ONLY: Events are never updated or deleted. Corrections are
     reversal events (negative deltas) through the same protocol.
  5. KEY UNIQUENESS: AppendEvent must reject a duplicate idempotency key
     (KindConflictMismatch from the unique constraint); the protocol checks
     EventByKey first, so hitting the constraint means a racing writer won.

IMPLEMENTATIONS:
  - store/memory.go:      In-memory, for tests and development
  - store/sqlite/:        SQLite, single-process deployments
  - store/postgres/:      PostgreSQL via pgx, row locks per user

SEE ALSO:
  - credit.go: The protocol driving this contract
  - achievement.go: Unlock recording inside the same transaction
*/
package xp

import "context"

// =============================================================================
// STORE - Durable ledger + aggregate, with per-user serialization
// =============================================================================

type Store interface {
	// WithUserLock runs fn while holding the exclusive per-user
	// serialization point, inside a transaction that commits iff fn
	// returns nil. Returns KindLockNotAcquired when the bounded wait for
	// the lock expires.
	WithUserLock(ctx context.Context, userID UserID, fn func(tx Tx) error) error

	// CreateProfile registers a user with a zero total. Idempotent.
	CreateProfile(ctx context.Context, userID UserID) error

	// State reads the current aggregate without locking. Snapshot-consistent
	// but immediately stale; use Tx.State inside WithUserLock for the
	// read-modify-write path.
	State(ctx context.Context, userID UserID) (UserXpState, error)

	// Events returns the user's ledger history, oldest first.
	Events(ctx context.Context, userID UserID) ([]XpEvent, error)
}

// Tx is the transactional view handed to WithUserLock callbacks.
type Tx interface {
	// EventByKey returns the event recorded under key, or nil if absent.
	EventByKey(ctx context.Context, key string) (*XpEvent, error)

	// State reads the aggregate under the lock. Fails with
	// KindProfileNotFound for unknown users.
	State(ctx context.Context, userID UserID) (UserXpState, error)

	// Stats reads the statistics achievement conditions evaluate against.
	Stats(ctx context.Context, userID UserID) (UserStats, error)

	// AppendEvent writes the event and the updated aggregate as one unit.
	AppendEvent(ctx context.Context, ev XpEvent, state UserXpState) error

	// Unlocked returns the existing unlock for (user, code), or nil.
	Unlocked(ctx context.Context, userID UserID, code string) (*Unlock, error)

	// RecordUnlock writes the durable unlock fact.
	RecordUnlock(ctx context.Context, u Unlock) error
}

// =============================================================================
// COLLABORATOR SOURCES
// =============================================================================

// LevelSource provides the ordered level definition table. The engine
// treats it as read-mostly reference data owned by configuration.
type LevelSource interface {
	Levels(ctx context.Context) ([]LevelDefinition, error)
}

// AchievementSource provides achievement definitions by code.
// Fails with KindAchievementNotFound for unknown codes.
type AchievementSource interface {
	Achievement(ctx context.Context, code string) (*Achievement, error)
}
