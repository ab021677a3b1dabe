// Package store provides xp.Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// DefaultLockWait bounds how long a crediting attempt waits for the
// per-user serialization point before failing LockNotAcquired.
const DefaultLockWait = 2 * time.Second

type userCode struct {
	UserID xp.UserID
	Code   string
}

type Memory struct {
	lockWait time.Duration

	mu      sync.RWMutex
	locks   map[xp.UserID]chan struct{}
	events  map[xp.UserID][]xp.XpEvent
	byKey   map[string]xp.XpEvent
	states  map[xp.UserID]xp.UserXpState
	unlocks map[userCode]xp.Unlock
}

var _ xp.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		lockWait: DefaultLockWait,
		locks:    make(map[xp.UserID]chan struct{}),
		events:   make(map[xp.UserID][]xp.XpEvent),
		byKey:    make(map[string]xp.XpEvent),
		states:   make(map[xp.UserID]xp.UserXpState),
		unlocks:  make(map[userCode]xp.Unlock),
	}
}

// SetLockWait overrides the bounded lock wait (tests use short waits).
func (m *Memory) SetLockWait(d time.Duration) { m.lockWait = d }

// =============================================================================
// PER-USER SERIALIZATION
// =============================================================================

// acquire takes the per-user token within the bounded wait. Locks for
// different users never contend.
func (m *Memory) acquire(ctx context.Context, userID xp.UserID) (release func(), err error) {
	m.mu.Lock()
	ch, ok := m.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[userID] = ch
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.lockWait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, xp.WrapError(xp.KindLockNotAcquired, ctx.Err(),
			"canceled while waiting for user %s lock", userID)
	case <-timer.C:
		return nil, xp.NewError(xp.KindLockNotAcquired,
			"user %s lock not acquired within %v", userID, m.lockWait)
	}
}

// WithUserLock serializes fn against other crediting work for the user.
// Writes are buffered in the transaction view and applied only when fn
// returns nil, so a failed callback leaves no partial effect.
func (m *Memory) WithUserLock(ctx context.Context, userID xp.UserID, fn func(tx xp.Tx) error) error {
	release, err := m.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	tx := &memoryTx{parent: m}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range tx.pendingEvents {
		m.events[ev.UserID] = append(m.events[ev.UserID], ev)
		m.byKey[ev.IdempotencyKey] = ev
	}
	for _, u := range tx.pendingUnlocks {
		m.unlocks[userCode{UserID: u.UserID, Code: u.Code}] = u
	}
	if tx.pendingState != nil {
		m.states[tx.pendingState.UserID] = *tx.pendingState
	}
	return nil
}

// =============================================================================
// LOCK-FREE READS
// =============================================================================

func (m *Memory) CreateProfile(_ context.Context, userID xp.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[userID]; !ok {
		m.states[userID] = xp.UserXpState{
			UserID:       userID,
			CurrentLevel: 1,
			UpdatedAt:    time.Now().UTC(),
		}
	}
	return nil
}

func (m *Memory) State(_ context.Context, userID xp.UserID) (xp.UserXpState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked(userID)
}

func (m *Memory) stateLocked(userID xp.UserID) (xp.UserXpState, error) {
	state, ok := m.states[userID]
	if !ok {
		return xp.UserXpState{}, xp.NewError(xp.KindProfileNotFound, "no XP profile for user %s", userID)
	}
	return state, nil
}

func (m *Memory) Events(_ context.Context, userID xp.UserID) ([]xp.XpEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]xp.XpEvent, len(m.events[userID]))
	copy(result, m.events[userID])
	return result, nil
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memoryTx struct {
	parent         *Memory
	pendingEvents  []xp.XpEvent
	pendingUnlocks []xp.Unlock
	pendingState   *xp.UserXpState
}

var _ xp.Tx = (*memoryTx)(nil)

func (t *memoryTx) EventByKey(_ context.Context, key string) (*xp.XpEvent, error) {
	for i := range t.pendingEvents {
		if t.pendingEvents[i].IdempotencyKey == key {
			ev := t.pendingEvents[i]
			return &ev, nil
		}
	}

	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	if ev, ok := t.parent.byKey[key]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (t *memoryTx) State(_ context.Context, userID xp.UserID) (xp.UserXpState, error) {
	if t.pendingState != nil && t.pendingState.UserID == userID {
		return *t.pendingState, nil
	}

	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	return t.parent.stateLocked(userID)
}

func (t *memoryTx) Stats(ctx context.Context, userID xp.UserID) (xp.UserStats, error) {
	state, err := t.State(ctx, userID)
	if err != nil {
		return xp.UserStats{}, err
	}

	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()

	eventCount := int64(len(t.parent.events[userID]))
	for _, ev := range t.pendingEvents {
		if ev.UserID == userID {
			eventCount++
		}
	}
	var unlockCount int64
	for uc := range t.parent.unlocks {
		if uc.UserID == userID {
			unlockCount++
		}
	}
	for _, u := range t.pendingUnlocks {
		if u.UserID == userID {
			unlockCount++
		}
	}

	return xp.UserStats{
		TotalXP:      state.TotalXP,
		CurrentLevel: state.CurrentLevel,
		EventCount:   eventCount,
		UnlockCount:  unlockCount,
	}, nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, ev xp.XpEvent, state xp.UserXpState) error {
	// The unique constraint: the protocol checks EventByKey first, so a
	// duplicate here means a racing writer already won.
	existing, err := t.EventByKey(ctx, ev.IdempotencyKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return xp.NewError(xp.KindConflictMismatch,
			"idempotency key %q already recorded", ev.IdempotencyKey)
	}

	t.pendingEvents = append(t.pendingEvents, ev)
	t.pendingState = &state
	return nil
}

func (t *memoryTx) Unlocked(_ context.Context, userID xp.UserID, code string) (*xp.Unlock, error) {
	for i := range t.pendingUnlocks {
		if t.pendingUnlocks[i].UserID == userID && t.pendingUnlocks[i].Code == code {
			u := t.pendingUnlocks[i]
			return &u, nil
		}
	}

	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	if u, ok := t.parent.unlocks[userCode{UserID: userID, Code: code}]; ok {
		return &u, nil
	}
	return nil, nil
}

func (t *memoryTx) RecordUnlock(ctx context.Context, u xp.Unlock) error {
	existing, err := t.Unlocked(ctx, u.UserID, u.Code)
	if err != nil {
		return err
	}
	if existing != nil {
		return xp.NewError(xp.KindAlreadyUnlocked,
			"unlock for (%s, %s) already recorded", u.UserID, u.Code)
	}
	t.pendingUnlocks = append(t.pendingUnlocks, u)
	return nil
}
