/*
revalidator.go - Background achievement revalidation worker

PURPOSE:
  After XP-earning actions, users may have crossed an achievement
  threshold. Request-serving paths must not pay for that sweep, so it runs
  as an explicit queue + worker: callers enqueue a user ID and return
  immediately; the worker attempts every cataloged achievement for that
  user, skipping the ones already unlocked or not yet earned.

DESIGN:
  - Bounded queue; a full queue is reported to the caller, never blocked on
  - One worker goroutine; unlock attempts are already serialized per user
    by the store, so more workers buy nothing for a single user
  - Retryable failures (lock contention, transient database errors) are
    retried with the engine's backoff policy; expected outcomes
    (AlreadyUnlocked, ConditionsNotMet) are not errors

USAGE:
  rev := NewRevalidator(unlocks, catalog)
  rev.Start()
  defer rev.Stop()
  rev.Enqueue("user-123")

SEE ALSO:
  - xp/achievement.go: The unlock protocol being driven
  - xp/retry.go: Backoff policy
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/xp"
)

// DefaultQueueSize bounds the revalidation backlog.
const DefaultQueueSize = 1024

// Revalidator sweeps the achievement catalog for enqueued users.
type Revalidator struct {
	Unlocks *xp.UnlockService
	Catalog *progression.Catalog

	// SweepTimeout bounds one user's sweep.
	SweepTimeout time.Duration

	queue chan xp.UserID
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewRevalidator creates a stopped worker.
func NewRevalidator(unlocks *xp.UnlockService, catalog *progression.Catalog) *Revalidator {
	return &Revalidator{
		Unlocks:      unlocks,
		Catalog:      catalog,
		SweepTimeout: 30 * time.Second,
		queue:        make(chan xp.UserID, DefaultQueueSize),
		stop:         make(chan struct{}),
	}
}

// Start launches the worker goroutine. Safe to call once.
func (r *Revalidator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.run()
}

// Stop drains nothing: queued users not yet swept are dropped. Callers
// re-enqueue on their next action, so the sweep is self-healing.
func (r *Revalidator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false

	close(r.stop)
	r.wg.Wait()
}

// Enqueue schedules a sweep for the user. Returns false when the queue is
// full; the caller decides whether that matters.
func (r *Revalidator) Enqueue(userID xp.UserID) bool {
	select {
	case r.queue <- userID:
		return true
	default:
		return false
	}
}

func (r *Revalidator) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stop:
			return
		case userID := <-r.queue:
			r.sweep(userID)
		}
	}
}

// sweep attempts every cataloged achievement for one user.
func (r *Revalidator) sweep(userID xp.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), r.SweepTimeout)
	defer cancel()

	for _, code := range r.Catalog.Codes() {
		_, err := xp.Retry(ctx, func(ctx context.Context) (*xp.UnlockResult, error) {
			return r.Unlocks.Unlock(ctx, xp.UnlockParams{UserID: userID, Code: code})
		})
		switch {
		case err == nil:
			log.Printf("revalidator: unlocked %q for user %s", code, userID)
		case xp.IsKind(err, xp.KindAlreadyUnlocked), xp.IsKind(err, xp.KindConditionsNotMet):
			// Expected outcomes, nothing to do.
		case xp.IsKind(err, xp.KindProfileNotFound):
			// User has no XP profile yet; the whole sweep is moot.
			return
		default:
			log.Printf("revalidator: unlock %q for user %s failed: %v", code, userID, err)
		}
	}
}
