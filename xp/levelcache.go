/*
levelcache.go - Injected read-through cache for level definitions

PURPOSE:
  The level table is read on every credit (twice: before/after) but changes
  rarely. This cache sits in front of any LevelSource with a stated TTL and
  explicit Refresh/Invalidate operations. It is an injected component owned
  by the caller's process lifecycle - deliberately NOT a module-level
  singleton with hidden state.

SEE ALSO:
  - level.go: ComputeLevel consumes the cached table
  - progression/rules.go: The same pattern for XP rules
*/
package xp

import (
	"context"
	"sync"
	"time"
)

// DefaultLevelCacheTTL bounds how stale a served table can be.
const DefaultLevelCacheTTL = 5 * time.Minute

// LevelCache is a read-through, TTL-bounded cache over a LevelSource.
// Safe for concurrent use.
type LevelCache struct {
	source LevelSource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	table     []LevelDefinition
	fetchedAt time.Time
}

var _ LevelSource = (*LevelCache)(nil)

func NewLevelCache(source LevelSource, ttl time.Duration) *LevelCache {
	if ttl <= 0 {
		ttl = DefaultLevelCacheTTL
	}
	return &LevelCache{source: source, ttl: ttl, now: time.Now}
}

// Levels serves the cached table, refreshing from the source when the TTL
// has elapsed or nothing is cached yet.
func (c *LevelCache) Levels(ctx context.Context) ([]LevelDefinition, error) {
	c.mu.RLock()
	if c.table != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		table := c.table
		c.mu.RUnlock()
		return table, nil
	}
	c.mu.RUnlock()

	return c.Refresh(ctx)
}

// Refresh reloads from the source unconditionally. On source failure the
// previous table, if any, keeps being served without error; the error
// surfaces only when nothing is cached.
func (c *LevelCache) Refresh(ctx context.Context) ([]LevelDefinition, error) {
	table, err := c.source.Levels(ctx)
	if err != nil {
		c.mu.RLock()
		stale := c.table
		c.mu.RUnlock()
		if stale != nil {
			return stale, nil
		}
		return nil, Classify(err)
	}
	if err := ValidateLevelTable(table); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.table = table
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return table, nil
}

// Invalidate drops the cached table; the next read goes to the source.
func (c *LevelCache) Invalidate() {
	c.mu.Lock()
	c.table = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// StaticLevels adapts a fixed table to the LevelSource interface.
type StaticLevels []LevelDefinition

func (s StaticLevels) Levels(context.Context) ([]LevelDefinition, error) {
	return []LevelDefinition(s), nil
}
