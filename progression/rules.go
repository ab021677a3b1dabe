/*
rules.go - XP rule table (action -> points)

PURPOSE:
  Maps domain actions ("lesson:completed", "quiz:passed") to the XP delta
  they award: a base point value scaled by a decimal multiplier. Callers
  resolve the delta here, then push it through the crediting protocol.

  Multipliers are decimal.Decimal, not float64: a 1.15 streak multiplier on
  200 points must award exactly 230, never 229 from binary rounding. The
  result is rounded half-up to a whole XP amount at the end.

CACHING:
  RuleCache is the injected read-through cache with a stated TTL and
  explicit Refresh/Invalidate, owned by the process that constructs it.

SEE ALSO:
  - levels.go: Same injected-reference-data pattern
*/
package progression

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// RULES
// =============================================================================

// Rule awards BasePoints x Multiplier XP for one action type.
type Rule struct {
	Source     xp.SourceRef
	BasePoints int64
	Multiplier decimal.Decimal
	Active     bool
}

// Points resolves the whole-XP delta this rule awards, rounded half-up.
func (r Rule) Points() int64 {
	if r.Multiplier.IsZero() {
		return r.BasePoints
	}
	return decimal.NewFromInt(r.BasePoints).Mul(r.Multiplier).Round(0).IntPart()
}

// RuleSet is an immutable collection of rules keyed by source ref.
type RuleSet struct {
	rules map[xp.SourceRef]Rule
}

func NewRuleSet(rules ...Rule) *RuleSet {
	rs := &RuleSet{rules: make(map[xp.SourceRef]Rule, len(rules))}
	for _, r := range rules {
		rs.rules[r.Source] = r
	}
	return rs
}

// PointsFor resolves the delta for an action. ok is false when no active
// rule covers it.
func (rs *RuleSet) PointsFor(source xp.SourceRef) (int64, bool) {
	r, ok := rs.rules[source]
	if !ok || !r.Active {
		return 0, false
	}
	return r.Points(), true
}

// Rules returns the active rules in unspecified order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// DefaultRules is the stock action table.
func DefaultRules() *RuleSet {
	one := decimal.NewFromInt(1)
	return NewRuleSet(
		Rule{Source: xp.SourceRef{SourceType: "lesson", ActionType: "completed"}, BasePoints: 50, Multiplier: one, Active: true},
		Rule{Source: xp.SourceRef{SourceType: "quiz", ActionType: "passed"}, BasePoints: 75, Multiplier: one, Active: true},
		Rule{Source: xp.SourceRef{SourceType: "quiz", ActionType: "perfect"}, BasePoints: 75, Multiplier: decimal.RequireFromString("1.5"), Active: true},
		Rule{Source: xp.SourceRef{SourceType: "course", ActionType: "completed"}, BasePoints: 500, Multiplier: one, Active: true},
		Rule{Source: xp.SourceRef{SourceType: "practice", ActionType: "completed"}, BasePoints: 20, Multiplier: one, Active: true},
		Rule{Source: xp.SourceRef{SourceType: "streak", ActionType: "weekly"}, BasePoints: 100, Multiplier: decimal.RequireFromString("1.15"), Active: true},
	)
}

// =============================================================================
// RULE CACHE
// =============================================================================

// RuleSource loads the active rule set from wherever rules live (config
// service, database, admin tooling).
type RuleSource interface {
	ActiveRules(ctx context.Context) (*RuleSet, error)
}

// StaticRules adapts a fixed rule set to RuleSource.
type StaticRules struct{ Set *RuleSet }

func (s StaticRules) ActiveRules(context.Context) (*RuleSet, error) { return s.Set, nil }

// DefaultRuleCacheTTL bounds rule staleness on the request path.
const DefaultRuleCacheTTL = 5 * time.Minute

// RuleCache is a read-through, TTL-bounded cache over a RuleSource.
type RuleCache struct {
	source RuleSource
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	set       *RuleSet
	fetchedAt time.Time
}

func NewRuleCache(source RuleSource, ttl time.Duration) *RuleCache {
	if ttl <= 0 {
		ttl = DefaultRuleCacheTTL
	}
	return &RuleCache{source: source, ttl: ttl, now: time.Now}
}

// ActiveRules serves the cached set, refreshing after the TTL.
func (c *RuleCache) ActiveRules(ctx context.Context) (*RuleSet, error) {
	c.mu.RLock()
	if c.set != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		set := c.set
		c.mu.RUnlock()
		return set, nil
	}
	c.mu.RUnlock()

	return c.Refresh(ctx)
}

// Refresh reloads unconditionally, keeping the stale set on source failure.
func (c *RuleCache) Refresh(ctx context.Context) (*RuleSet, error) {
	set, err := c.source.ActiveRules(ctx)
	if err != nil {
		c.mu.RLock()
		stale := c.set
		c.mu.RUnlock()
		if stale != nil {
			return stale, nil
		}
		return nil, xp.Classify(err)
	}

	c.mu.Lock()
	c.set = set
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return set, nil
}

// Invalidate drops the cached set.
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	c.set = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
