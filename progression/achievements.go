/*
achievements.go - Achievement catalog

PURPOSE:
  An in-memory AchievementSource backed by a code-keyed catalog, plus the
  stock achievements a learning platform ships with. Conditions are the
  declarative predicates the engine evaluates; anything fancier (streak
  heuristics, time-of-day rules) belongs to the calling application, which
  decides WHEN to attempt an unlock - the engine only decides IF.

SEE ALSO:
  - xp/achievement.go: The unlock protocol consuming this source
*/
package progression

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a thread-safe, code-keyed AchievementSource.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]xp.Achievement
}

var _ xp.AchievementSource = (*Catalog)(nil)

func NewCatalog(defs ...xp.Achievement) *Catalog {
	c := &Catalog{defs: make(map[string]xp.Achievement, len(defs))}
	for _, d := range defs {
		c.defs[d.Code] = d
	}
	return c
}

// Achievement returns the definition for code.
func (c *Catalog) Achievement(_ context.Context, code string) (*xp.Achievement, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[code]
	if !ok {
		return nil, xp.NewError(xp.KindAchievementNotFound, "unknown achievement %q", code)
	}
	return &def, nil
}

// Register adds or replaces a definition.
func (c *Catalog) Register(def xp.Achievement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Code] = def
}

// Codes lists registered codes, sorted.
func (c *Catalog) Codes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes := make([]string, 0, len(c.defs))
	for code := range c.defs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// =============================================================================
// STOCK ACHIEVEMENTS
// =============================================================================

var (
	AchievementFirstSteps = xp.Achievement{
		Code: "first-steps", Title: "First Steps", RewardXP: 25, Version: 1,
		Cond: xp.Condition{Kind: xp.CondEventsAtLeast, Threshold: 1},
	}
	AchievementQuickLearner = xp.Achievement{
		Code: "quick-learner", Title: "Quick Learner", RewardXP: 50, Version: 1,
		Cond: xp.Condition{Kind: xp.CondEventsAtLeast, Threshold: 10},
	}
	AchievementRisingStar = xp.Achievement{
		Code: "rising-star", Title: "Rising Star", RewardXP: 100, Version: 1,
		Cond: xp.Condition{Kind: xp.CondLevelAtLeast, Threshold: 3},
	}
	AchievementPointCollector = xp.Achievement{
		Code: "point-collector", Title: "Point Collector", RewardXP: 150, Version: 1,
		Cond: xp.Condition{Kind: xp.CondTotalXPAtLeast, Threshold: 1000},
	}
	AchievementCompletionist = xp.Achievement{
		Code: "completionist", Title: "Completionist", RewardXP: 250, Version: 1,
		Cond: xp.Condition{Kind: xp.CondUnlocksAtLeast, Threshold: 3},
	}
)

// DefaultCatalog returns a catalog preloaded with the stock achievements.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		AchievementFirstSteps,
		AchievementQuickLearner,
		AchievementRisingStar,
		AchievementPointCollector,
		AchievementCompletionist,
	)
}
