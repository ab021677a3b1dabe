/*
Package progression provides the domain reference data the XP engine
consumes: level threshold tables, the achievement catalog, and the XP rule
table mapping domain actions to point values.

PURPOSE:
  The engine in xp/ is deliberately data-free - it computes against
  whatever tables it is handed. This package owns the defaults a learning
  platform ships with and the caching/configuration plumbing around them.

KEY CONCEPTS:
  - Level table: Cumulative thresholds, level 1 at 0 XP
  - Achievements: Code + reward delta + declarative unlock condition
  - XP rules: action type -> base points x multiplier (decimal), cached
    with a TTL because rule lookups sit on the request path

SEE ALSO:
  - achievements.go: Catalog and condition helpers
  - rules.go: Rule table with read-through cache
  - factory/: Loading all of the above from JSON config
*/
package progression

import "github.com/warp/xp-engine/xp"

// =============================================================================
// DEFAULT LEVEL TABLE
// =============================================================================

// DefaultLevels is the stock progression curve. Thresholds are cumulative:
// a user with 1020 XP is level 5 and needs 480 more for level 6.
var DefaultLevels = []xp.LevelDefinition{
	{Level: 1, XPRequired: 0, Title: "Newcomer"},
	{Level: 2, XPRequired: 100, Title: "Beginner"},
	{Level: 3, XPRequired: 300, Title: "Apprentice"},
	{Level: 4, XPRequired: 600, Title: "Student", Badge: "bronze"},
	{Level: 5, XPRequired: 1000, Title: "Scholar", Badge: "bronze"},
	{Level: 6, XPRequired: 1500, Title: "Achiever", Badge: "silver"},
	{Level: 7, XPRequired: 2200, Title: "Expert", Badge: "silver"},
	{Level: 8, XPRequired: 3000, Title: "Mentor", Badge: "gold"},
	{Level: 9, XPRequired: 4000, Title: "Master", Badge: "gold"},
	{Level: 10, XPRequired: 5500, Title: "Legend", Badge: "platinum"},
}

// DefaultLevelSource wraps DefaultLevels as an injectable source.
func DefaultLevelSource() xp.LevelSource {
	return xp.StaticLevels(DefaultLevels)
}
