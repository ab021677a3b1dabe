/*
level.go - Level threshold computation

PURPOSE:
  Pure mapping from a cumulative XP total to (level, threshold, xp-to-next)
  given an ordered table of level definitions. The crediting protocol calls
  this to stamp LevelBefore/LevelAfter on every event; the API layer calls
  it for display.

NULLABILITY CONTRACT:
  LevelInfo.XPToNext is a *int64. nil means the maximum defined level has
  been reached. Callers branch on the nil to suppress "progress to next
  level" logic, so it is never coerced to 0 or a sentinel.

SEE ALSO:
  - levelcache.go: Read-through cache of the definition table
  - progression/levels.go: Default table
*/
package xp

// LevelDefinition is one row of the static, ordered-by-level table.
// XPRequired is the cumulative threshold to reach the level.
type LevelDefinition struct {
	Level      int
	XPRequired int64
	Title      string
	Badge      string
}

// LevelInfo is the computed display state for a total.
type LevelInfo struct {
	Level       int
	XPThreshold int64

	// XPToNext is nil at the maximum defined level.
	XPToNext *int64
}

// ComputeLevel finds the highest entry whose threshold is <= totalXP.
// A total below the first threshold still yields the lowest defined level.
// Fails with KindLevelCompute if the table is empty or not sorted ascending
// by both level and threshold.
func ComputeLevel(totalXP int64, table []LevelDefinition) (LevelInfo, error) {
	if totalXP < 0 {
		return LevelInfo{}, NewError(KindLevelCompute, "totalXP must be non-negative, got %d", totalXP)
	}
	if err := ValidateLevelTable(table); err != nil {
		return LevelInfo{}, err
	}

	idx := 0
	for i, def := range table {
		if def.XPRequired <= totalXP {
			idx = i
		} else {
			break
		}
	}

	info := LevelInfo{
		Level:       table[idx].Level,
		XPThreshold: table[idx].XPRequired,
	}

	// Next entry must be the definition for level+1; a gap in the table
	// means there is nothing to progress toward.
	if idx+1 < len(table) && table[idx+1].Level == table[idx].Level+1 {
		toNext := table[idx+1].XPRequired - totalXP
		info.XPToNext = &toNext
	}

	return info, nil
}

// ValidateLevelTable checks the ordering invariants ComputeLevel relies on.
func ValidateLevelTable(table []LevelDefinition) error {
	if len(table) == 0 {
		return NewError(KindLevelCompute, "level table is empty")
	}
	for i := 1; i < len(table); i++ {
		if table[i].Level <= table[i-1].Level {
			return NewError(KindLevelCompute,
				"level table not sorted ascending by level at index %d", i)
		}
		if table[i].XPRequired <= table[i-1].XPRequired {
			return NewError(KindLevelCompute,
				"level table not sorted ascending by xpRequired at index %d", i)
		}
	}
	return nil
}
