/*
Package factory provides JSON to Go progression-config conversion.

PURPOSE:
  Converts JSON progression definitions into level tables, XP rule sets,
  and achievement catalogs. This enables progression tuning without code
  changes - a curriculum team can adjust thresholds and rewards in JSON,
  and the factory produces the engine's typed structures.

JSON SCHEMA:
  {
    "levels": [
      {"level": 1, "xp_required": 0, "title": "Newcomer"},
      {"level": 2, "xp_required": 100, "title": "Beginner", "badge": "bronze"}
    ],
    "rules": [
      {"source_type": "lesson", "action_type": "completed",
       "base_points": 50, "multiplier": "1.0", "active": true}
    ],
    "achievements": [
      {"code": "first-steps", "title": "First Steps", "reward_xp": 25,
       "version": 1, "condition": {"kind": "events_at_least", "threshold": 1}}
    ]
  }

KEY FEATURES:
  - Validates ordering invariants (level table sorted ascending)
  - Multipliers parsed as decimal strings, never floats
  - Missing sections fall back to the progression package defaults

USAGE:
  cfg, err := factory.Parse(jsonBytes)
  svc := xp.NewCreditService(store, xp.NewLevelCache(cfg.LevelSource(), ttl))

SEE ALSO:
  - progression/: Default tables and the typed structures produced here
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProgressionJSON is the JSON representation of a full progression config.
type ProgressionJSON struct {
	Levels       []LevelJSON       `json:"levels,omitempty"`
	Rules        []RuleJSON        `json:"rules,omitempty"`
	Achievements []AchievementJSON `json:"achievements,omitempty"`
}

type LevelJSON struct {
	Level      int    `json:"level"`
	XPRequired int64  `json:"xp_required"`
	Title      string `json:"title"`
	Badge      string `json:"badge,omitempty"`
}

type RuleJSON struct {
	SourceType string `json:"source_type"`
	ActionType string `json:"action_type"`
	BasePoints int64  `json:"base_points"`
	Multiplier string `json:"multiplier,omitempty"` // decimal string, "" means 1
	Active     *bool  `json:"active,omitempty"`     // default true
}

type AchievementJSON struct {
	Code      string        `json:"code"`
	Title     string        `json:"title"`
	RewardXP  int64         `json:"reward_xp"`
	Version   int           `json:"version,omitempty"`
	Condition ConditionJSON `json:"condition"`
}

type ConditionJSON struct {
	Kind      string `json:"kind"`
	Threshold int64  `json:"threshold,omitempty"`
}

// =============================================================================
// CONFIG
// =============================================================================

// Config is the parsed, validated progression configuration.
type Config struct {
	Levels       []xp.LevelDefinition
	Rules        *progression.RuleSet
	Achievements *progression.Catalog
}

// LevelSource exposes the level table as an injectable source.
func (c *Config) LevelSource() xp.LevelSource { return xp.StaticLevels(c.Levels) }

// RuleSource exposes the rule set as an injectable source.
func (c *Config) RuleSource() progression.RuleSource {
	return progression.StaticRules{Set: c.Rules}
}

// Defaults returns the stock progression configuration.
func Defaults() *Config {
	return &Config{
		Levels:       progression.DefaultLevels,
		Rules:        progression.DefaultRules(),
		Achievements: progression.DefaultCatalog(),
	}
}

// Parse converts JSON config bytes into a validated Config. Sections left
// empty fall back to the defaults.
func Parse(data []byte) (*Config, error) {
	var raw ProgressionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid progression JSON: %w", err)
	}

	cfg := Defaults()

	if len(raw.Levels) > 0 {
		levels := make([]xp.LevelDefinition, 0, len(raw.Levels))
		for _, l := range raw.Levels {
			levels = append(levels, xp.LevelDefinition{
				Level:      l.Level,
				XPRequired: l.XPRequired,
				Title:      l.Title,
				Badge:      l.Badge,
			})
		}
		if err := xp.ValidateLevelTable(levels); err != nil {
			return nil, fmt.Errorf("invalid level table: %w", err)
		}
		cfg.Levels = levels
	}

	if len(raw.Rules) > 0 {
		rules := make([]progression.Rule, 0, len(raw.Rules))
		for i, r := range raw.Rules {
			rule, err := parseRule(r)
			if err != nil {
				return nil, fmt.Errorf("invalid rule at index %d: %w", i, err)
			}
			rules = append(rules, rule)
		}
		cfg.Rules = progression.NewRuleSet(rules...)
	}

	if len(raw.Achievements) > 0 {
		defs := make([]xp.Achievement, 0, len(raw.Achievements))
		for i, a := range raw.Achievements {
			def, err := parseAchievement(a)
			if err != nil {
				return nil, fmt.Errorf("invalid achievement at index %d: %w", i, err)
			}
			defs = append(defs, def)
		}
		cfg.Achievements = progression.NewCatalog(defs...)
	}

	return cfg, nil
}

// ParseFile loads and parses a progression config file.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read progression config: %w", err)
	}
	return Parse(data)
}

func parseRule(r RuleJSON) (progression.Rule, error) {
	if r.SourceType == "" || r.ActionType == "" {
		return progression.Rule{}, fmt.Errorf("source_type and action_type are required")
	}
	if r.BasePoints == 0 {
		return progression.Rule{}, fmt.Errorf("base_points must be non-zero")
	}

	multiplier := decimal.NewFromInt(1)
	if r.Multiplier != "" {
		var err error
		multiplier, err = decimal.NewFromString(r.Multiplier)
		if err != nil {
			return progression.Rule{}, fmt.Errorf("multiplier %q: %w", r.Multiplier, err)
		}
		if multiplier.IsNegative() {
			return progression.Rule{}, fmt.Errorf("multiplier must not be negative")
		}
	}

	active := true
	if r.Active != nil {
		active = *r.Active
	}

	return progression.Rule{
		Source:     xp.SourceRef{SourceType: r.SourceType, ActionType: r.ActionType},
		BasePoints: r.BasePoints,
		Multiplier: multiplier,
		Active:     active,
	}, nil
}

func parseAchievement(a AchievementJSON) (xp.Achievement, error) {
	if a.Code == "" {
		return xp.Achievement{}, fmt.Errorf("code is required")
	}

	kind := xp.ConditionKind(a.Condition.Kind)
	switch kind {
	case xp.CondTotalXPAtLeast, xp.CondLevelAtLeast, xp.CondEventsAtLeast,
		xp.CondUnlocksAtLeast, xp.CondAlways:
	default:
		return xp.Achievement{}, fmt.Errorf("unknown condition kind %q", a.Condition.Kind)
	}

	version := a.Version
	if version == 0 {
		version = 1
	}

	return xp.Achievement{
		Code:     a.Code,
		Title:    a.Title,
		RewardXP: a.RewardXP,
		Version:  version,
		Cond:     xp.Condition{Kind: kind, Threshold: a.Condition.Threshold},
	}, nil
}
