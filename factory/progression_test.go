package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/factory"
	"github.com/warp/xp-engine/xp"
)

func TestParse_FullConfig(t *testing.T) {
	// GIVEN: A complete JSON progression config
	// WHEN: Parsing it
	// THEN: Levels, rules, and achievements all come out typed and validated

	jsonConfig := `{
		"levels": [
			{"level": 1, "xp_required": 0, "title": "Rookie"},
			{"level": 2, "xp_required": 200, "title": "Pro", "badge": "gold"}
		],
		"rules": [
			{"source_type": "lesson", "action_type": "completed", "base_points": 40},
			{"source_type": "streak", "action_type": "weekly", "base_points": 100, "multiplier": "1.15"}
		],
		"achievements": [
			{"code": "starter", "title": "Starter", "reward_xp": 10,
			 "condition": {"kind": "events_at_least", "threshold": 1}}
		]
	}`

	cfg, err := factory.Parse([]byte(jsonConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Levels, 2)
	assert.Equal(t, "Pro", cfg.Levels[1].Title)
	assert.Equal(t, "gold", cfg.Levels[1].Badge)

	points, ok := cfg.Rules.PointsFor(xp.SourceRef{SourceType: "lesson", ActionType: "completed"})
	require.True(t, ok)
	assert.Equal(t, int64(40), points)

	points, ok = cfg.Rules.PointsFor(xp.SourceRef{SourceType: "streak", ActionType: "weekly"})
	require.True(t, ok)
	assert.Equal(t, int64(115), points, "decimal multiplier must be exact")

	ach, err := cfg.Achievements.Achievement(context.Background(), "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(10), ach.RewardXP)
	assert.Equal(t, 1, ach.Version, "version defaults to 1")
}

func TestParse_EmptySectionsFallBackToDefaults(t *testing.T) {
	cfg, err := factory.Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Len(t, cfg.Levels, 10)
	_, ok := cfg.Rules.PointsFor(xp.SourceRef{SourceType: "lesson", ActionType: "completed"})
	assert.True(t, ok)

	_, err = cfg.Achievements.Achievement(context.Background(), "first-steps")
	assert.NoError(t, err)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"malformed json", `{"levels": [`},
		{"unsorted levels", `{"levels": [
			{"level": 2, "xp_required": 100, "title": "B"},
			{"level": 1, "xp_required": 0, "title": "A"}]}`},
		{"rule missing action", `{"rules": [
			{"source_type": "lesson", "base_points": 50}]}`},
		{"rule zero points", `{"rules": [
			{"source_type": "lesson", "action_type": "completed", "base_points": 0}]}`},
		{"negative multiplier", `{"rules": [
			{"source_type": "lesson", "action_type": "completed", "base_points": 50, "multiplier": "-1"}]}`},
		{"float multiplier literal", `{"rules": [
			{"source_type": "lesson", "action_type": "completed", "base_points": 50, "multiplier": "not-a-number"}]}`},
		{"unknown condition kind", `{"achievements": [
			{"code": "x", "title": "X", "reward_xp": 1, "condition": {"kind": "weird"}}]}`},
		{"achievement missing code", `{"achievements": [
			{"title": "X", "reward_xp": 1, "condition": {"kind": "always"}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := factory.Parse([]byte(tc.json))
			assert.Error(t, err)
		})
	}
}

func TestParse_InactiveRule(t *testing.T) {
	cfg, err := factory.Parse([]byte(`{"rules": [
		{"source_type": "lesson", "action_type": "completed", "base_points": 50, "active": false}]}`))
	require.NoError(t, err)

	_, ok := cfg.Rules.PointsFor(xp.SourceRef{SourceType: "lesson", ActionType: "completed"})
	assert.False(t, ok)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progression.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"levels": [
			{"level": 1, "xp_required": 0, "title": "Only"}
		]
	}`), 0o644))

	cfg, err := factory.ParseFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Levels, 1)
	assert.Equal(t, "Only", cfg.Levels[0].Title)

	_, err = factory.ParseFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
