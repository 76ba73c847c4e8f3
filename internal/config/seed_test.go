package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

const seedYAML = `
max_allowed_cpc: 4.50
weights:
  base_algo: 0.9
exclude_days:
  dayparting: 5
rollback_rules:
  - name: steep-regressions
    profit_threshold_pct: 25
    min_tracking_days: 7
    min_sample_count: 30
    auto_rollback: true
`

func TestLoadAlgorithmSeedOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := LoadAlgorithmSeed(path)
	require.NoError(t, err)

	params := models.DefaultAlgorithmParams()
	seed.ApplyTo(&params)

	assert.Equal(t, "4.5", params.MaxAllowedCPC.String())
	assert.Equal(t, 0.9, params.Weights.BaseAlgo)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.8, params.Weights.Dayparting)
	assert.Equal(t, 5, params.DaypartingExcludeDays)
	assert.Equal(t, 1, params.BidExcludeDays)

	rules := seed.SeedRules()
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Actions.AutoRollback)
	assert.Equal(t, models.RulePriorityMedium, rules[0].Actions.Priority)
	assert.Equal(t, 7, rules[0].Conditions.MinTrackingDays)
}

func TestLoadAlgorithmSeedMissingFile(t *testing.T) {
	_, err := LoadAlgorithmSeed(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
