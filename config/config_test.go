package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayersYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "besitos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: "file:from-yaml.db"
timezone: "America/Mexico_City"
economy:
  default_action_reward: 3
  action_rewards:
    reaction: 7
streaks:
  milestones: [2, 4]
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SWEEPERS_BATCH_SIZE", "50")
	t.Setenv("STREAKS_INACTIVITY_THRESHOLD", "36h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file:from-yaml.db", cfg.DatabaseURL)
	assert.Equal(t, int64(7), cfg.Economy.ActionReward("reaction"))
	assert.Equal(t, int64(3), cfg.Economy.ActionReward("comment"))
	assert.Equal(t, []int{2, 4}, cfg.Streaks.Milestones)
	assert.Equal(t, 50, cfg.Sweepers.BatchSize)
	assert.Equal(t, 36*time.Hour, cfg.Streaks.InactivityThreshold)
	// untouched defaults survive both layers
	assert.Equal(t, "0 0 * * *", cfg.Missions.DailyResetCron)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Mexico_City", loc.String())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Streaks.MaxGapDays = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Economy.ActionRewards = map[string]int64{"spam": -1}
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
