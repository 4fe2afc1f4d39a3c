package services

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"besitos-engine/config"
	"besitos-engine/db"
	"besitos-engine/models"
	"besitos-engine/notifications"
)

// Wednesday noon UTC.
var testStart = time.Date(2026, time.January, 7, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	DB       *gorm.DB
	Clock    *clockwork.FakeClock
	Cfg      config.Config
	Engine   *Engine
	Recorder *notifications.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(*config.Config) {})
}

func newTestEnvWith(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	conn, err := db.OpenMemory(t.Name())
	require.NoError(t, err)
	return newTestEnvOn(t, conn, mutate)
}

// newPooledTestEnv runs on a WAL database file with the production connection
// pool, so goroutines really do hit the database at the same time.
func newPooledTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "besitos.db"))
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	require.Greater(t, sqlDB.Stats().MaxOpenConnections, 1)
	return newTestEnvOn(t, conn, func(cfg *config.Config) {
		cfg.Economy.RetryMaxAttempts = 20
	})
}

func newTestEnvOn(t *testing.T, conn *gorm.DB, mutate func(*config.Config)) *testEnv {
	t.Helper()
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := config.Default()
	cfg.Economy.RetryInitialBackoff = time.Millisecond
	mutate(&cfg)

	clock := clockwork.NewFakeClockAt(testStart)
	rec := &notifications.Recorder{}
	engine, err := NewEngine(conn, cfg, clock, rec, nil)
	require.NoError(t, err)
	return &testEnv{DB: conn, Clock: clock, Cfg: cfg, Engine: engine, Recorder: rec}
}

func ptr[T any](v T) *T { return &v }

func dailySpec(name, action string, target int, besitos int64) models.MissionSpec {
	return models.MissionSpec{
		Name:          name,
		Type:          models.MissionDaily,
		Criteria:      models.MissionCriteria{Type: models.MissionDaily, Daily: &models.DailyCriteria{Target: target, Action: action}},
		RewardBesitos: besitos,
	}
}

func oneTimeSpec(name, action string, besitos int64) models.MissionSpec {
	return models.MissionSpec{
		Name:          name,
		Type:          models.MissionOneTime,
		Criteria:      models.MissionCriteria{Type: models.MissionOneTime, OneTime: &models.OneTimeCriteria{Action: action}},
		RewardBesitos: besitos,
	}
}

func badgeDef(name string, cost *int64) models.RewardDefinition {
	return models.RewardDefinition{
		Name: name,
		Type: models.RewardTypeBadge,
		Metadata: models.RewardMetadata{
			Type:  models.RewardTypeBadge,
			Badge: &models.BadgeMetadata{Icon: "star", Rarity: models.RarityCommon},
		},
		Cost: cost,
	}
}

func bonusDef(name string, amount int64) models.RewardDefinition {
	return models.RewardDefinition{
		Name: name,
		Type: models.RewardTypeCurrencyBonus,
		Metadata: models.RewardMetadata{
			Type:          models.RewardTypeCurrencyBonus,
			CurrencyBonus: &models.CurrencyBonusMetadata{Amount: amount},
		},
	}
}

func count(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(model).Count(&n).Error)
	return n
}
