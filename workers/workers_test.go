package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"besitos-engine/config"
	"besitos-engine/db"
	"besitos-engine/logger"
	"besitos-engine/models"
	"besitos-engine/notifications"
	"besitos-engine/services"
)

type harness struct {
	engine   *services.Engine
	clock    *clockwork.FakeClock
	recorder *notifications.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.January, 7, 12, 0, 0, 0, time.UTC))
	rec := &notifications.Recorder{}
	engine, err := services.NewEngine(conn, config.Default(), clock, rec, logger.NewNop())
	require.NoError(t, err)
	return &harness{engine: engine, clock: clock, recorder: rec}
}

func TestStreakSweeperResetsIdleStreaks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := h.engine.Streaks.RecordActivity(ctx, id)
		require.NoError(t, err)
	}
	h.clock.Advance(24 * time.Hour)
	_, err := h.engine.Streaks.RecordActivity(ctx, "carol")
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)

	sw := NewStreakSweeper(h.engine, 1, logger.NewNop())
	stats, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Changed)

	lost := h.recorder.OfKind(notifications.KindStreakLost)
	require.Len(t, lost, 2)
	assert.Equal(t, 1, lost[0].Streak)

	carol, err := h.engine.Streaks.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, carol.Current)

	stats, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Changed)
}

func TestProgressionSweeperAppliesLadderEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		_, err := h.engine.GrantBesitos(ctx, id, 80, "")
		require.NoError(t, err)
	}
	_, err := h.engine.Levels.CreateLevel(ctx, models.LevelSpec{Name: "Regular", MinBalance: 50, OrderIndex: 1})
	require.NoError(t, err)

	sw := NewProgressionSweeper(h.engine, 1, logger.NewNop())
	stats, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Changed)
	assert.Len(t, h.recorder.OfKind(notifications.KindLevelUp), 2)

	stats, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Changed)
}

func TestMissionResetSweeperPersistsRollover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := models.MissionSpec{
		Name:     "Daily",
		Type:     models.MissionDaily,
		Criteria: models.MissionCriteria{Type: models.MissionDaily, Daily: &models.DailyCriteria{Target: 3}},
	}
	m, err := h.engine.Missions.CreateMission(ctx, spec, nil)
	require.NoError(t, err)
	_, err = h.engine.Missions.RecordAction(ctx, "alice", "message", 1)
	require.NoError(t, err)

	sw := NewMissionResetSweeper(h.engine.Missions, 10, logger.NewNop())
	stats, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scanned)

	h.clock.Advance(24 * time.Hour)
	stats, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Changed)

	rows, err := h.engine.Missions.ListProgress(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, m.ID, rows[0].MissionID)
	assert.Equal(t, models.StatusExpired, rows[0].Status)
	assert.Nil(t, rows[0].PeriodEndsAt)
}

type countingSweeper struct{ runs atomic.Int32 }

func (c *countingSweeper) Name() string { return "counting" }

func (c *countingSweeper) RunOnce(context.Context) (SweepStats, error) {
	c.runs.Add(1)
	return SweepStats{Scanned: 1}, nil
}

func TestSchedulerRunsSweepers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched, err := NewScheduler(logger.NewNop(), clock, time.UTC)
	require.NoError(t, err)
	sw := &countingSweeper{}
	require.NoError(t, sched.Every(time.Minute, sw))
	assert.Error(t, sched.Every(0, sw))

	sched.Start()
	defer func() { require.NoError(t, sched.Stop()) }()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return sw.runs.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)
}
