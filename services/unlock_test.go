package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"besitos-engine/models"
)

func TestUnlockEvaluation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine
	ladder := seedLadder(t, env)

	mission, err := e.Missions.CreateMission(ctx, oneTimeSpec("Intro", "intro", 0), nil)
	require.NoError(t, err)

	cond := &models.UnlockCondition{Type: models.ConditionAllOf, Conditions: []models.UnlockCondition{
		{Type: models.ConditionMissionComplete, MissionID: mission.ID},
		{Type: models.ConditionLevelReached, LevelID: ladder["Regular"].ID},
		{Type: models.ConditionCurrencyThreshold, Amount: 70},
	}}
	eval := func() UnlockResult {
		res, err := newUnlockEvaluator(env.DB, "alice").Evaluate(cond)
		require.NoError(t, err)
		return res
	}

	res := eval()
	assert.False(t, res.Unlocked)
	assert.Len(t, res.Unmet, 3)

	_, err = e.GrantBesitos(ctx, "alice", 60, "")
	require.NoError(t, err)
	res = eval()
	require.Len(t, res.Unmet, 2)
	assert.Equal(t, models.ConditionMissionComplete, res.Unmet[0].Type)
	assert.Equal(t, models.ConditionCurrencyThreshold, res.Unmet[1].Type)

	_, err = e.HandleAction(ctx, ActionEvent{AccountID: "alice", Action: "intro"})
	require.NoError(t, err)
	res = eval()
	assert.True(t, res.Unlocked, "%+v", res.Unmet)

	// reaching a higher level also satisfies level_reached
	_, err = e.GrantBesitos(ctx, "alice", 100, "")
	require.NoError(t, err)
	assert.True(t, eval().Unlocked)
}

func TestUnlockEvaluationDoesNotWrite(t *testing.T) {
	env := newTestEnv(t)
	cond := &models.UnlockCondition{Type: models.ConditionCurrencyThreshold, Amount: 1}
	res, err := newUnlockEvaluator(env.DB, "stranger").Evaluate(cond)
	require.NoError(t, err)
	assert.False(t, res.Unlocked)
	assert.Equal(t, int64(0), count(t, env.DB, &models.Account{}))
}

func TestUnlockUnknownLevel(t *testing.T) {
	env := newTestEnv(t)
	cond := &models.UnlockCondition{Type: models.ConditionLevelReached, LevelID: "gone"}
	_, err := newUnlockEvaluator(env.DB, "alice").Evaluate(cond)
	assert.ErrorIs(t, err, ErrNotFound)
}
