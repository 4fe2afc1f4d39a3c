package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"besitos-engine/models"
)

func TestPurchaseWithInsufficientBalanceChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	reward, err := e.Rewards.CreateReward(ctx, badgeDef("Shiny", ptr[int64](50)), nil)
	require.NoError(t, err)
	_, err = e.GrantBesitos(ctx, "alice", 40, "")
	require.NoError(t, err)

	_, err = e.Purchase(ctx, "alice", reward.ID)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err := e.Ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	owned, err := e.Rewards.Owns(ctx, "alice", reward.ID)
	require.NoError(t, err)
	assert.False(t, owned)
	assert.Equal(t, int64(1), count(t, env.DB, &models.Transaction{}))
}

func TestPurchaseDeductsAndGrantsTogether(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	reward, err := e.Rewards.CreateReward(ctx, badgeDef("Shiny", ptr[int64](50)), nil)
	require.NoError(t, err)
	_, err = e.GrantBesitos(ctx, "alice", 80, "")
	require.NoError(t, err)

	res, err := e.Purchase(ctx, "alice", reward.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(-50), res.Transaction.Amount)
	assert.Equal(t, "purchase:shiny", res.Transaction.Reason)
	assert.Equal(t, models.MethodPurchase, res.UserReward.Method)

	balance, err := e.Ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	_, err = e.Purchase(ctx, "alice", reward.ID)
	assert.ErrorIs(t, err, ErrAlreadyOwned)
	balance, err = e.Ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestConcurrentPurchasesOfUniqueReward(t *testing.T) {
	env := newPooledTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	reward, err := e.Rewards.CreateReward(ctx, badgeDef("Shiny", ptr[int64](10)), nil)
	require.NoError(t, err)
	_, err = e.GrantBesitos(ctx, "alice", 100, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Rewards.Purchase(ctx, "alice", reward.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), count(t, env.DB, &models.UserReward{}))
	balance, err := e.Ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestPurchaseRespectsUnlockCondition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	unlock := &models.UnlockCondition{Type: models.ConditionCurrencyThreshold, Amount: 100}
	reward, err := e.Rewards.CreateReward(ctx, badgeDef("Rich Badge", ptr[int64](10)), unlock)
	require.NoError(t, err)
	_, err = e.GrantBesitos(ctx, "alice", 60, "")
	require.NoError(t, err)

	_, err = e.Purchase(ctx, "alice", reward.ID)
	assert.ErrorIs(t, err, ErrLockedReward)

	check, err := e.Rewards.CheckUnlockConditions(ctx, "alice", reward.ID)
	require.NoError(t, err)
	assert.False(t, check.Unlocked)
	require.Len(t, check.Unmet, 1)
	assert.Equal(t, models.ConditionCurrencyThreshold, check.Unmet[0].Type)

	_, err = e.GrantBesitos(ctx, "alice", 40, "")
	require.NoError(t, err)
	_, err = e.Purchase(ctx, "alice", reward.ID)
	assert.NoError(t, err)
}

func TestPurchaseNotForSale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	free, err := e.Rewards.CreateReward(ctx, badgeDef("Mission Only", nil), nil)
	require.NoError(t, err)
	_, err = e.Purchase(ctx, "alice", free.ID)
	assert.ErrorIs(t, err, ErrNotPurchasable)

	shop, err := e.Rewards.CreateReward(ctx, badgeDef("Retired", ptr[int64](1)), nil)
	require.NoError(t, err)
	require.NoError(t, e.Rewards.DeactivateReward(ctx, shop.ID))
	_, err = e.Purchase(ctx, "alice", shop.ID)
	assert.ErrorIs(t, err, ErrNotPurchasable)

	_, err = e.Purchase(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFreeRewardPurchaseWritesNoTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reward, err := env.Engine.Rewards.CreateReward(ctx, badgeDef("Gift", ptr[int64](0)), nil)
	require.NoError(t, err)
	res, err := env.Engine.Purchase(ctx, "alice", reward.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, int64(0), count(t, env.DB, &models.Transaction{}))
}

func TestGrantIsIdempotentForUniqueRewards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	reward, err := e.Rewards.CreateReward(ctx, badgeDef("Once", nil), nil)
	require.NoError(t, err)

	first, err := e.GrantReward(ctx, "alice", reward.ID)
	require.NoError(t, err)
	assert.True(t, first.Granted)
	second, err := e.GrantReward(ctx, "alice", reward.ID)
	require.NoError(t, err)
	assert.False(t, second.Granted)
	assert.Equal(t, first.UserReward.ID, second.UserReward.ID)
	assert.Len(t, env.Recorder.OfKind("reward_unlocked"), 1)
}

func TestRepeatableRewardIsOwnedManyTimes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	def := badgeDef("Sticker", ptr[int64](5))
	def.Repeatable = true
	reward, err := e.Rewards.CreateReward(ctx, def, nil)
	require.NoError(t, err)
	_, err = e.GrantBesitos(ctx, "alice", 20, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Purchase(ctx, "alice", reward.ID)
		require.NoError(t, err)
	}
	rows, err := e.Rewards.UserRewards(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	require.NotNil(t, rows[0].Reward)
	assert.Equal(t, "Sticker", rows[0].Reward.Name)

	revoked, err := e.Rewards.Revoke(ctx, "alice", reward.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)
}

func TestCurrencyBonusCreditsLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.Engine

	bonus, err := e.Rewards.CreateReward(ctx, bonusDef("Welcome Bonus", 25), nil)
	require.NoError(t, err)
	_, err = e.GrantReward(ctx, "alice", bonus.ID)
	require.NoError(t, err)

	history, err := e.Ledger.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(25), history[0].Amount)
	assert.Equal(t, models.CategoryRewardBonus, history[0].Category)
}

func TestCreateRewardValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.Engine.Rewards

	_, err := r.CreateReward(ctx, badgeDef("Shiny", nil), nil)
	require.NoError(t, err)
	_, err = r.CreateReward(ctx, badgeDef("SHINY", nil), nil)
	assert.ErrorIs(t, err, ErrValidation)

	mismatched := badgeDef("Mismatch", nil)
	mismatched.Type = models.RewardTypeTitle
	_, err = r.CreateReward(ctx, mismatched, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = r.CreateReward(ctx, badgeDef("Negative", ptr[int64](-1)), nil)
	assert.ErrorIs(t, err, ErrValidation)

	dangling := &models.UnlockCondition{Type: models.ConditionMissionComplete, MissionID: "nope"}
	_, err = r.CreateReward(ctx, badgeDef("Dangling", nil), dangling)
	require.ErrorIs(t, err, ErrValidation)
	issues := IssuesOf(err)
	require.Len(t, issues, 1)
	assert.Equal(t, "reward.unlock.mission_id", issues[0].Path)
}

func TestListRewardsFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.Engine.Rewards

	_, err := r.CreateReward(ctx, badgeDef("B", nil), nil)
	require.NoError(t, err)
	bonus, err := r.CreateReward(ctx, bonusDef("A", 1), nil)
	require.NoError(t, err)
	require.NoError(t, r.DeactivateReward(ctx, bonus.ID))

	all, err := r.ListRewards(ctx, RewardFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := r.ListRewards(ctx, RewardFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].Name)
	bonuses, err := r.ListRewards(ctx, RewardFilter{Type: models.RewardTypeCurrencyBonus})
	require.NoError(t, err)
	assert.Len(t, bonuses, 1)
}
