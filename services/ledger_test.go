package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"besitos-engine/models"
)

var adminReason = Reason{Code: "test", Category: models.CategoryAdmin}

func TestGrantAppendsOneTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ledger := env.Engine.Ledger

	_, err := ledger.EnsureAccount(ctx, "alice")
	require.NoError(t, err)

	tx, err := ledger.Grant(ctx, "alice", 100, adminReason)
	require.NoError(t, err)
	assert.Equal(t, int64(100), tx.Amount)
	assert.Equal(t, models.CategoryAdmin, tx.Category)

	balance, err := ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	history, err := ledger.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(100), history[0].Amount)
}

func TestDeductRejectsOverdraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ledger := env.Engine.Ledger

	_, err := ledger.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = ledger.Grant(ctx, "alice", 40, adminReason)
	require.NoError(t, err)

	_, err = ledger.Deduct(ctx, "alice", 50, Reason{Code: "purchase:x", Category: models.CategoryPurchase})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	acct, err := ledger.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Balance)
	assert.Equal(t, int64(0), acct.TotalSpent)
	assert.Equal(t, int64(1), count(t, env.DB, &models.Transaction{}))
}

func TestLedgerRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ledger := env.Engine.Ledger

	_, err := ledger.Grant(ctx, "", 10, adminReason)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ledger.Grant(ctx, "alice", 0, adminReason)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ledger.Grant(ctx, "alice", 10, Reason{Code: "x", Category: "refund"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ledger.Grant(ctx, "ghost", 10, adminReason)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ledger.Deduct(ctx, "ghost", 10, adminReason)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		acct, err := env.Engine.Ledger.EnsureAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), acct.Balance)
	}
	assert.Equal(t, int64(1), count(t, env.DB, &models.Account{}))
}

func TestBalanceAlwaysMatchesLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ledger := env.Engine.Ledger
	_, err := ledger.EnsureAccount(ctx, "alice")
	require.NoError(t, err)

	ops := []int64{50, -20, 70, -200, 5, -105, 30}
	for _, amount := range ops {
		if amount > 0 {
			_, err = ledger.Grant(ctx, "alice", amount, adminReason)
			require.NoError(t, err)
		} else {
			_, err = ledger.Deduct(ctx, "alice", -amount, Reason{Code: "spend", Category: models.CategoryPurchase})
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientBalance)
			}
		}
		report, err := ledger.Reconcile(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, report.Consistent, "%+v", report)
		assert.GreaterOrEqual(t, report.Balance, int64(0))
	}

	report, err := ledger.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(30), report.Balance)
	assert.Equal(t, int64(155), report.TotalEarned)
	assert.Equal(t, int64(125), report.TotalSpent)
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	env := newPooledTestEnv(t)
	ctx := context.Background()
	ledger := env.Engine.Ledger
	_, err := ledger.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = ledger.Grant(ctx, "alice", 100, adminReason)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Deduct(ctx, "alice", 30, Reason{Code: "spend", Category: models.CategoryPurchase})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	balance, err := ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestConcurrentGrantsAllLand(t *testing.T) {
	env := newPooledTestEnv(t)
	ctx := context.Background()
	ledger := env.Engine.Ledger
	_, err := ledger.EnsureAccount(ctx, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Grant(ctx, "alice", 1, adminReason); err != nil {
				t.Errorf("grant: %v", err)
			}
		}()
	}
	wg.Wait()

	report, err := ledger.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Consistent, "%+v", report)
	assert.Equal(t, int64(40), report.Balance)
	assert.Equal(t, int64(40), count(t, env.DB, &models.Transaction{}))
}

func TestHistoryIsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ledger := env.Engine.Ledger
	_, err := ledger.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	for _, amount := range []int64{1, 2, 3} {
		_, err := ledger.Grant(ctx, "alice", amount, adminReason)
		require.NoError(t, err)
	}
	history, err := ledger.History(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(3), history[0].Amount)
	assert.Equal(t, int64(2), history[1].Amount)
}

func TestAccountIDsPagesInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"carol", "alice", "bob"} {
		_, err := env.Engine.Ledger.EnsureAccount(ctx, id)
		require.NoError(t, err)
	}
	first, err := env.Engine.Ledger.AccountIDs(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, first)
	rest, err := env.Engine.Ledger.AccountIDs(ctx, first[len(first)-1], 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, rest)
}
