package services

import (
	"context"
	"strings"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"besitos-engine/config"
	"besitos-engine/logger"
	"besitos-engine/models"
	"besitos-engine/notifications"
)

// Engine is the entry point for collaborators. It sequences the engines for
// one inbound call and emits notifications once the work is committed.
type Engine struct {
	Ledger       *LedgerService
	Levels       *LevelService
	Missions     *MissionService
	Rewards      *RewardService
	Streaks      *StreakService
	Templates    *TemplateService
	Orchestrator *OrchestratorService

	Economy  config.EconomyConfig
	Notifier notifications.Notifier
	Log      *logger.Logger
	Clock    clockwork.Clock
}

// NewEngine wires every engine over one database handle.
func NewEngine(db *gorm.DB, cfg config.Config, clock clockwork.Clock, notifier notifications.Notifier, log *logger.Logger) (*Engine, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	periods, err := NewPeriods(cfg.Missions, loc)
	if err != nil {
		return nil, err
	}
	retry := RetryPolicy{MaxAttempts: cfg.Economy.RetryMaxAttempts, InitialBackoff: cfg.Economy.RetryInitialBackoff}

	ledger := NewLedgerService(db, clock, retry)
	levels := NewLevelService(db, clock, retry)
	rewards := NewRewardService(db, clock, retry, ledger)
	missions := NewMissionService(db, clock, retry, periods, ledger, rewards, cfg.Streaks.MaxGapDays)
	streaks := NewStreakService(db, clock, retry, periods, cfg.Streaks, ledger)
	templates := NewTemplateService(db, clock)
	return &Engine{
		Ledger:       ledger,
		Levels:       levels,
		Missions:     missions,
		Rewards:      rewards,
		Streaks:      streaks,
		Templates:    templates,
		Orchestrator: NewOrchestratorService(db, levels, missions, rewards, templates),
		Economy:      cfg.Economy,
		Notifier:     notifier,
		Log:          log,
		Clock:        clock,
	}, nil
}

// ActionEvent is "a user performed a rewarded action".
type ActionEvent struct {
	AccountID string `json:"account_id"`
	Action    string `json:"action"`
}

// ActionOutcome is everything one action changed.
type ActionOutcome struct {
	Awarded     int64               `json:"awarded"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	Balance     int64               `json:"balance"`
	Streak      models.Streak       `json:"streak"`
	Missions    []ProgressUpdate    `json:"-"`
	Completed   []string            `json:"completed_missions,omitempty"`
	LevelUp     bool                `json:"level_up"`
	Level       *models.Level       `json:"level,omitempty"`
}

func (e *Engine) notify(ctx context.Context, n notifications.Notification) {
	if e.Notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = e.Clock.Now().UTC()
	}
	e.Notifier.Notify(ctx, n)
}

// HandleAction credits the action's besitos, counts streak and mission progress,
// and re-evaluates the account's level.
func (e *Engine) HandleAction(ctx context.Context, ev ActionEvent) (*ActionOutcome, error) {
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return nil, invalidf("action", "required")
	}
	if _, err := e.Ledger.EnsureAccount(ctx, ev.AccountID); err != nil {
		return nil, err
	}
	out := &ActionOutcome{}

	if amount := e.Economy.ActionReward(action); amount > 0 {
		t, err := e.Ledger.Grant(ctx, ev.AccountID, amount, Reason{Code: "action:" + slugKey(action), Category: models.CategoryAction})
		if err != nil {
			return nil, err
		}
		out.Awarded = amount
		out.Transaction = t
	}

	streak, err := e.Streaks.RecordActivity(ctx, ev.AccountID)
	if err != nil {
		return nil, err
	}
	out.Streak = streak.Streak
	if streak.Milestone {
		e.notify(ctx, notifications.Notification{
			Kind:      notifications.KindStreakMilestone,
			AccountID: ev.AccountID,
			Streak:    streak.Streak.Current,
		})
	}

	updates, err := e.Missions.RecordAction(ctx, ev.AccountID, action, 1)
	if err != nil {
		return nil, err
	}
	out.Missions = updates
	for _, u := range updates {
		if !u.Completed {
			continue
		}
		out.Completed = append(out.Completed, u.Mission.ID)
		e.notify(ctx, notifications.Notification{
			Kind:        notifications.KindMissionCompleted,
			AccountID:   ev.AccountID,
			MissionID:   u.Mission.ID,
			MissionName: u.Mission.Name,
		})
	}

	change, err := e.SyncLevel(ctx, ev.AccountID)
	if err != nil {
		return nil, err
	}
	out.LevelUp = change.Up()
	out.Level = change.New

	balance, err := e.Ledger.Balance(ctx, ev.AccountID)
	if err != nil {
		return nil, err
	}
	out.Balance = balance
	return out, nil
}

// SyncLevel applies the level implied by the balance. On a level-up it grants
// the level's benefit rewards and notifies; moving down is silent.
func (e *Engine) SyncLevel(ctx context.Context, accountID string) (LevelChange, error) {
	change, err := e.Levels.CheckAndApplyLevelUp(ctx, accountID)
	if err != nil || !change.Up() {
		return change, err
	}
	e.notify(ctx, notifications.Notification{
		Kind:      notifications.KindLevelUp,
		AccountID: accountID,
		LevelID:   change.New.ID,
		LevelName: change.New.Name,
	})
	for _, rewardID := range change.New.Benefits.Data().RewardIDs {
		g, err := e.Rewards.Grant(ctx, accountID, rewardID, models.MethodLevelUp)
		if err != nil {
			e.Log.Warn("level benefit grant failed", "account_id", accountID, "level", change.New.Name, "reward_id", rewardID, "error", err)
			continue
		}
		e.notifyGrant(ctx, accountID, g)
	}
	return change, nil
}

func (e *Engine) notifyGrant(ctx context.Context, accountID string, g GrantResult) {
	if !g.Granted || g.Reward == nil {
		return
	}
	e.notify(ctx, notifications.Notification{
		Kind:       notifications.KindRewardUnlocked,
		AccountID:  accountID,
		RewardID:   g.Reward.ID,
		RewardName: g.Reward.Name,
	})
}

// StartMission is the explicit "start" call.
func (e *Engine) StartMission(ctx context.Context, accountID, missionID string) (*models.MissionProgress, error) {
	return e.Missions.Start(ctx, accountID, missionID)
}

// ClaimMission pays out a completed mission and notifies for each new reward.
func (e *Engine) ClaimMission(ctx context.Context, accountID, missionID string) (*ClaimResult, error) {
	res, err := e.Missions.Claim(ctx, accountID, missionID)
	if err != nil {
		return nil, err
	}
	for _, g := range res.Rewards {
		e.notifyGrant(ctx, accountID, g)
	}
	if _, err := e.SyncLevel(ctx, accountID); err != nil {
		e.Log.Warn("level sync after claim failed", "account_id", accountID, "error", err)
	}
	return res, nil
}

// Purchase buys a reward and notifies the unlock.
func (e *Engine) Purchase(ctx context.Context, accountID, rewardID string) (*PurchaseResult, error) {
	res, err := e.Rewards.Purchase(ctx, accountID, rewardID)
	if err != nil {
		return nil, err
	}
	e.notifyGrant(ctx, accountID, GrantResult{UserReward: res.UserReward, Reward: res.Reward, Granted: true})
	if _, err := e.SyncLevel(ctx, accountID); err != nil {
		e.Log.Warn("level sync after purchase failed", "account_id", accountID, "error", err)
	}
	return res, nil
}

// GrantReward is the administrative grant.
func (e *Engine) GrantReward(ctx context.Context, accountID, rewardID string) (GrantResult, error) {
	g, err := e.Rewards.Grant(ctx, accountID, rewardID, models.MethodAdminGrant)
	if err != nil {
		return g, err
	}
	e.notifyGrant(ctx, accountID, g)
	if g.Granted && g.Reward.Type == models.RewardTypeCurrencyBonus {
		if _, err := e.SyncLevel(ctx, accountID); err != nil {
			e.Log.Warn("level sync after grant failed", "account_id", accountID, "error", err)
		}
	}
	return g, nil
}

// GrantBesitos is the administrative credit.
func (e *Engine) GrantBesitos(ctx context.Context, accountID string, amount int64, reason string) (*models.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "admin"
	}
	if _, err := e.Ledger.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	t, err := e.Ledger.Grant(ctx, accountID, amount, Reason{Code: reason, Category: models.CategoryAdmin})
	if err != nil {
		return nil, err
	}
	if _, err := e.SyncLevel(ctx, accountID); err != nil {
		e.Log.Warn("level sync after admin grant failed", "account_id", accountID, "error", err)
	}
	return t, nil
}

// NotifyStreakLost is used by the streak sweeper after a reset.
func (e *Engine) NotifyStreakLost(ctx context.Context, accountID string, length int) {
	e.notify(ctx, notifications.Notification{
		Kind:      notifications.KindStreakLost,
		AccountID: accountID,
		Streak:    length,
	})
}
