package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"besitos-engine/models"
)

// UnlockResult is the outcome of evaluating a predicate. Unmet lists the leaf
// conditions that failed, flattened out of any all_of.
type UnlockResult struct {
	Unlocked bool                     `json:"unlocked"`
	Unmet    []models.UnlockCondition `json:"unmet,omitempty"`
}

// accountState is the snapshot the predicates read.
type accountState struct {
	balance    int64
	levelOrder *int
}

// unlockEvaluator checks predicates against one account. It only reads.
type unlockEvaluator struct {
	tx        *gorm.DB
	accountID string
	state     *accountState
}

func newUnlockEvaluator(tx *gorm.DB, accountID string) *unlockEvaluator {
	return &unlockEvaluator{tx: tx, accountID: accountID}
}

func (e *unlockEvaluator) load() (*accountState, error) {
	if e.state != nil {
		return e.state, nil
	}
	st := &accountState{}
	var acct models.Account
	err := e.tx.First(&acct, "id = ?", e.accountID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// an account that never interacted has nothing
	case err != nil:
		return nil, err
	default:
		st.balance = acct.Balance
		if acct.LevelID != nil {
			var l models.Level
			if err := e.tx.Unscoped().Select("order_index").First(&l, "id = ?", *acct.LevelID).Error; err == nil {
				order := l.OrderIndex
				st.levelOrder = &order
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}
	e.state = st
	return st, nil
}

func (e *unlockEvaluator) Evaluate(cond *models.UnlockCondition) (UnlockResult, error) {
	if cond == nil {
		return UnlockResult{Unlocked: true}, nil
	}
	unmet, err := e.unmet(*cond)
	if err != nil {
		return UnlockResult{}, err
	}
	return UnlockResult{Unlocked: len(unmet) == 0, Unmet: unmet}, nil
}

func (e *unlockEvaluator) unmet(cond models.UnlockCondition) ([]models.UnlockCondition, error) {
	switch cond.Type {
	case models.ConditionAllOf:
		var out []models.UnlockCondition
		for _, sub := range cond.Conditions {
			u, err := e.unmet(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, u...)
		}
		return out, nil

	case models.ConditionMissionComplete:
		var count int64
		if err := e.tx.Model(&models.MissionProgress{}).
			Where("account_id = ? AND mission_id = ? AND completion_count > 0", e.accountID, cond.MissionID).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, nil
		}
		return []models.UnlockCondition{cond}, nil

	case models.ConditionLevelReached:
		var ref models.Level
		if err := e.tx.Unscoped().First(&ref, "id = ?", cond.LevelID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, notFound("level", cond.LevelID)
			}
			return nil, err
		}
		st, err := e.load()
		if err != nil {
			return nil, err
		}
		if st.levelOrder != nil && *st.levelOrder >= ref.OrderIndex {
			return nil, nil
		}
		return []models.UnlockCondition{cond}, nil

	case models.ConditionCurrencyThreshold:
		st, err := e.load()
		if err != nil {
			return nil, err
		}
		if st.balance >= cond.Amount {
			return nil, nil
		}
		return []models.UnlockCondition{cond}, nil
	}
	return nil, invalidf("unlock.type", "unknown condition type %q", cond.Type)
}

// conditionRefsTx verifies every mission/level id a stored condition names exists.
func conditionRefsTx(tx *gorm.DB, cond *models.UnlockCondition, path string) ([]models.Issue, error) {
	if cond == nil {
		return nil, nil
	}
	var issues []models.Issue
	switch cond.Type {
	case models.ConditionMissionComplete:
		ok, err := exists(tx, &models.Mission{}, cond.MissionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			issues = append(issues, models.Issue{Path: path + ".mission_id", Message: "unknown mission " + cond.MissionID})
		}
	case models.ConditionLevelReached:
		ok, err := exists(tx, &models.Level{}, cond.LevelID)
		if err != nil {
			return nil, err
		}
		if !ok {
			issues = append(issues, models.Issue{Path: path + ".level_id", Message: "unknown level " + cond.LevelID})
		}
	case models.ConditionAllOf:
		for i := range cond.Conditions {
			sub, err := conditionRefsTx(tx, &cond.Conditions[i], fmt.Sprintf("%s.conditions[%d]", path, i))
			if err != nil {
				return nil, err
			}
			issues = append(issues, sub...)
		}
	}
	return issues, nil
}

func exists(tx *gorm.DB, model any, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var count int64
	if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
