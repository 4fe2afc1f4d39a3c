package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"besitos-engine/models"
)

// RewardService owns the reward catalog and reward ownership.
type RewardService struct {
	DB     *gorm.DB
	Clock  clockwork.Clock
	Retry  RetryPolicy
	Ledger *LedgerService
}

func NewRewardService(db *gorm.DB, clock clockwork.Clock, retry RetryPolicy, ledger *LedgerService) *RewardService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RewardService{DB: db, Clock: clock, Retry: retry, Ledger: ledger}
}

// GrantResult tells whether a grant created a new ownership row.
type GrantResult struct {
	UserReward *models.UserReward
	Reward     *models.Reward
	Granted    bool
}

// PurchaseResult is a committed purchase.
type PurchaseResult struct {
	UserReward  *models.UserReward
	Reward      *models.Reward
	Transaction *models.Transaction
}

type RewardFilter struct {
	Type       models.RewardType
	ActiveOnly bool
}

func validateRewardDefinition(def models.RewardDefinition, path string) []models.Issue {
	var issues []models.Issue
	if !validName(def.Name) {
		issues = append(issues, models.Issue{Path: path + ".name", Message: "required, at most 128 characters"})
	}
	if !def.Type.Valid() {
		return append(issues, models.Issue{Path: path + ".type", Message: fmt.Sprintf("unknown reward type %q", def.Type)})
	}
	issues = append(issues, def.Metadata.Validate(def.Type, path+".metadata")...)
	if def.Cost != nil && *def.Cost < 0 {
		issues = append(issues, models.Issue{Path: path + ".cost", Message: "must be >= 0"})
	}
	return issues
}

func validateUnlockShape(cond *models.UnlockCondition, path string) []models.Issue {
	if cond == nil {
		return nil
	}
	return cond.Validate(path)
}

func rewardNameTakenTx(tx *gorm.DB, name, excludeID string) (bool, error) {
	var names []string
	q := tx.Unscoped().Model(&models.Reward{})
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Pluck("name", &names).Error; err != nil {
		return false, err
	}
	folded := foldName(name)
	for _, n := range names {
		if foldName(n) == folded {
			return true, nil
		}
	}
	return false, nil
}

func (s *RewardService) CreateReward(ctx context.Context, def models.RewardDefinition, unlock *models.UnlockCondition) (*models.Reward, error) {
	issues := validateRewardDefinition(def, "reward")
	issues = append(issues, validateUnlockShape(unlock, "reward.unlock")...)
	if len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	var out *models.Reward
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		refIssues, err := conditionRefsTx(tx, unlock, "reward.unlock")
		if err != nil {
			return err
		}
		if len(refIssues) > 0 {
			return newValidationError(refIssues)
		}
		r, err := s.createRewardTx(tx, def, unlock, "reward")
		out = r
		return err
	})
	return out, err
}

// createRewardTx assumes def and unlock were already validated.
func (s *RewardService) createRewardTx(tx *gorm.DB, def models.RewardDefinition, unlock *models.UnlockCondition, path string) (*models.Reward, error) {
	taken, err := rewardNameTakenTx(tx, def.Name, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, invalidf(path+".name", "reward %q already exists", def.Name)
	}
	reward := models.Reward{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Description: def.Description,
		Type:        def.Type,
		Metadata:    datatypes.NewJSONType(def.Metadata),
		Unlock:      datatypes.NewJSONType(unlock),
		Cost:        def.Cost,
		Repeatable:  def.Repeatable,
		Active:      true,
	}
	if err := tx.Create(&reward).Error; err != nil {
		return nil, err
	}
	return &reward, nil
}

func (s *RewardService) UpdateReward(ctx context.Context, id string, def models.RewardDefinition, unlock *models.UnlockCondition) (*models.Reward, error) {
	issues := validateRewardDefinition(def, "reward")
	issues = append(issues, validateUnlockShape(unlock, "reward.unlock")...)
	if len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	var out models.Reward
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("reward", id)
			}
			return err
		}
		refIssues, err := conditionRefsTx(tx, unlock, "reward.unlock")
		if err != nil {
			return err
		}
		if len(refIssues) > 0 {
			return newValidationError(refIssues)
		}
		taken, err := rewardNameTakenTx(tx, def.Name, id)
		if err != nil {
			return err
		}
		if taken {
			return invalidf("reward.name", "reward %q already exists", def.Name)
		}
		out.Name = def.Name
		out.Description = def.Description
		out.Type = def.Type
		out.Metadata = datatypes.NewJSONType(def.Metadata)
		out.Unlock = datatypes.NewJSONType(unlock)
		out.Cost = def.Cost
		out.Repeatable = def.Repeatable
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateReward hides a reward from purchase and grants; owners keep it.
func (s *RewardService) DeactivateReward(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Model(&models.Reward{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("reward", id)
	}
	return nil
}

func (s *RewardService) GetReward(ctx context.Context, id string) (*models.Reward, error) {
	return loadReward(s.DB.WithContext(ctx), id)
}

func loadReward(tx *gorm.DB, id string) (*models.Reward, error) {
	var r models.Reward
	if err := tx.First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("reward", id)
		}
		return nil, err
	}
	return &r, nil
}

func (s *RewardService) ListRewards(ctx context.Context, filter RewardFilter) ([]models.Reward, error) {
	q := s.DB.WithContext(ctx).Order("name ASC")
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	var out []models.Reward
	return out, q.Find(&out).Error
}

// CheckUnlockConditions evaluates the reward's predicate for the account without writing.
func (s *RewardService) CheckUnlockConditions(ctx context.Context, accountID, rewardID string) (UnlockResult, error) {
	reward, err := s.GetReward(ctx, rewardID)
	if err != nil {
		return UnlockResult{}, err
	}
	return newUnlockEvaluator(s.DB.WithContext(ctx), accountID).Evaluate(reward.UnlockCondition())
}

// Grant gives the reward to the account regardless of its unlock condition.
// Granting a non-repeatable reward twice is a no-op (Granted=false).
func (s *RewardService) Grant(ctx context.Context, accountID, rewardID string, method models.AcquisitionMethod) (GrantResult, error) {
	if err := validateAccountID(accountID); err != nil {
		return GrantResult{}, err
	}
	if !method.Valid() {
		return GrantResult{}, invalidf("method", "unknown acquisition method %q", method)
	}
	var out GrantResult
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.Ledger.ensureAccountTx(tx, accountID); err != nil {
				return err
			}
			reward, err := loadReward(tx, rewardID)
			if err != nil {
				return err
			}
			if !reward.Active {
				return fmt.Errorf("reward %q is inactive: %w", rewardID, ErrNotFound)
			}
			res, err := s.grantTx(tx, accountID, reward, method)
			out = res
			return err
		})
	})
	return out, err
}

func ownershipKey(accountID string, reward *models.Reward) string {
	if reward.Repeatable {
		return accountID + ":" + reward.ID + ":" + uuid.NewString()
	}
	return accountID + ":" + reward.ID
}

// grantTx inserts the ownership row; the unique ownership key makes a second
// grant of a non-repeatable reward a no-op even under concurrency.
func (s *RewardService) grantTx(tx *gorm.DB, accountID string, reward *models.Reward, method models.AcquisitionMethod) (GrantResult, error) {
	ur := models.UserReward{
		AccountID:    accountID,
		RewardID:     reward.ID,
		Method:       method,
		AcquiredAt:   s.Clock.Now().UTC(),
		OwnershipKey: ownershipKey(accountID, reward),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ur)
	if res.Error != nil {
		return GrantResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.UserReward
		if err := tx.Where("ownership_key = ?", ur.OwnershipKey).First(&existing).Error; err != nil {
			return GrantResult{}, err
		}
		return GrantResult{UserReward: &existing, Reward: reward, Granted: false}, nil
	}

	meta := reward.Metadata.Data()
	if reward.Type == models.RewardTypeCurrencyBonus && meta.CurrencyBonus != nil && meta.CurrencyBonus.Amount > 0 {
		reason := Reason{Code: "reward:" + slugKey(reward.Name), Category: models.CategoryRewardBonus}
		if _, err := s.Ledger.grantTx(tx, accountID, meta.CurrencyBonus.Amount, reason); err != nil {
			return GrantResult{}, err
		}
	}
	return GrantResult{UserReward: &ur, Reward: reward, Granted: true}, nil
}

// Purchase checks the unlock condition, then deducts the cost and records
// ownership in one transaction: either both happen or neither does.
func (s *RewardService) Purchase(ctx context.Context, accountID, rewardID string) (*PurchaseResult, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	var out *PurchaseResult
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := s.purchaseTx(tx, accountID, rewardID)
			out = res
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RewardService) purchaseTx(tx *gorm.DB, accountID, rewardID string) (*PurchaseResult, error) {
	if err := s.Ledger.ensureAccountTx(tx, accountID); err != nil {
		return nil, err
	}
	reward, err := loadReward(tx, rewardID)
	if err != nil {
		return nil, err
	}
	if !reward.Active || reward.Cost == nil {
		return nil, fmt.Errorf("reward %q: %w", reward.Name, ErrNotPurchasable)
	}

	unlock, err := newUnlockEvaluator(tx, accountID).Evaluate(reward.UnlockCondition())
	if err != nil {
		return nil, err
	}
	if !unlock.Unlocked {
		return nil, fmt.Errorf("reward %q needs %s: %w", reward.Name, describeUnmet(unlock.Unmet), ErrLockedReward)
	}

	if !reward.Repeatable {
		owned, err := ownsTx(tx, accountID, reward.ID)
		if err != nil {
			return nil, err
		}
		if owned {
			return nil, fmt.Errorf("reward %q: %w", reward.Name, ErrAlreadyOwned)
		}
	}

	result := &PurchaseResult{Reward: reward}
	if cost := *reward.Cost; cost > 0 {
		t, err := s.Ledger.deductTx(tx, accountID, cost, Reason{Code: "purchase:" + slugKey(reward.Name), Category: models.CategoryPurchase})
		if err != nil {
			return nil, err
		}
		result.Transaction = t
	}

	grant, err := s.grantTx(tx, accountID, reward, models.MethodPurchase)
	if err != nil {
		return nil, err
	}
	if !grant.Granted {
		// a concurrent purchase won; returning an error rolls the deduction back
		return nil, fmt.Errorf("reward %q: %w", reward.Name, ErrAlreadyOwned)
	}
	result.UserReward = grant.UserReward
	return result, nil
}

func describeUnmet(unmet []models.UnlockCondition) string {
	parts := make([]string, 0, len(unmet))
	for _, c := range unmet {
		parts = append(parts, c.Describe())
	}
	return strings.Join(parts, ", ")
}

func ownsTx(tx *gorm.DB, accountID, rewardID string) (bool, error) {
	var count int64
	err := tx.Model(&models.UserReward{}).
		Where("account_id = ? AND reward_id = ?", accountID, rewardID).
		Count(&count).Error
	return count > 0, err
}

func (s *RewardService) Owns(ctx context.Context, accountID, rewardID string) (bool, error) {
	return ownsTx(s.DB.WithContext(ctx), accountID, rewardID)
}

// UserRewards lists ownership rows, oldest first, with the reward attached.
func (s *RewardService) UserRewards(ctx context.Context, accountID string) ([]models.UserReward, error) {
	var out []models.UserReward
	err := s.DB.WithContext(ctx).
		Preload("Reward").
		Where("account_id = ?", accountID).
		Order("acquired_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// Revoke removes every ownership row of the reward for the account. No refund.
func (s *RewardService) Revoke(ctx context.Context, accountID, rewardID string) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("account_id = ? AND reward_id = ?", accountID, rewardID).
		Delete(&models.UserReward{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("account %q does not own reward %q: %w", accountID, rewardID, ErrNotFound)
	}
	return res.RowsAffected, nil
}
