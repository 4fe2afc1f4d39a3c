package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"besitos-engine/models"
)

// LevelChange is what CheckAndApplyLevelUp did. Callers decide whether to notify.
type LevelChange struct {
	Changed bool
	Old     *models.Level
	New     *models.Level
}

// Up reports a move to a higher level (or a first level).
func (c LevelChange) Up() bool {
	if !c.Changed || c.New == nil {
		return false
	}
	return c.Old == nil || c.New.OrderIndex > c.Old.OrderIndex
}

type LevelService struct {
	DB    *gorm.DB
	Clock clockwork.Clock
	Retry RetryPolicy
}

func NewLevelService(db *gorm.DB, clock clockwork.Clock, retry RetryPolicy) *LevelService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LevelService{DB: db, Clock: clock, Retry: retry}
}

func validateLevelSpec(spec models.LevelSpec, path string) []models.Issue {
	var issues []models.Issue
	if !validName(spec.Name) {
		issues = append(issues, models.Issue{Path: path + ".name", Message: "required, at most 128 characters"})
	}
	if spec.MinBalance < 0 {
		issues = append(issues, models.Issue{Path: path + ".min_balance", Message: "must be >= 0"})
	}
	if spec.OrderIndex < 0 {
		issues = append(issues, models.Issue{Path: path + ".order_index", Message: "must be >= 0"})
	}
	return issues
}

// levelConflictsTx checks uniqueness and that order follows threshold, against
// every stored level including deactivated and deleted ones.
func levelConflictsTx(tx *gorm.DB, spec models.LevelSpec, excludeID, path string) ([]models.Issue, error) {
	var existing []models.Level
	q := tx.Unscoped().Model(&models.Level{})
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Find(&existing).Error; err != nil {
		return nil, err
	}
	var issues []models.Issue
	folded := foldName(spec.Name)
	for _, l := range existing {
		switch {
		case foldName(l.Name) == folded:
			issues = append(issues, models.Issue{Path: path + ".name", Message: fmt.Sprintf("level %q already exists", l.Name)})
		case l.MinBalance == spec.MinBalance:
			issues = append(issues, models.Issue{Path: path + ".min_balance", Message: fmt.Sprintf("threshold %d already used by %q", l.MinBalance, l.Name)})
		case l.OrderIndex == spec.OrderIndex:
			issues = append(issues, models.Issue{Path: path + ".order_index", Message: fmt.Sprintf("order index %d already used by %q", l.OrderIndex, l.Name)})
		case (l.MinBalance < spec.MinBalance) != (l.OrderIndex < spec.OrderIndex):
			issues = append(issues, models.Issue{Path: path + ".order_index", Message: fmt.Sprintf("order index must follow threshold order (conflicts with %q)", l.Name)})
		}
	}
	return issues, nil
}

// levelBenefitRefsTx checks that every benefit reward exists.
func levelBenefitRefsTx(tx *gorm.DB, benefits models.LevelBenefits, path string) ([]models.Issue, error) {
	var issues []models.Issue
	for i, id := range benefits.RewardIDs {
		ok, err := exists(tx, &models.Reward{}, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			issues = append(issues, models.Issue{Path: fmt.Sprintf("%s.benefits.reward_ids[%d]", path, i), Message: "unknown reward " + id})
		}
	}
	return issues, nil
}

func (s *LevelService) CreateLevel(ctx context.Context, spec models.LevelSpec) (*models.Level, error) {
	if issues := validateLevelSpec(spec, "level"); len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	var out *models.Level
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := s.createLevelTx(tx, spec, "level")
		out = l
		return err
	})
	return out, err
}

func (s *LevelService) createLevelTx(tx *gorm.DB, spec models.LevelSpec, path string) (*models.Level, error) {
	issues, err := levelConflictsTx(tx, spec, "", path)
	if err != nil {
		return nil, err
	}
	refs, err := levelBenefitRefsTx(tx, spec.Benefits, path)
	if err != nil {
		return nil, err
	}
	issues = append(issues, refs...)
	if len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	level := models.Level{
		ID:         uuid.NewString(),
		Name:       spec.Name,
		MinBalance: spec.MinBalance,
		OrderIndex: spec.OrderIndex,
		Benefits:   datatypes.NewJSONType(spec.Benefits),
		Active:     true,
	}
	if err := tx.Create(&level).Error; err != nil {
		return nil, err
	}
	return &level, nil
}

// UpdateLevel replaces name, threshold, order and benefits.
func (s *LevelService) UpdateLevel(ctx context.Context, id string, spec models.LevelSpec) (*models.Level, error) {
	if issues := validateLevelSpec(spec, "level"); len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	var out models.Level
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("level", id)
			}
			return err
		}
		issues, err := levelConflictsTx(tx, spec, id, "level")
		if err != nil {
			return err
		}
		refs, err := levelBenefitRefsTx(tx, spec.Benefits, "level")
		if err != nil {
			return err
		}
		issues = append(issues, refs...)
		if len(issues) > 0 {
			return newValidationError(issues)
		}
		out.Name = spec.Name
		out.MinBalance = spec.MinBalance
		out.OrderIndex = spec.OrderIndex
		out.Benefits = datatypes.NewJSONType(spec.Benefits)
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateLevel excludes a level from future assignment; accounts keep their pointer
// until the next level check moves them.
func (s *LevelService) DeactivateLevel(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Model(&models.Level{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("level", id)
	}
	return nil
}

// DeleteLevel soft-deletes a level nobody references.
func (s *LevelService) DeleteLevel(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Account{}).Where("level_id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("level %q used by %d accounts: %w", id, count, ErrLevelInUse)
		}
		res := tx.Delete(&models.Level{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound("level", id)
		}
		return nil
	})
}

func (s *LevelService) GetLevel(ctx context.Context, id string) (*models.Level, error) {
	var l models.Level
	if err := s.DB.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("level", id)
		}
		return nil, err
	}
	return &l, nil
}

// ListLevels returns levels ordered by ascending threshold.
func (s *LevelService) ListLevels(ctx context.Context, includeInactive bool) ([]models.Level, error) {
	q := s.DB.WithContext(ctx).Order("min_balance ASC")
	if !includeInactive {
		q = q.Where("active = ?", true)
	}
	var levels []models.Level
	return levels, q.Find(&levels).Error
}

// SelectLevel picks the active level with the highest threshold <= balance, nil if none.
func SelectLevel(levels []models.Level, balance int64) *models.Level {
	sorted := make([]models.Level, 0, len(levels))
	for _, l := range levels {
		if l.Active {
			sorted = append(sorted, l)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinBalance < sorted[j].MinBalance })
	var best *models.Level
	for i := range sorted {
		if sorted[i].MinBalance > balance {
			break
		}
		best = &sorted[i]
	}
	return best
}

func (s *LevelService) LevelForBalance(ctx context.Context, balance int64) (*models.Level, error) {
	return levelForBalanceTx(s.DB.WithContext(ctx), balance)
}

func levelForBalanceTx(tx *gorm.DB, balance int64) (*models.Level, error) {
	var l models.Level
	err := tx.Where("active = ? AND min_balance <= ?", true, balance).
		Order("min_balance DESC").
		Limit(1).
		Take(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CheckAndApplyLevelUp moves the account's level pointer to the level implied by
// its balance. It never notifies.
func (s *LevelService) CheckAndApplyLevelUp(ctx context.Context, accountID string) (LevelChange, error) {
	var change LevelChange
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			c, err := s.checkAndApplyTx(tx, accountID)
			change = c
			return err
		})
	})
	return change, err
}

func (s *LevelService) checkAndApplyTx(tx *gorm.DB, accountID string) (LevelChange, error) {
	acct, err := loadAccount(tx, accountID)
	if err != nil {
		return LevelChange{}, err
	}
	target, err := levelForBalanceTx(tx, acct.Balance)
	if err != nil {
		return LevelChange{}, err
	}

	var old *models.Level
	if acct.LevelID != nil {
		var l models.Level
		if err := tx.Unscoped().First(&l, "id = ?", *acct.LevelID).Error; err == nil {
			old = &l
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return LevelChange{}, err
		}
	}

	sameLevel := (acct.LevelID == nil && target == nil) ||
		(acct.LevelID != nil && target != nil && *acct.LevelID == target.ID)
	if sameLevel {
		return LevelChange{Old: old, New: target}, nil
	}

	change := LevelChange{Changed: true, Old: old, New: target}
	updates := map[string]any{"updated_at": s.Clock.Now().UTC()}
	if target != nil {
		updates["level_id"] = target.ID
	} else {
		updates["level_id"] = nil
	}
	if change.Up() {
		updates["last_level_up_at"] = s.Clock.Now().UTC()
	}

	q := tx.Model(&models.Account{}).Where("id = ?", accountID)
	if acct.LevelID == nil {
		q = q.Where("level_id IS NULL")
	} else {
		q = q.Where("level_id = ?", *acct.LevelID)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return LevelChange{}, res.Error
	}
	if res.RowsAffected == 0 {
		return LevelChange{}, errVersionConflict
	}
	return change, nil
}
