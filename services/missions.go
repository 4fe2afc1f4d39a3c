package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"besitos-engine/models"
)

// MissionService owns mission definitions and the per-account progress state machine.
type MissionService struct {
	DB      *gorm.DB
	Clock   clockwork.Clock
	Retry   RetryPolicy
	Periods *Periods
	Ledger  *LedgerService
	Rewards *RewardService

	// DefaultMaxGapDays applies to streak missions that do not set their own gap.
	DefaultMaxGapDays int
}

func NewMissionService(db *gorm.DB, clock clockwork.Clock, retry RetryPolicy, periods *Periods, ledger *LedgerService, rewards *RewardService, defaultMaxGapDays int) *MissionService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if defaultMaxGapDays < 1 {
		defaultMaxGapDays = 1
	}
	return &MissionService{
		DB:                db,
		Clock:             clock,
		Retry:             retry,
		Periods:           periods,
		Ledger:            ledger,
		Rewards:           rewards,
		DefaultMaxGapDays: defaultMaxGapDays,
	}
}

// MissionView pairs a mission with the account's progress (nil when never started).
type MissionView struct {
	Mission  models.Mission          `json:"mission"`
	Progress *models.MissionProgress `json:"progress,omitempty"`
}

func validateMissionSpec(spec models.MissionSpec, path string) []models.Issue {
	var issues []models.Issue
	if !validName(spec.Name) {
		issues = append(issues, models.Issue{Path: path + ".name", Message: "required, at most 128 characters"})
	}
	if !spec.Type.Valid() {
		return append(issues, models.Issue{Path: path + ".type", Message: fmt.Sprintf("unknown mission type %q", spec.Type)})
	}
	issues = append(issues, spec.Criteria.Validate(spec.Type, path+".criteria")...)
	if spec.RewardBesitos < 0 {
		issues = append(issues, models.Issue{Path: path + ".reward_besitos", Message: "must be >= 0"})
	}
	return issues
}

func missionNameTakenTx(tx *gorm.DB, name, excludeID string) (bool, error) {
	var names []string
	q := tx.Unscoped().Model(&models.Mission{})
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

// CreateMission stores a mission. Prerequisites may only reference existing
// entities here; forward references belong to the orchestrator.
func (s *MissionService) CreateMission(ctx context.Context, spec models.MissionSpec, bonusRewardIDs []string) (*models.Mission, error) {
	issues := validateMissionSpec(spec, "mission")
	issues = append(issues, validateConditionSpec(spec.Prerequisite, "mission.prerequisite", false, false)...)
	if len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	var prereq *models.UnlockCondition
	if spec.Prerequisite != nil {
		c := spec.Prerequisite.Resolve("", "")
		prereq = &c
	}
	var out *models.Mission
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		refIssues, err := conditionRefsTx(tx, prereq, "mission.prerequisite")
		if err != nil {
			return err
		}
		if len(refIssues) > 0 {
			return newValidationError(refIssues)
		}
		m, err := s.createMissionTx(tx, spec, prereq, bonusRewardIDs, "mission")
		out = m
		return err
	})
	return out, err
}

func (s *MissionService) createMissionTx(tx *gorm.DB, spec models.MissionSpec, prereq *models.UnlockCondition, bonusRewardIDs []string, path string) (*models.Mission, error) {
	taken, err := missionNameTakenTx(tx, spec.Name, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, invalidf(path+".name", "mission %q already exists", spec.Name)
	}
	links, err := bonusLinksTx(tx, bonusRewardIDs, path+".bonus_rewards")
	if err != nil {
		return nil, err
	}
	criteria := spec.Criteria
	criteria.Type = spec.Type
	mission := models.Mission{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		Description:   spec.Description,
		Type:          spec.Type,
		Criteria:      datatypes.NewJSONType(criteria),
		RewardBesitos: spec.RewardBesitos,
		Repeatable:    spec.Repeatable,
		Active:        true,
		Prerequisite:  datatypes.NewJSONType(prereq),
		BonusRewards:  links,
	}
	if err := tx.Create(&mission).Error; err != nil {
		return nil, err
	}
	return &mission, nil
}

func bonusLinksTx(tx *gorm.DB, rewardIDs []string, path string) ([]models.MissionReward, error) {
	seen := map[string]bool{}
	var links []models.MissionReward
	var issues []models.Issue
	for i, id := range rewardIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ok, err := exists(tx, &models.Reward{}, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			issues = append(issues, models.Issue{Path: fmt.Sprintf("%s[%d]", path, i), Message: "unknown reward " + id})
			continue
		}
		links = append(links, models.MissionReward{RewardID: id})
	}
	if len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	return links, nil
}

// UpdateMission replaces the definition. The type can only change while no
// account has progress on the mission.
func (s *MissionService) UpdateMission(ctx context.Context, id string, spec models.MissionSpec, bonusRewardIDs []string) (*models.Mission, error) {
	issues := validateMissionSpec(spec, "mission")
	issues = append(issues, validateConditionSpec(spec.Prerequisite, "mission.prerequisite", false, false)...)
	if len(issues) > 0 {
		return nil, newValidationError(issues)
	}
	var prereq *models.UnlockCondition
	if spec.Prerequisite != nil {
		c := spec.Prerequisite.Resolve("", "")
		prereq = &c
	}
	var out models.Mission
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("mission", id)
			}
			return err
		}
		if out.Type != spec.Type {
			var count int64
			if err := tx.Model(&models.MissionProgress{}).Where("mission_id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return invalidf("mission.type", "cannot change type of a mission with progress")
			}
		}
		refIssues, err := conditionRefsTx(tx, prereq, "mission.prerequisite")
		if err != nil {
			return err
		}
		if len(refIssues) > 0 {
			return newValidationError(refIssues)
		}
		taken, err := missionNameTakenTx(tx, spec.Name, id)
		if err != nil {
			return err
		}
		if taken {
			return invalidf("mission.name", "mission %q already exists", spec.Name)
		}
		links, err := bonusLinksTx(tx, bonusRewardIDs, "mission.bonus_rewards")
		if err != nil {
			return err
		}

		criteria := spec.Criteria
		criteria.Type = spec.Type
		out.Name = spec.Name
		out.Description = spec.Description
		out.Type = spec.Type
		out.Criteria = datatypes.NewJSONType(criteria)
		out.RewardBesitos = spec.RewardBesitos
		out.Repeatable = spec.Repeatable
		out.Prerequisite = datatypes.NewJSONType(prereq)
		if err := tx.Omit("BonusRewards").Save(&out).Error; err != nil {
			return err
		}
		if err := tx.Where("mission_id = ?", id).Delete(&models.MissionReward{}).Error; err != nil {
			return err
		}
		for i := range links {
			links[i].MissionID = id
		}
		if len(links) > 0 {
			if err := tx.Create(&links).Error; err != nil {
				return err
			}
		}
		out.BonusRewards = links
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeactivateMission stops new starts and progress. Completed rows stay claimable.
func (s *MissionService) DeactivateMission(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).Model(&models.Mission{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("mission", id)
	}
	return nil
}

func (s *MissionService) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	return loadMission(s.DB.WithContext(ctx), id)
}

func loadMission(tx *gorm.DB, id string) (*models.Mission, error) {
	var m models.Mission
	if err := tx.Preload("BonusRewards").First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("mission", id)
		}
		return nil, err
	}
	return &m, nil
}

func (s *MissionService) ListMissions(ctx context.Context, activeOnly bool) ([]models.Mission, error) {
	q := s.DB.WithContext(ctx).Preload("BonusRewards").Order("name ASC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var out []models.Mission
	return out, q.Find(&out).Error
}

// AvailableMissions lists active missions the account can still work on: not
// completed or claimed in the current period, and with prerequisites met.
func (s *MissionService) AvailableMissions(ctx context.Context, accountID string) ([]MissionView, error) {
	db := s.DB.WithContext(ctx)
	missions, err := s.ListMissions(ctx, true)
	if err != nil {
		return nil, err
	}
	var rows []models.MissionProgress
	if err := db.Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, err
	}
	byMission := make(map[string]*models.MissionProgress, len(rows))
	for i := range rows {
		byMission[rows[i].MissionID] = &rows[i]
	}

	now := s.Clock.Now()
	eval := newUnlockEvaluator(db, accountID)
	var out []MissionView
	for _, m := range missions {
		p := byMission[m.ID]
		if p != nil {
			s.rollover(p, &m, now)
			switch p.Status {
			case models.StatusCompleted, models.StatusClaimed:
				if !(p.Status == models.StatusClaimed && m.Repeatable && !m.Type.Periodic()) {
					continue
				}
			case models.StatusExpired:
				continue
			}
		}
		res, err := eval.Evaluate(m.Prerequisite.Data())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !res.Unlocked {
			continue
		}
		out = append(out, MissionView{Mission: m, Progress: p})
	}
	return out, nil
}
