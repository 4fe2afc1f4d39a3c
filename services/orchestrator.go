package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"besitos-engine/models"
)

// SystemResult is what an orchestrated creation produced. On failure only
// Errors is set; nothing in it implies a persisted entity.
type SystemResult struct {
	Mission *models.Mission `json:"mission,omitempty"`
	Level   *models.Level   `json:"level,omitempty"`
	Rewards []models.Reward `json:"rewards,omitempty"`
	Errors  []models.Issue  `json:"errors"`
}

func failedResult(err error) *SystemResult {
	if issues := IssuesOf(err); len(issues) > 0 {
		return &SystemResult{Errors: issues}
	}
	var aborted *AbortedError
	if errors.As(err, &aborted) {
		return &SystemResult{Errors: []models.Issue{{Path: aborted.Stage, Message: aborted.Err.Error()}}}
	}
	return &SystemResult{Errors: []models.Issue{{Message: err.Error()}}}
}

// OrchestratorService creates interrelated missions, levels and rewards as one unit.
type OrchestratorService struct {
	DB        *gorm.DB
	Levels    *LevelService
	Missions  *MissionService
	Rewards   *RewardService
	Templates *TemplateService
}

func NewOrchestratorService(db *gorm.DB, levels *LevelService, missions *MissionService, rewards *RewardService, templates *TemplateService) *OrchestratorService {
	return &OrchestratorService{DB: db, Levels: levels, Missions: missions, Rewards: rewards, Templates: templates}
}

// validateConditionSpec checks shape and whether forward references are allowed here.
func validateConditionSpec(c *models.ConditionSpec, path string, newMission, newLevel bool) []models.Issue {
	if c == nil {
		return nil
	}
	var issues []models.Issue
	switch c.Type {
	case models.ConditionMissionComplete:
		issues = append(issues, validateRef(c.MissionID, c.MissionRef, path, "mission", newMission)...)
	case models.ConditionLevelReached:
		issues = append(issues, validateRef(c.LevelID, c.LevelRef, path, "level", newLevel)...)
	case models.ConditionCurrencyThreshold:
		if c.Amount <= 0 {
			issues = append(issues, models.Issue{Path: path + ".amount", Message: "must be > 0"})
		}
	case models.ConditionAllOf:
		if len(c.Conditions) == 0 {
			issues = append(issues, models.Issue{Path: path + ".conditions", Message: "all_of needs at least one condition"})
		}
		for i := range c.Conditions {
			issues = append(issues, validateConditionSpec(&c.Conditions[i], fmt.Sprintf("%s.conditions[%d]", path, i), newMission, newLevel)...)
		}
	default:
		issues = append(issues, models.Issue{Path: path + ".type", Message: fmt.Sprintf("unknown condition type %q", c.Type)})
	}
	return issues
}

func validateRef(id, ref, path, kind string, allowNew bool) []models.Issue {
	switch {
	case id != "" && ref != "":
		return []models.Issue{{Path: path, Message: fmt.Sprintf("set either %s_id or %s_ref, not both", kind, kind)}}
	case ref != "" && ref != models.RefNew:
		return []models.Issue{{Path: path + "." + kind + "_ref", Message: fmt.Sprintf("only %q is supported", models.RefNew)}}
	case ref == models.RefNew && !allowNew:
		return []models.Issue{{Path: path + "." + kind + "_ref", Message: fmt.Sprintf("no new %s in this specification", kind)}}
	case id == "" && ref == "":
		return []models.Issue{{Path: path + "." + kind + "_id", Message: "required"}}
	}
	return nil
}

// conditionSpecRefsTx checks that every concrete (non-forward) id exists.
func conditionSpecRefsTx(tx *gorm.DB, c *models.ConditionSpec, path string) ([]models.Issue, error) {
	if c == nil {
		return nil, nil
	}
	var issues []models.Issue
	check := func(model any, id, field, kind string) error {
		if id == "" {
			return nil
		}
		ok, err := exists(tx, model, id)
		if err != nil {
			return err
		}
		if !ok {
			issues = append(issues, models.Issue{Path: path + "." + field, Message: "unknown " + kind + " " + id})
		}
		return nil
	}
	switch c.Type {
	case models.ConditionMissionComplete:
		if err := check(&models.Mission{}, c.MissionID, "mission_id", "mission"); err != nil {
			return nil, err
		}
	case models.ConditionLevelReached:
		if err := check(&models.Level{}, c.LevelID, "level_id", "level"); err != nil {
			return nil, err
		}
	case models.ConditionAllOf:
		for i := range c.Conditions {
			sub, err := conditionSpecRefsTx(tx, &c.Conditions[i], fmt.Sprintf("%s.conditions[%d]", path, i))
			if err != nil {
				return nil, err
			}
			issues = append(issues, sub...)
		}
	}
	return issues, nil
}

// validateRewardSpecs covers the static checks shared by both system kinds.
func validateRewardSpecs(specs []models.RewardSpec, newMission, newLevel bool) []models.Issue {
	var issues []models.Issue
	names := map[string]int{}
	keys := map[string]int{}
	for i, r := range specs {
		path := fmt.Sprintf("rewards[%d]", i)
		switch {
		case r.ExistingID != "" && r.Definition != nil:
			issues = append(issues, models.Issue{Path: path, Message: "set either existing_id or definition, not both"})
		case r.ExistingID == "" && r.Definition == nil:
			issues = append(issues, models.Issue{Path: path, Message: "existing_id or definition is required"})
		case r.Definition != nil:
			issues = append(issues, validateRewardDefinition(*r.Definition, path+".definition")...)
			folded := foldName(r.Definition.Name)
			if prev, dup := names[folded]; dup && folded != "" {
				issues = append(issues, models.Issue{Path: path + ".definition.name", Message: fmt.Sprintf("duplicates rewards[%d]", prev)})
			} else {
				names[folded] = i
			}
		}
		if r.Unlock != nil && r.Definition == nil {
			issues = append(issues, models.Issue{Path: path + ".unlock", Message: "unlock can only be set on new rewards"})
		}
		issues = append(issues, validateConditionSpec(r.Unlock, path+".unlock", newMission, newLevel)...)
		if r.BonusForMission && !newMission {
			issues = append(issues, models.Issue{Path: path + ".bonus_for_mission", Message: "no mission in this specification"})
		}
		if r.LevelBenefit && !newLevel {
			issues = append(issues, models.Issue{Path: path + ".level_benefit", Message: "no level in this specification"})
		}
		if r.Key != "" {
			if prev, dup := keys[r.Key]; dup {
				issues = append(issues, models.Issue{Path: path + ".key", Message: fmt.Sprintf("duplicates rewards[%d]", prev)})
			} else {
				keys[r.Key] = i
			}
		}
	}
	return issues
}

// precheckTx runs every database-dependent validation before the first write.
func (s *OrchestratorService) precheckTx(tx *gorm.DB, mission *models.MissionSpec, level *models.LevelSpec, rewards []models.RewardSpec) ([]models.Issue, error) {
	var issues []models.Issue
	if level != nil {
		li, err := levelConflictsTx(tx, *level, "", "level")
		if err != nil {
			return nil, err
		}
		issues = append(issues, li...)
		refs, err := levelBenefitRefsTx(tx, level.Benefits, "level")
		if err != nil {
			return nil, err
		}
		issues = append(issues, refs...)
	}
	if mission != nil {
		taken, err := missionNameTakenTx(tx, mission.Name, "")
		if err != nil {
			return nil, err
		}
		if taken {
			issues = append(issues, models.Issue{Path: "mission.name", Message: fmt.Sprintf("mission %q already exists", mission.Name)})
		}
		ci, err := conditionSpecRefsTx(tx, mission.Prerequisite, "mission.prerequisite")
		if err != nil {
			return nil, err
		}
		issues = append(issues, ci...)
	}
	for i, r := range rewards {
		path := fmt.Sprintf("rewards[%d]", i)
		if r.ExistingID != "" {
			ok, err := exists(tx, &models.Reward{}, r.ExistingID)
			if err != nil {
				return nil, err
			}
			if !ok {
				issues = append(issues, models.Issue{Path: path + ".existing_id", Message: "unknown reward " + r.ExistingID})
			}
		}
		if r.Definition != nil {
			taken, err := rewardNameTakenTx(tx, r.Definition.Name, "")
			if err != nil {
				return nil, err
			}
			if taken {
				issues = append(issues, models.Issue{Path: path + ".definition.name", Message: fmt.Sprintf("reward %q already exists", r.Definition.Name)})
			}
		}
		ci, err := conditionSpecRefsTx(tx, r.Unlock, path+".unlock")
		if err != nil {
			return nil, err
		}
		issues = append(issues, ci...)
	}
	return issues, nil
}

// validateMissionSystem runs every check that needs no database.
func validateMissionSystem(spec models.MissionSystemSpec) []models.Issue {
	newLevel := spec.Level != nil
	issues := validateMissionSpec(spec.Mission, "mission")
	issues = append(issues, validateConditionSpec(spec.Mission.Prerequisite, "mission.prerequisite", false, newLevel)...)
	if newLevel {
		issues = append(issues, validateLevelSpec(*spec.Level, "level")...)
	}
	return append(issues, validateRewardSpecs(spec.Rewards, true, newLevel)...)
}

// CreateMissionSystem creates a mission, an optional level and its rewards in one
// transaction. Any invalid element means nothing is written.
func (s *OrchestratorService) CreateMissionSystem(ctx context.Context, spec models.MissionSystemSpec) (*SystemResult, error) {
	newLevel := spec.Level != nil
	if issues := validateMissionSystem(spec); len(issues) > 0 {
		err := newValidationError(issues)
		return failedResult(err), err
	}

	result := &SystemResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pre, err := s.precheckTx(tx, &spec.Mission, spec.Level, spec.Rewards)
		if err != nil {
			return err
		}
		if len(pre) > 0 {
			return newValidationError(pre)
		}

		levelID := ""
		if newLevel {
			lvl, err := s.Levels.createLevelTx(tx, *spec.Level, "level")
			if err != nil {
				return &AbortedError{Stage: "level", Err: err}
			}
			result.Level = lvl
			levelID = lvl.ID
		}

		var prereq *models.UnlockCondition
		if spec.Mission.Prerequisite != nil {
			c := spec.Mission.Prerequisite.Resolve("", levelID)
			prereq = &c
		}
		mission, err := s.Missions.createMissionTx(tx, spec.Mission, prereq, nil, "mission")
		if err != nil {
			return &AbortedError{Stage: "mission", Err: err}
		}
		result.Mission = mission

		if err := s.createRewardsTx(tx, spec.Rewards, mission, levelID, result); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return failedResult(err), err
	}
	result.Errors = []models.Issue{}
	return result, nil
}

// CreateRewardSystem creates rewards and an optional level in one transaction.
func (s *OrchestratorService) CreateRewardSystem(ctx context.Context, spec models.RewardSystemSpec) (*SystemResult, error) {
	newLevel := spec.Level != nil
	var issues []models.Issue
	if len(spec.Rewards) == 0 {
		issues = append(issues, models.Issue{Path: "rewards", Message: "at least one reward is required"})
	}
	if newLevel {
		issues = append(issues, validateLevelSpec(*spec.Level, "level")...)
	}
	issues = append(issues, validateRewardSpecs(spec.Rewards, false, newLevel)...)
	if len(issues) > 0 {
		err := newValidationError(issues)
		return failedResult(err), err
	}

	result := &SystemResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pre, err := s.precheckTx(tx, nil, spec.Level, spec.Rewards)
		if err != nil {
			return err
		}
		if len(pre) > 0 {
			return newValidationError(pre)
		}
		levelID := ""
		if newLevel {
			lvl, err := s.Levels.createLevelTx(tx, *spec.Level, "level")
			if err != nil {
				return &AbortedError{Stage: "level", Err: err}
			}
			result.Level = lvl
			levelID = lvl.ID
		}
		return s.createRewardsTx(tx, spec.Rewards, nil, levelID, result)
	})
	if err != nil {
		return failedResult(err), err
	}
	result.Errors = []models.Issue{}
	return result, nil
}

// createRewardsTx creates new rewards with forward references resolved, then
// wires bonus links and level benefits.
func (s *OrchestratorService) createRewardsTx(tx *gorm.DB, specs []models.RewardSpec, mission *models.Mission, levelID string, result *SystemResult) error {
	missionID := ""
	if mission != nil {
		missionID = mission.ID
	}
	var bonusIDs, benefitIDs []string
	for i, r := range specs {
		stage := fmt.Sprintf("rewards[%d]", i)
		var reward *models.Reward
		if r.Definition != nil {
			var unlock *models.UnlockCondition
			if r.Unlock != nil {
				c := r.Unlock.Resolve(missionID, levelID)
				unlock = &c
			}
			created, err := s.Rewards.createRewardTx(tx, *r.Definition, unlock, stage+".definition")
			if err != nil {
				return &AbortedError{Stage: stage, Err: err}
			}
			reward = created
		} else {
			existing, err := loadReward(tx, r.ExistingID)
			if err != nil {
				return &AbortedError{Stage: stage, Err: err}
			}
			reward = existing
		}
		result.Rewards = append(result.Rewards, *reward)
		if r.BonusForMission {
			bonusIDs = append(bonusIDs, reward.ID)
		}
		if r.LevelBenefit {
			benefitIDs = append(benefitIDs, reward.ID)
		}
	}

	if mission != nil && len(bonusIDs) > 0 {
		links, err := bonusLinksTx(tx, bonusIDs, "mission.bonus_rewards")
		if err != nil {
			return &AbortedError{Stage: "mission.bonus_rewards", Err: err}
		}
		for i := range links {
			links[i].MissionID = mission.ID
		}
		if err := tx.Create(&links).Error; err != nil {
			return &AbortedError{Stage: "mission.bonus_rewards", Err: err}
		}
		mission.BonusRewards = links
	}

	if result.Level != nil && len(benefitIDs) > 0 {
		benefits := result.Level.Benefits.Data()
		benefits.RewardIDs = append(benefits.RewardIDs, benefitIDs...)
		result.Level.Benefits = datatypes.NewJSONType(benefits)
		if err := tx.Model(&models.Level{}).Where("id = ?", result.Level.ID).
			Update("benefits", result.Level.Benefits).Error; err != nil {
			return &AbortedError{Stage: "level.benefits", Err: err}
		}
	}
	return nil
}

// ApplyTemplate instantiates the latest version of a named template. The same
// name and overrides always yield the same entity definitions.
func (s *OrchestratorService) ApplyTemplate(ctx context.Context, name string, overrides models.TemplateOverrides) (*SystemResult, error) {
	tpl, err := s.Templates.Latest(ctx, name)
	if err != nil {
		return failedResult(err), err
	}
	system, err := applyOverrides(tpl.Definition.Data().System, overrides)
	if err != nil {
		return failedResult(err), err
	}
	return s.CreateMissionSystem(ctx, system)
}

func applyOverrides(base models.MissionSystemSpec, o models.TemplateOverrides) (models.MissionSystemSpec, error) {
	// deep copy so the stored definition is never mutated
	raw, err := json.Marshal(base)
	if err != nil {
		return models.MissionSystemSpec{}, err
	}
	var spec models.MissionSystemSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return models.MissionSystemSpec{}, err
	}

	var issues []models.Issue
	if o.MissionName != "" {
		spec.Mission.Name = o.MissionName
	}
	if o.MissionReward != nil {
		spec.Mission.RewardBesitos = *o.MissionReward
	}
	if o.Target != nil {
		c := &spec.Mission.Criteria
		switch {
		case c.Daily != nil:
			c.Daily.Target = *o.Target
		case c.Weekly != nil:
			c.Weekly.Target = *o.Target
		case c.Streak != nil:
			c.Streak.Days = *o.Target
		default:
			issues = append(issues, models.Issue{Path: "overrides.target", Message: "template mission has no target"})
		}
	}
	if o.LevelName != "" || o.LevelThreshold != nil {
		if spec.Level == nil {
			issues = append(issues, models.Issue{Path: "overrides.level", Message: "template has no level"})
		} else {
			if o.LevelName != "" {
				spec.Level.Name = o.LevelName
			}
			if o.LevelThreshold != nil {
				spec.Level.MinBalance = *o.LevelThreshold
			}
		}
	}

	byKey := map[string]*models.RewardSpec{}
	for i := range spec.Rewards {
		if k := spec.Rewards[i].Key; k != "" {
			byKey[k] = &spec.Rewards[i]
		}
	}
	for _, key := range sortedKeys(o.RewardNames) {
		r, ok := byKey[key]
		if !ok || r.Definition == nil {
			issues = append(issues, models.Issue{Path: "overrides.reward_names." + key, Message: "no new reward with this key"})
			continue
		}
		r.Definition.Name = o.RewardNames[key]
	}
	for _, key := range sortedKeys(o.RewardCosts) {
		r, ok := byKey[key]
		if !ok || r.Definition == nil {
			issues = append(issues, models.Issue{Path: "overrides.reward_costs." + key, Message: "no new reward with this key"})
			continue
		}
		cost := o.RewardCosts[key]
		r.Definition.Cost = &cost
	}

	if p := strings.TrimSpace(o.Prefix); p != "" {
		spec.Mission.Name = p + " " + spec.Mission.Name
		if spec.Level != nil {
			spec.Level.Name = p + " " + spec.Level.Name
		}
		for i := range spec.Rewards {
			if d := spec.Rewards[i].Definition; d != nil {
				d.Name = p + " " + d.Name
			}
		}
	}
	if len(issues) > 0 {
		return models.MissionSystemSpec{}, newValidationError(issues)
	}
	return spec, nil
}
