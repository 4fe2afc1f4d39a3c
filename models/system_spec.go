package models

// RefNew in a condition's mission_ref/level_ref points at the entity created
// by the same system specification.
const RefNew = "new"

// ConditionSpec is an UnlockCondition that may still reference entities that do not exist yet.
type ConditionSpec struct {
	Type       UnlockConditionType `json:"type" yaml:"type"`
	MissionID  string              `json:"mission_id,omitempty" yaml:"mission_id,omitempty"`
	MissionRef string              `json:"mission_ref,omitempty" yaml:"mission_ref,omitempty"`
	LevelID    string              `json:"level_id,omitempty" yaml:"level_id,omitempty"`
	LevelRef   string              `json:"level_ref,omitempty" yaml:"level_ref,omitempty"`
	Amount     int64               `json:"amount,omitempty" yaml:"amount,omitempty"`
	Conditions []ConditionSpec     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Resolve substitutes forward references with the ids created in this system.
func (c ConditionSpec) Resolve(missionID, levelID string) UnlockCondition {
	out := UnlockCondition{Type: c.Type, MissionID: c.MissionID, LevelID: c.LevelID, Amount: c.Amount}
	if c.MissionRef == RefNew {
		out.MissionID = missionID
	}
	if c.LevelRef == RefNew {
		out.LevelID = levelID
	}
	for _, sub := range c.Conditions {
		out.Conditions = append(out.Conditions, sub.Resolve(missionID, levelID))
	}
	return out
}

type LevelSpec struct {
	Name       string        `json:"name" yaml:"name"`
	MinBalance int64         `json:"min_balance" yaml:"min_balance"`
	OrderIndex int           `json:"order_index" yaml:"order_index"`
	Benefits   LevelBenefits `json:"benefits" yaml:"benefits"`
}

type MissionSpec struct {
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description" yaml:"description"`
	Type          MissionType     `json:"type" yaml:"type"`
	Criteria      MissionCriteria `json:"criteria" yaml:"criteria"`
	RewardBesitos int64           `json:"reward_besitos" yaml:"reward_besitos"`
	Repeatable    bool            `json:"repeatable" yaml:"repeatable"`
	Prerequisite  *ConditionSpec  `json:"prerequisite,omitempty" yaml:"prerequisite,omitempty"`
}

type RewardDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Type        RewardType     `json:"type" yaml:"type"`
	Metadata    RewardMetadata `json:"metadata" yaml:"metadata"`
	Cost        *int64         `json:"cost,omitempty" yaml:"cost,omitempty"`
	Repeatable  bool           `json:"repeatable" yaml:"repeatable"`
}

// RewardSpec either defines a new reward or references an existing one by id.
type RewardSpec struct {
	Key        string            `json:"key,omitempty" yaml:"key,omitempty"` // label used by template overrides
	ExistingID string            `json:"existing_id,omitempty" yaml:"existing_id,omitempty"`
	Definition *RewardDefinition `json:"definition,omitempty" yaml:"definition,omitempty"`
	Unlock     *ConditionSpec    `json:"unlock,omitempty" yaml:"unlock,omitempty"`

	BonusForMission bool `json:"bonus_for_mission,omitempty" yaml:"bonus_for_mission,omitempty"`
	LevelBenefit    bool `json:"level_benefit,omitempty" yaml:"level_benefit,omitempty"`
}

// MissionSystemSpec is a mission plus an optional new level plus rewards, created atomically.
type MissionSystemSpec struct {
	Mission MissionSpec  `json:"mission" yaml:"mission"`
	Level   *LevelSpec   `json:"level,omitempty" yaml:"level,omitempty"`
	Rewards []RewardSpec `json:"rewards,omitempty" yaml:"rewards,omitempty"`
}

// RewardSystemSpec is a batch of rewards plus an optional new level, created atomically.
type RewardSystemSpec struct {
	Level   *LevelSpec   `json:"level,omitempty" yaml:"level,omitempty"`
	Rewards []RewardSpec `json:"rewards" yaml:"rewards"`
}
