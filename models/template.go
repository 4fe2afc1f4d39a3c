package models

import (
	"time"

	"gorm.io/datatypes"
)

// TemplateDefinition is the blueprint stored for a named template.
type TemplateDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	System      MissionSystemSpec `json:"system" yaml:"system"`
}

// Template rows are immutable; re-registering a changed definition adds a version.
type Template struct {
	ID          uint64                                 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string                                 `gorm:"type:varchar(128);not null;uniqueIndex:idx_template_name_version,priority:1" json:"name"`
	Version     int                                    `gorm:"not null;uniqueIndex:idx_template_name_version,priority:2" json:"version"`
	Description string                                 `gorm:"type:text" json:"description"`
	Definition  datatypes.JSONType[TemplateDefinition] `gorm:"not null" json:"definition"`
	Checksum    string                                 `gorm:"type:varchar(64);not null" json:"checksum"`
	CreatedAt   time.Time                              `gorm:"autoCreateTime" json:"created_at"`
}

// TemplateOverrides customise one application of a template. RewardNames and
// RewardCosts are keyed by RewardSpec.Key.
type TemplateOverrides struct {
	Prefix         string            `json:"prefix,omitempty"`
	MissionName    string            `json:"mission_name,omitempty"`
	MissionReward  *int64            `json:"mission_reward,omitempty"`
	Target         *int              `json:"target,omitempty"`
	LevelName      string            `json:"level_name,omitempty"`
	LevelThreshold *int64            `json:"level_threshold,omitempty"`
	RewardNames    map[string]string `json:"reward_names,omitempty"`
	RewardCosts    map[string]int64  `json:"reward_costs,omitempty"`
}
