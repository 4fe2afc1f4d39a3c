package models

import (
	"gorm.io/datatypes"
)

// LevelBenefits is the optional payload attached to a level. RewardIDs are granted
// (method level_up) the first time an account reaches the level.
type LevelBenefits struct {
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	RewardIDs   []string `json:"reward_ids,omitempty" yaml:"reward_ids,omitempty"`
}

// Level is one rung of the progression ladder. Levels are never hard-deleted:
// deactivation keeps historical references valid.
type Level struct {
	ID         string                            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name       string                            `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	MinBalance int64                             `gorm:"uniqueIndex;not null" json:"min_balance"`
	OrderIndex int                               `gorm:"uniqueIndex;not null" json:"order_index"`
	Benefits   datatypes.JSONType[LevelBenefits] `gorm:"not null" json:"benefits"`
	Active     bool                              `gorm:"not null" json:"active"`

	Timestamps
}
