package models

import "fmt"

type UnlockConditionType string

const (
	ConditionMissionComplete   UnlockConditionType = "mission_complete"
	ConditionLevelReached      UnlockConditionType = "level_reached"
	ConditionCurrencyThreshold UnlockConditionType = "currency_threshold"
	ConditionAllOf             UnlockConditionType = "all_of"
)

// UnlockCondition is a predicate over an account's mission, level and balance
// state. all_of nests other conditions.
type UnlockCondition struct {
	Type       UnlockConditionType `json:"type" yaml:"type"`
	MissionID  string              `json:"mission_id,omitempty" yaml:"mission_id,omitempty"`
	LevelID    string              `json:"level_id,omitempty" yaml:"level_id,omitempty"`
	Amount     int64               `json:"amount,omitempty" yaml:"amount,omitempty"`
	Conditions []UnlockCondition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Validate checks the shape only; whether referenced ids exist is checked by the caller.
func (c UnlockCondition) Validate(path string) []Issue {
	var issues []Issue
	switch c.Type {
	case ConditionMissionComplete:
		if c.MissionID == "" {
			issues = append(issues, issuef(join(path, "mission_id"), "required"))
		}
	case ConditionLevelReached:
		if c.LevelID == "" {
			issues = append(issues, issuef(join(path, "level_id"), "required"))
		}
	case ConditionCurrencyThreshold:
		if c.Amount <= 0 {
			issues = append(issues, issuef(join(path, "amount"), "must be > 0"))
		}
	case ConditionAllOf:
		if len(c.Conditions) == 0 {
			issues = append(issues, issuef(join(path, "conditions"), "all_of needs at least one condition"))
		}
		for i, sub := range c.Conditions {
			issues = append(issues, sub.Validate(fmt.Sprintf("%s[%d]", join(path, "conditions"), i))...)
		}
	default:
		issues = append(issues, issuef(join(path, "type"), "unknown condition type %q", c.Type))
	}
	return issues
}

// Describe renders a leaf condition for error messages and API responses.
func (c UnlockCondition) Describe() string {
	switch c.Type {
	case ConditionMissionComplete:
		return fmt.Sprintf("mission_complete(%s)", c.MissionID)
	case ConditionLevelReached:
		return fmt.Sprintf("level_reached(%s)", c.LevelID)
	case ConditionCurrencyThreshold:
		return fmt.Sprintf("currency_threshold(%d)", c.Amount)
	case ConditionAllOf:
		return fmt.Sprintf("all_of(%d)", len(c.Conditions))
	}
	return string(c.Type)
}
