package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type MissionType string

const (
	MissionOneTime MissionType = "one_time"
	MissionDaily   MissionType = "daily"
	MissionWeekly  MissionType = "weekly"
	MissionStreak  MissionType = "streak"
)

func (t MissionType) Valid() bool {
	switch t {
	case MissionOneTime, MissionDaily, MissionWeekly, MissionStreak:
		return true
	}
	return false
}

// Periodic missions have a reset window.
func (t MissionType) Periodic() bool {
	return t == MissionDaily || t == MissionWeekly
}

// Action tags are matched case-insensitively; empty matches every action.
type OneTimeCriteria struct {
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
}

type DailyCriteria struct {
	Target int    `json:"target" yaml:"target"`
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
}

type WeeklyCriteria struct {
	Target   int      `json:"target" yaml:"target"`
	Weekdays []string `json:"weekdays,omitempty" yaml:"weekdays,omitempty"` // e.g. ["saturday","sunday"]; empty = any day
	Action   string   `json:"action,omitempty" yaml:"action,omitempty"`
}

type StreakCriteria struct {
	Days       int    `json:"days" yaml:"days"`
	MaxGapDays int    `json:"max_gap_days,omitempty" yaml:"max_gap_days,omitempty"` // 0 = engine default
	Action     string `json:"action,omitempty" yaml:"action,omitempty"`
}

// MissionCriteria is a tagged union with one variant per mission type.
type MissionCriteria struct {
	Type    MissionType      `json:"type" yaml:"type"`
	OneTime *OneTimeCriteria `json:"one_time,omitempty" yaml:"one_time,omitempty"`
	Daily   *DailyCriteria   `json:"daily,omitempty" yaml:"daily,omitempty"`
	Weekly  *WeeklyCriteria  `json:"weekly,omitempty" yaml:"weekly,omitempty"`
	Streak  *StreakCriteria  `json:"streak,omitempty" yaml:"streak,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts full English day names in any case.
func ParseWeekday(name string) (time.Weekday, bool) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

func (c MissionCriteria) Validate(missionType MissionType, path string) []Issue {
	var issues []Issue
	if c.Type != missionType {
		issues = append(issues, issuef(join(path, "type"), "criteria type %q does not match mission type %q", c.Type, missionType))
	}
	set := 0
	for _, present := range []bool{c.OneTime != nil, c.Daily != nil, c.Weekly != nil, c.Streak != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		issues = append(issues, issuef(path, "exactly one criteria variant must be set"))
	}

	switch missionType {
	case MissionOneTime:
		if c.OneTime == nil {
			return append(issues, issuef(join(path, "one_time"), "required for one_time missions"))
		}
	case MissionDaily:
		if c.Daily == nil {
			return append(issues, issuef(join(path, "daily"), "required for daily missions"))
		}
		if c.Daily.Target <= 0 {
			issues = append(issues, issuef(join(path, "daily.target"), "must be > 0"))
		}
	case MissionWeekly:
		if c.Weekly == nil {
			return append(issues, issuef(join(path, "weekly"), "required for weekly missions"))
		}
		if c.Weekly.Target <= 0 {
			issues = append(issues, issuef(join(path, "weekly.target"), "must be > 0"))
		}
		for i, d := range c.Weekly.Weekdays {
			if _, ok := ParseWeekday(d); !ok {
				issues = append(issues, issuef(fmt.Sprintf("%s[%d]", join(path, "weekly.weekdays"), i), "unknown weekday %q", d))
			}
		}
	case MissionStreak:
		if c.Streak == nil {
			return append(issues, issuef(join(path, "streak"), "required for streak missions"))
		}
		if c.Streak.Days <= 0 {
			issues = append(issues, issuef(join(path, "streak.days"), "must be > 0"))
		}
		if c.Streak.MaxGapDays < 0 {
			issues = append(issues, issuef(join(path, "streak.max_gap_days"), "must be >= 0"))
		}
	default:
		issues = append(issues, issuef(join(path, "type"), "unknown mission type %q", missionType))
	}
	return issues
}

// Action returns the action tag the mission listens to.
func (c MissionCriteria) Action() string {
	switch {
	case c.OneTime != nil:
		return c.OneTime.Action
	case c.Daily != nil:
		return c.Daily.Action
	case c.Weekly != nil:
		return c.Weekly.Action
	case c.Streak != nil:
		return c.Streak.Action
	}
	return ""
}

// MatchesAction reports whether an incoming action tag counts for this mission.
func (c MissionCriteria) MatchesAction(action string) bool {
	want := strings.TrimSpace(c.Action())
	return want == "" || strings.EqualFold(want, strings.TrimSpace(action))
}

// Target is the count needed for completion.
func (c MissionCriteria) Target() int {
	switch {
	case c.OneTime != nil:
		return 1
	case c.Daily != nil:
		return c.Daily.Target
	case c.Weekly != nil:
		return c.Weekly.Target
	case c.Streak != nil:
		return c.Streak.Days
	}
	return 0
}

// Mission is a definition; per-account state lives in MissionProgress.
type Mission struct {
	ID            string                               `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name          string                               `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Description   string                               `gorm:"type:text" json:"description"`
	Type          MissionType                          `gorm:"type:varchar(16);not null;index" json:"type"`
	Criteria      datatypes.JSONType[MissionCriteria]  `gorm:"not null" json:"criteria"`
	RewardBesitos int64                                `gorm:"not null" json:"reward_besitos"`
	Repeatable    bool                                 `gorm:"not null" json:"repeatable"`
	Active        bool                                 `gorm:"not null;index" json:"active"`
	Prerequisite  datatypes.JSONType[*UnlockCondition] `json:"prerequisite"`

	BonusRewards []MissionReward `gorm:"foreignKey:MissionID" json:"bonus_rewards,omitempty"`

	Timestamps
}

// MissionReward links a mission to a bonus reward granted on claim.
type MissionReward struct {
	MissionID string    `gorm:"primaryKey;type:varchar(36)" json:"mission_id"`
	RewardID  string    `gorm:"primaryKey;type:varchar(36)" json:"reward_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BonusRewardIDs flattens the join rows.
func (m Mission) BonusRewardIDs() []string {
	ids := make([]string, 0, len(m.BonusRewards))
	for _, link := range m.BonusRewards {
		ids = append(ids, link.RewardID)
	}
	return ids
}
