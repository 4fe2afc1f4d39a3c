package models

import (
	"time"

	"gorm.io/datatypes"
)

type MissionStatus string

const (
	StatusNotStarted MissionStatus = "not_started"
	StatusInProgress MissionStatus = "in_progress"
	StatusCompleted  MissionStatus = "completed"
	StatusClaimed    MissionStatus = "claimed"
	StatusExpired    MissionStatus = "expired"
)

// LocalDayLayout is how calendar days are stored in streak payloads.
const LocalDayLayout = "2006-01-02"

type OneTimeProgress struct {
	Done bool `json:"done"`
}

type CountProgress struct {
	Count int `json:"count"`
}

type StreakProgress struct {
	Current int    `json:"current"`
	LastDay string `json:"last_day,omitempty"` // local calendar day of the last counted activity
}

// ProgressState is the per-account payload; its variant matches the mission type.
type ProgressState struct {
	Type    MissionType      `json:"type"`
	OneTime *OneTimeProgress `json:"one_time,omitempty"`
	Daily   *CountProgress   `json:"daily,omitempty"`
	Weekly  *CountProgress   `json:"weekly,omitempty"`
	Streak  *StreakProgress  `json:"streak,omitempty"`
}

// NewProgressState returns the zero payload for a mission type.
func NewProgressState(t MissionType) ProgressState {
	s := ProgressState{Type: t}
	switch t {
	case MissionOneTime:
		s.OneTime = &OneTimeProgress{}
	case MissionDaily:
		s.Daily = &CountProgress{}
	case MissionWeekly:
		s.Weekly = &CountProgress{}
	case MissionStreak:
		s.Streak = &StreakProgress{}
	}
	return s
}

// Count is the progress towards MissionCriteria.Target.
func (s ProgressState) Count() int {
	switch {
	case s.OneTime != nil:
		if s.OneTime.Done {
			return 1
		}
		return 0
	case s.Daily != nil:
		return s.Daily.Count
	case s.Weekly != nil:
		return s.Weekly.Count
	case s.Streak != nil:
		return s.Streak.Current
	}
	return 0
}

// MissionProgress is the state machine row for one (account, mission) pair.
// Version guards every payload update (compare-and-swap).
type MissionProgress struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_progress_account_mission,priority:1" json:"account_id"`
	MissionID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_progress_account_mission,priority:2;index" json:"mission_id"`

	Status   MissionStatus                     `gorm:"type:varchar(16);not null;index" json:"status"`
	Progress datatypes.JSONType[ProgressState] `gorm:"not null" json:"progress"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	PeriodEndsAt    *time.Time `gorm:"index" json:"period_ends_at,omitempty"`
	CompletionCount int        `gorm:"not null;default:0" json:"completion_count"`
	Version         int64      `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (MissionProgress) TableName() string {
	return "mission_progress"
}
