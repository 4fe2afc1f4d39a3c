package notifications

import (
	"context"
	"time"
)

type Kind string

const (
	KindLevelUp          Kind = "level_up"
	KindMissionCompleted Kind = "mission_completed"
	KindRewardUnlocked   Kind = "reward_unlocked"
	KindStreakMilestone  Kind = "streak_milestone"
	KindStreakLost       Kind = "streak_lost"
)

// Notification is a fire-and-forget event for the notification collaborator.
type Notification struct {
	Kind      Kind      `json:"kind"`
	AccountID string    `json:"account_id"`
	At        time.Time `json:"at"`

	LevelID     string `json:"level_id,omitempty"`
	LevelName   string `json:"level_name,omitempty"`
	MissionID   string `json:"mission_id,omitempty"`
	MissionName string `json:"mission_name,omitempty"`
	RewardID    string `json:"reward_id,omitempty"`
	RewardName  string `json:"reward_name,omitempty"`
	Streak      int    `json:"streak,omitempty"`
}

// Notifier delivers notifications. Implementations must not block the caller for
// long; a failed delivery is never reported back to the operation that caused it.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Fanout delivers to every sink in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) {
	for _, sink := range f {
		if sink != nil {
			sink.Notify(ctx, n)
		}
	}
}
