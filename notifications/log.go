package notifications

import (
	"context"

	"besitos-engine/logger"
)

// LogNotifier writes every notification to the structured log.
type LogNotifier struct {
	Log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{Log: log.With("component", "Notifications")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	kv := []interface{}{"kind", n.Kind, "account_id", n.AccountID}
	if n.LevelID != "" {
		kv = append(kv, "level", n.LevelName)
	}
	if n.MissionID != "" {
		kv = append(kv, "mission", n.MissionName)
	}
	if n.RewardID != "" {
		kv = append(kv, "reward", n.RewardName)
	}
	if n.Streak > 0 {
		kv = append(kv, "streak", n.Streak)
	}
	l.Log.Info("notification", kv...)
}
