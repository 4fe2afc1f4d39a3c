package workers

import (
	"context"

	"besitos-engine/logger"
	"besitos-engine/services"
)

// StreakSweeper zeroes streaks idle past the inactivity threshold and
// notifies their owners.
type StreakSweeper struct {
	Engine    *services.Engine
	BatchSize int
	Log       *logger.Logger
}

func NewStreakSweeper(engine *services.Engine, batchSize int, log *logger.Logger) *StreakSweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &StreakSweeper{Engine: engine, BatchSize: batchSize, Log: log}
}

func (s *StreakSweeper) Name() string { return "streaks" }

func (s *StreakSweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	streaks := s.Engine.Streaks
	cutoff := streaks.InactivityCutoff()
	var after uint64
	for {
		page, err := streaks.InactiveStreaks(ctx, cutoff, after, s.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, st := range page {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Scanned++
			reset, err := streaks.ResetStreak(ctx, st.ID, cutoff)
			if err != nil {
				stats.Failed++
				s.Log.Warn("streak reset failed", "account_id", st.AccountID, "error", err)
				continue
			}
			if reset {
				stats.Changed++
				s.Engine.NotifyStreakLost(ctx, st.AccountID, st.Current)
			}
		}
		if len(page) < s.BatchSize {
			return stats, nil
		}
		after = page[len(page)-1].ID
	}
}
