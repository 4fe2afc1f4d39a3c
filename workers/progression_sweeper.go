package workers

import (
	"context"

	"besitos-engine/logger"
	"besitos-engine/services"
)

// ProgressionSweeper re-applies levels for every account. It catches level
// changes caused by ladder edits, which no account operation would trigger.
type ProgressionSweeper struct {
	Engine    *services.Engine
	BatchSize int
	Log       *logger.Logger
}

func NewProgressionSweeper(engine *services.Engine, batchSize int, log *logger.Logger) *ProgressionSweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &ProgressionSweeper{Engine: engine, BatchSize: batchSize, Log: log}
}

func (s *ProgressionSweeper) Name() string { return "progression" }

func (s *ProgressionSweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	after := ""
	for {
		ids, err := s.Engine.Ledger.AccountIDs(ctx, after, s.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Scanned++
			change, err := s.Engine.SyncLevel(ctx, id)
			if err != nil {
				stats.Failed++
				s.Log.Warn("level sync failed", "account_id", id, "error", err)
				continue
			}
			if change.Changed {
				stats.Changed++
			}
		}
		if len(ids) < s.BatchSize {
			return stats, nil
		}
		after = ids[len(ids)-1]
	}
}
