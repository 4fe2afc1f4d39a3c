package workers

import (
	"context"

	"besitos-engine/logger"
	"besitos-engine/services"
)

// MissionResetSweeper persists period rollovers so stored progress matches
// what reads already report.
type MissionResetSweeper struct {
	Missions  *services.MissionService
	BatchSize int
	Log       *logger.Logger
}

func NewMissionResetSweeper(missions *services.MissionService, batchSize int, log *logger.Logger) *MissionResetSweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &MissionResetSweeper{Missions: missions, BatchSize: batchSize, Log: log}
}

func (s *MissionResetSweeper) Name() string { return "mission-reset" }

func (s *MissionResetSweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	var after uint64
	for {
		ids, err := s.Missions.ElapsedProgressIDs(ctx, after, s.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Scanned++
			changed, err := s.Missions.RolloverProgress(ctx, id)
			if err != nil {
				stats.Failed++
				s.Log.Warn("mission rollover failed", "progress_id", id, "error", err)
				continue
			}
			if changed {
				stats.Changed++
			}
		}
		if len(ids) < s.BatchSize {
			return stats, nil
		}
		after = ids[len(ids)-1]
	}
}
