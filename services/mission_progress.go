package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"besitos-engine/models"
)

// ProgressUpdate reports what one progress event did to one mission.
type ProgressUpdate struct {
	Mission   *models.Mission
	Progress  *models.MissionProgress
	Counted   bool // the event changed the payload
	Completed bool // the event moved the row to completed
}

// ClaimResult is a committed claim.
type ClaimResult struct {
	Mission     *models.Mission
	Progress    *models.MissionProgress
	Transaction *models.Transaction
	Rewards     []GrantResult
}

func loadProgressTx(tx *gorm.DB, accountID, missionID string) (*models.MissionProgress, error) {
	var p models.MissionProgress
	err := tx.Where("account_id = ? AND mission_id = ?", accountID, missionID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// rollover applies elapsed period boundaries in memory and reports whether the
// row changed. In-progress periodic rows expire when their window closes;
// repeatable rows cycle back to not_started at that boundary. Completed rows
// stay claimable.
func (s *MissionService) rollover(p *models.MissionProgress, m *models.Mission, now time.Time) bool {
	if p.PeriodEndsAt == nil || now.Before(*p.PeriodEndsAt) {
		return false
	}
	switch p.Status {
	case models.StatusInProgress, models.StatusExpired, models.StatusClaimed:
	default:
		return false
	}
	if m.Repeatable {
		p.Status = models.StatusNotStarted
		p.Progress = datatypes.NewJSONType(models.NewProgressState(m.Type))
		p.StartedAt, p.CompletedAt, p.ClaimedAt = nil, nil, nil
		p.PeriodEndsAt = nil
		return true
	}
	if p.Status == models.StatusInProgress {
		p.Status = models.StatusExpired
	}
	p.PeriodEndsAt = nil
	return true
}

// saveProgressTx writes the row only if nobody else changed it since it was read.
func saveProgressTx(tx *gorm.DB, p *models.MissionProgress, now time.Time) error {
	res := tx.Model(&models.MissionProgress{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"status":           p.Status,
			"progress":         p.Progress,
			"started_at":       p.StartedAt,
			"completed_at":     p.CompletedAt,
			"claimed_at":       p.ClaimedAt,
			"period_ends_at":   p.PeriodEndsAt,
			"completion_count": p.CompletionCount,
			"version":          p.Version + 1,
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

// beginTx puts a fresh row (or a not_started one) into in_progress.
func (s *MissionService) beginTx(tx *gorm.DB, accountID string, m *models.Mission, p *models.MissionProgress, now time.Time) (*models.MissionProgress, error) {
	started := now.UTC()
	if p == nil {
		row := models.MissionProgress{
			AccountID:    accountID,
			MissionID:    m.ID,
			Status:       models.StatusInProgress,
			Progress:     datatypes.NewJSONType(models.NewProgressState(m.Type)),
			StartedAt:    &started,
			PeriodEndsAt: s.Periods.WindowEnd(m.Type, now),
			CreatedAt:    started,
			UpdatedAt:    started,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, errVersionConflict
		}
		return &row, nil
	}
	p.Status = models.StatusInProgress
	p.Progress = datatypes.NewJSONType(models.NewProgressState(m.Type))
	p.StartedAt = &started
	p.CompletedAt, p.ClaimedAt = nil, nil
	p.PeriodEndsAt = s.Periods.WindowEnd(m.Type, now)
	if err := saveProgressTx(tx, p, started); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *MissionService) checkPrerequisiteTx(tx *gorm.DB, accountID string, m *models.Mission) error {
	res, err := newUnlockEvaluator(tx, accountID).Evaluate(m.Prerequisite.Data())
	if err != nil {
		return err
	}
	if !res.Unlocked {
		return fmt.Errorf("mission %q needs %s: %w", m.Name, describeUnmet(res.Unmet), ErrLockedReward)
	}
	return nil
}

func loadActiveMission(tx *gorm.DB, missionID string) (*models.Mission, error) {
	m, err := loadMission(tx, missionID)
	if err != nil {
		return nil, err
	}
	if !m.Active {
		return nil, fmt.Errorf("mission %q is inactive: %w", missionID, ErrNotFound)
	}
	return m, nil
}

// Start moves the account's progress on the mission to in_progress.
func (s *MissionService) Start(ctx context.Context, accountID, missionID string) (*models.MissionProgress, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	var out *models.MissionProgress
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			p, err := s.startTx(tx, accountID, missionID)
			out = p
			return err
		})
	})
	return out, err
}

func (s *MissionService) startTx(tx *gorm.DB, accountID, missionID string) (*models.MissionProgress, error) {
	if err := s.Ledger.ensureAccountTx(tx, accountID); err != nil {
		return nil, err
	}
	m, err := loadActiveMission(tx, missionID)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	p, err := loadProgressTx(tx, accountID, m.ID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		s.rollover(p, m, now)
		switch p.Status {
		case models.StatusNotStarted:
		case models.StatusClaimed:
			if !m.Repeatable || m.Type.Periodic() {
				return nil, fmt.Errorf("mission %q: %w", m.Name, ErrAlreadyClaimed)
			}
		case models.StatusExpired:
			return nil, fmt.Errorf("mission %q expired: %w", m.Name, ErrAlreadyStarted)
		default:
			return nil, fmt.Errorf("mission %q: %w", m.Name, ErrAlreadyStarted)
		}
	}
	if err := s.checkPrerequisiteTx(tx, accountID, m); err != nil {
		return nil, err
	}
	return s.beginTx(tx, accountID, m, p, now)
}

// RecordProgress applies delta to the mission's payload, starting it implicitly
// when needed, and completes it when the criteria are met.
func (s *MissionService) RecordProgress(ctx context.Context, accountID, missionID string, delta int) (ProgressUpdate, error) {
	if err := validateAccountID(accountID); err != nil {
		return ProgressUpdate{}, err
	}
	if delta <= 0 {
		return ProgressUpdate{}, invalidf("delta", "must be > 0")
	}
	var out ProgressUpdate
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.Ledger.ensureAccountTx(tx, accountID); err != nil {
				return err
			}
			m, err := loadActiveMission(tx, missionID)
			if err != nil {
				return err
			}
			u, err := s.recordTx(tx, accountID, m, delta, true)
			out = u
			return err
		})
	})
	return out, err
}

// RecordAction records one occurrence of action against every active mission
// listening to it. Missions whose prerequisites are unmet are skipped.
func (s *MissionService) RecordAction(ctx context.Context, accountID, action string, delta int) ([]ProgressUpdate, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if delta <= 0 {
		return nil, invalidf("delta", "must be > 0")
	}
	var out []ProgressUpdate
	err := withRetry(ctx, s.Retry, func() error {
		out = nil
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.Ledger.ensureAccountTx(tx, accountID); err != nil {
				return err
			}
			var missions []models.Mission
			if err := tx.Preload("BonusRewards").Where("active = ?", true).Order("id ASC").Find(&missions).Error; err != nil {
				return err
			}
			for i := range missions {
				m := &missions[i]
				if !m.Criteria.Data().MatchesAction(action) {
					continue
				}
				u, err := s.recordTx(tx, accountID, m, delta, false)
				if errors.Is(err, ErrLockedReward) || errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if u.Counted || u.Completed {
					out = append(out, u)
				}
			}
			return nil
		})
	})
	return out, err
}

func (s *MissionService) recordTx(tx *gorm.DB, accountID string, m *models.Mission, delta int, explicit bool) (ProgressUpdate, error) {
	now := s.Clock.Now()
	p, err := loadProgressTx(tx, accountID, m.ID)
	if err != nil {
		return ProgressUpdate{}, err
	}
	rolled := false
	if p != nil {
		rolled = s.rollover(p, m, now)
	}
	if p == nil || p.Status == models.StatusNotStarted {
		if err := s.checkPrerequisiteTx(tx, accountID, m); err != nil {
			return ProgressUpdate{}, err
		}
		if p, err = s.beginTx(tx, accountID, m, p, now); err != nil {
			return ProgressUpdate{}, err
		}
		rolled = false
	}
	if p.Status != models.StatusInProgress {
		if rolled {
			if err := saveProgressTx(tx, p, now.UTC()); err != nil {
				return ProgressUpdate{}, err
			}
		}
		if explicit && p.Status == models.StatusExpired {
			return ProgressUpdate{}, fmt.Errorf("mission %q expired: %w", m.Name, ErrAlreadyStarted)
		}
		return ProgressUpdate{Mission: m, Progress: p}, nil
	}

	criteria := m.Criteria.Data()
	state := p.Progress.Data()
	counted := s.apply(&state, criteria, delta, now)
	update := ProgressUpdate{Mission: m, Progress: p, Counted: counted}
	if !counted && !rolled {
		return update, nil
	}

	p.Progress = datatypes.NewJSONType(state)
	if state.Count() >= criteria.Target() {
		done := now.UTC()
		p.Status = models.StatusCompleted
		p.CompletedAt = &done
		p.CompletionCount++
		update.Completed = true
	}
	if err := saveProgressTx(tx, p, now.UTC()); err != nil {
		return ProgressUpdate{}, err
	}
	return update, nil
}

// apply mutates state for one event and reports whether it counted.
func (s *MissionService) apply(state *models.ProgressState, c models.MissionCriteria, delta int, now time.Time) bool {
	if state.Type == "" {
		*state = models.NewProgressState(c.Type)
	}
	switch c.Type {
	case models.MissionOneTime:
		if state.OneTime == nil {
			state.OneTime = &models.OneTimeProgress{}
		}
		state.OneTime.Done = true
		return true

	case models.MissionDaily:
		if state.Daily == nil {
			state.Daily = &models.CountProgress{}
		}
		state.Daily.Count += delta
		return true

	case models.MissionWeekly:
		if c.Weekly != nil && len(c.Weekly.Weekdays) > 0 && !s.weekdayAllowed(c.Weekly.Weekdays, now) {
			return false
		}
		if state.Weekly == nil {
			state.Weekly = &models.CountProgress{}
		}
		state.Weekly.Count += delta
		return true

	case models.MissionStreak:
		if state.Streak == nil {
			state.Streak = &models.StreakProgress{}
		}
		today := s.Periods.LocalDay(now)
		last := state.Streak.LastDay
		if last == today {
			return false
		}
		maxGap := s.DefaultMaxGapDays
		if c.Streak != nil && c.Streak.MaxGapDays > 0 {
			maxGap = c.Streak.MaxGapDays
		}
		gap := daysBetween(last, today)
		if last == "" || gap < 1 || gap > maxGap {
			state.Streak.Current = 1
		} else {
			state.Streak.Current++
		}
		state.Streak.LastDay = today
		return true
	}
	return false
}

func (s *MissionService) weekdayAllowed(days []string, now time.Time) bool {
	today := s.Periods.Weekday(now)
	for _, d := range days {
		if wd, ok := models.ParseWeekday(d); ok && wd == today {
			return true
		}
	}
	return false
}

// Claim pays out a completed mission exactly once: besitos through the ledger
// and bonus rewards through the catalog, in the same transaction as the
// status change.
func (s *MissionService) Claim(ctx context.Context, accountID, missionID string) (*ClaimResult, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	var out *ClaimResult
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := s.claimTx(tx, accountID, missionID)
			out = res
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MissionService) claimTx(tx *gorm.DB, accountID, missionID string) (*ClaimResult, error) {
	m, err := loadMission(tx, missionID)
	if err != nil {
		return nil, err
	}
	p, err := loadProgressTx(tx, accountID, m.ID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("mission %q: %w", m.Name, ErrMissionNotCompleted)
	}
	switch p.Status {
	case models.StatusCompleted:
	case models.StatusClaimed:
		return nil, fmt.Errorf("mission %q: %w", m.Name, ErrAlreadyClaimed)
	default:
		return nil, fmt.Errorf("mission %q is %s: %w", m.Name, p.Status, ErrMissionNotCompleted)
	}

	now := s.Clock.Now().UTC()
	res := tx.Model(&models.MissionProgress{}).
		Where("id = ? AND status = ?", p.ID, models.StatusCompleted).
		Updates(map[string]any{
			"status":     models.StatusClaimed,
			"claimed_at": now,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("mission %q: %w", m.Name, ErrAlreadyClaimed)
	}
	p.Status = models.StatusClaimed
	p.ClaimedAt = &now
	p.Version++

	result := &ClaimResult{Mission: m, Progress: p}
	if m.RewardBesitos > 0 {
		t, err := s.Ledger.grantTx(tx, accountID, m.RewardBesitos, Reason{Code: "mission:" + slugKey(m.Name), Category: models.CategoryMission})
		if err != nil {
			return nil, err
		}
		result.Transaction = t
	}
	for _, link := range m.BonusRewards {
		reward, err := loadReward(tx, link.RewardID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !reward.Active {
			continue
		}
		g, err := s.Rewards.grantTx(tx, accountID, reward, models.MethodMission)
		if err != nil {
			return nil, err
		}
		result.Rewards = append(result.Rewards, g)
	}
	return result, nil
}

// Progress returns the account's row for the mission as of now (period
// boundaries applied), nil when never started.
func (s *MissionService) Progress(ctx context.Context, accountID, missionID string) (*models.MissionProgress, error) {
	db := s.DB.WithContext(ctx)
	m, err := loadMission(db, missionID)
	if err != nil {
		return nil, err
	}
	p, err := loadProgressTx(db, accountID, missionID)
	if err != nil || p == nil {
		return p, err
	}
	s.rollover(p, m, s.Clock.Now())
	return p, nil
}

// ListProgress returns every progress row of the account as of now.
func (s *MissionService) ListProgress(ctx context.Context, accountID string) ([]models.MissionProgress, error) {
	db := s.DB.WithContext(ctx)
	var rows []models.MissionProgress
	if err := db.Where("account_id = ?", accountID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	for i := range rows {
		var m models.Mission
		if err := db.Unscoped().First(&m, "id = ?", rows[i].MissionID).Error; err != nil {
			continue
		}
		s.rollover(&rows[i], &m, now)
	}
	return rows, nil
}

// ElapsedProgressIDs pages through rows whose window has closed and that a
// rollover would change.
func (s *MissionService) ElapsedProgressIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	var ids []uint64
	err := s.DB.WithContext(ctx).
		Model(&models.MissionProgress{}).
		Where("id > ? AND period_ends_at IS NOT NULL AND period_ends_at <= ?", afterID, s.Clock.Now().UTC()).
		Where("status IN ?", []models.MissionStatus{models.StatusInProgress, models.StatusClaimed, models.StatusExpired}).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// RolloverProgress persists elapsed period boundaries for one row.
func (s *MissionService) RolloverProgress(ctx context.Context, progressID uint64) (bool, error) {
	changed := false
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var p models.MissionProgress
			if err := tx.First(&p, "id = ?", progressID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return notFound("mission progress", fmt.Sprint(progressID))
				}
				return err
			}
			var m models.Mission
			if err := tx.Unscoped().First(&m, "id = ?", p.MissionID).Error; err != nil {
				return err
			}
			now := s.Clock.Now()
			changed = s.rollover(&p, &m, now)
			if !changed {
				return nil
			}
			return saveProgressTx(tx, &p, now.UTC())
		})
	})
	return changed, err
}
