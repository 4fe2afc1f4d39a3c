package services

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"besitos-engine/config"
	"besitos-engine/models"
)

// StreakService tracks consecutive days of activity per account.
type StreakService struct {
	DB      *gorm.DB
	Clock   clockwork.Clock
	Retry   RetryPolicy
	Periods *Periods
	Config  config.StreaksConfig
	Ledger  *LedgerService
}

func NewStreakService(db *gorm.DB, clock clockwork.Clock, retry RetryPolicy, periods *Periods, cfg config.StreaksConfig, ledger *LedgerService) *StreakService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxGapDays < 1 {
		cfg.MaxGapDays = 1
	}
	return &StreakService{DB: db, Clock: clock, Retry: retry, Periods: periods, Config: cfg, Ledger: ledger}
}

// StreakUpdate is the effect of one qualifying activity.
type StreakUpdate struct {
	Streak    models.Streak
	Extended  bool // Current changed (extended or restarted)
	Restarted bool // a gap broke the previous streak
	Milestone bool // Current just reached a configured milestone
}

func (s *StreakService) isMilestone(n int) bool {
	for _, m := range s.Config.Milestones {
		if m == n {
			return true
		}
	}
	return false
}

// RecordActivity counts today for the account. Repeated activity on the same
// local day only refreshes the activity timestamp.
func (s *StreakService) RecordActivity(ctx context.Context, accountID string) (StreakUpdate, error) {
	if err := validateAccountID(accountID); err != nil {
		return StreakUpdate{}, err
	}
	var out StreakUpdate
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			u, err := s.recordTx(tx, accountID)
			out = u
			return err
		})
	})
	return out, err
}

func (s *StreakService) recordTx(tx *gorm.DB, accountID string) (StreakUpdate, error) {
	if err := s.Ledger.ensureAccountTx(tx, accountID); err != nil {
		return StreakUpdate{}, err
	}
	now := s.Clock.Now().UTC()
	seed := models.Streak{AccountID: accountID, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return StreakUpdate{}, err
	}
	var st models.Streak
	if err := tx.Where("account_id = ?", accountID).Take(&st).Error; err != nil {
		return StreakUpdate{}, err
	}

	update := StreakUpdate{}
	today := s.Periods.LocalDay(now)
	switch {
	case st.LastActivityAt != nil && st.Current > 0 && s.Periods.LocalDay(*st.LastActivityAt) == today:
		// already counted today
	case st.LastActivityAt == nil || st.Current == 0:
		st.Current = 1
		update.Extended = true
	default:
		gap := daysBetween(s.Periods.LocalDay(*st.LastActivityAt), today)
		if gap >= 1 && gap <= s.Config.MaxGapDays {
			st.Current++
		} else {
			st.Current = 1
			update.Restarted = true
		}
		update.Extended = true
	}
	if st.Current > st.Longest {
		st.Longest = st.Current
	}
	update.Milestone = update.Extended && s.isMilestone(st.Current)

	res := tx.Model(&models.Streak{}).
		Where("id = ? AND version = ?", st.ID, st.Version).
		Updates(map[string]any{
			"current":          st.Current,
			"longest":          st.Longest,
			"last_activity_at": now,
			"version":          st.Version + 1,
			"updated_at":       now,
		})
	if res.Error != nil {
		return StreakUpdate{}, res.Error
	}
	if res.RowsAffected == 0 {
		return StreakUpdate{}, errVersionConflict
	}
	st.Version++
	st.LastActivityAt = &now
	st.UpdatedAt = now
	update.Streak = st
	return update, nil
}

// Get returns the account's streak; a zero streak when none is recorded.
func (s *StreakService) Get(ctx context.Context, accountID string) (models.Streak, error) {
	var st models.Streak
	err := s.DB.WithContext(ctx).Where("account_id = ?", accountID).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Streak{AccountID: accountID}, nil
	}
	return st, err
}

// InactivityCutoff is the last-activity time before which a streak is lost.
func (s *StreakService) InactivityCutoff() time.Time {
	return s.Clock.Now().UTC().Add(-s.Config.InactivityThreshold)
}

// InactiveStreaks pages (by id) through live streaks idle since before cutoff.
func (s *StreakService) InactiveStreaks(ctx context.Context, cutoff time.Time, afterID uint64, limit int) ([]models.Streak, error) {
	var out []models.Streak
	err := s.DB.WithContext(ctx).
		Where("id > ? AND current > 0 AND last_activity_at < ?", afterID, cutoff.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ResetStreak zeroes one streak if it is still idle past cutoff. Activity that
// lands between the scan and this call wins.
func (s *StreakService) ResetStreak(ctx context.Context, streakID uint64, cutoff time.Time) (bool, error) {
	var reset bool
	err := withRetry(ctx, s.Retry, func() error {
		res := s.DB.WithContext(ctx).Model(&models.Streak{}).
			Where("id = ? AND current > 0 AND last_activity_at < ?", streakID, cutoff.UTC()).
			Updates(map[string]any{
				"current":    0,
				"version":    gorm.Expr("version + 1"),
				"updated_at": s.Clock.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		reset = res.RowsAffected > 0
		return nil
	})
	return reset, err
}
