package services

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"besitos-engine/config"
	"besitos-engine/models"
)

// Periods computes reset boundaries for periodic missions and local calendar
// days for streaks, both in the configured time zone.
type Periods struct {
	loc    *time.Location
	daily  cron.Schedule
	weekly cron.Schedule
}

func NewPeriods(cfg config.MissionsConfig, loc *time.Location) (*Periods, error) {
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	daily, err := parser.Parse(cfg.DailyResetCron)
	if err != nil {
		return nil, fmt.Errorf("periods: daily reset cron %q: %w", cfg.DailyResetCron, err)
	}
	weekly, err := parser.Parse(cfg.WeeklyResetCron)
	if err != nil {
		return nil, fmt.Errorf("periods: weekly reset cron %q: %w", cfg.WeeklyResetCron, err)
	}
	return &Periods{loc: loc, daily: daily, weekly: weekly}, nil
}

func (p *Periods) Location() *time.Location { return p.loc }

// WindowEnd returns when the window containing now closes, nil for non-periodic missions.
func (p *Periods) WindowEnd(t models.MissionType, now time.Time) *time.Time {
	var next time.Time
	switch t {
	case models.MissionDaily:
		next = p.daily.Next(now.In(p.loc))
	case models.MissionWeekly:
		next = p.weekly.Next(now.In(p.loc))
	default:
		return nil
	}
	next = next.UTC()
	return &next
}

// LocalDay is the calendar day of t in the configured zone.
func (p *Periods) LocalDay(t time.Time) string {
	return t.In(p.loc).Format(models.LocalDayLayout)
}

// Weekday of t in the configured zone.
func (p *Periods) Weekday(t time.Time) time.Weekday {
	return t.In(p.loc).Weekday()
}

// daysBetween counts calendar days from a to b (both LocalDayLayout). Unparseable input yields -1.
func daysBetween(a, b string) int {
	da, err := time.Parse(models.LocalDayLayout, a)
	if err != nil {
		return -1
	}
	db, err := time.Parse(models.LocalDayLayout, b)
	if err != nil {
		return -1
	}
	return int(db.Sub(da).Hours() / 24)
}
