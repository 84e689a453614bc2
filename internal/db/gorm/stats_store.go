package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/pausepoint/pkg/models"
)

// StatsStore maintains the daily_stats aggregate table.
type StatsStore struct {
	db *gorm.DB
}

func NewStatsStore(store *Store) *StatsStore {
	return &StatsStore{db: store.DB}
}

type appCount struct {
	AppID   string
	N       int64
	TotalMs int64
}

// AggregateDay recomputes the rows of the local day containing day.
// Running it again for the same day overwrites the previous values.
func (s *StatsStore) AggregateDay(ctx context.Context, day time.Time) (int, error) {
	from := startOfDay(day)
	to := from.AddDate(0, 0, 1)
	date := from.Format(time.DateOnly)
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	rows := make(map[string]*DailyStat)
	row := func(app string) *DailyStat {
		r, ok := rows[app]
		if !ok {
			r = &DailyStat{Date: date, AppID: app}
			rows[app] = r
		}
		return r
	}

	var sessions []appCount
	err := s.db.WithContext(ctx).Model(&Session{}).
		Select("app_id, COUNT(*) AS n, COALESCE(SUM(duration_ms), 0) AS total_ms").
		Where("started_at_epoch >= ? AND started_at_epoch < ?", fromMs, toMs).
		Group("app_id").Scan(&sessions).Error
	if err != nil {
		return 0, fmt.Errorf("aggregate sessions: %w", err)
	}
	for _, c := range sessions {
		r := row(c.AppID)
		r.Sessions = int(c.N)
		r.TotalDurationMs = c.TotalMs
	}

	for _, d := range []models.Decision{models.DecisionShow, models.DecisionSkip} {
		var counts []appCount
		err := s.db.WithContext(ctx).Model(&DecisionExplanation{}).
			Select("app_id, COUNT(*) AS n").
			Where("timestamp_epoch >= ? AND timestamp_epoch < ? AND decision = ?", fromMs, toMs, string(d)).
			Group("app_id").Scan(&counts).Error
		if err != nil {
			return 0, fmt.Errorf("aggregate decisions: %w", err)
		}
		for _, c := range counts {
			if d == models.DecisionShow {
				row(c.AppID).InterventionsShown = int(c.N)
			} else {
				row(c.AppID).InterventionsSkipped = int(c.N)
			}
		}
	}

	var goBacks []appCount
	err = s.db.WithContext(ctx).Model(&ComprehensiveOutcome{}).
		Select("app_id, COUNT(*) AS n").
		Where("shown_at_epoch >= ? AND shown_at_epoch < ? AND response = ?", fromMs, toMs, string(models.ResponseGoBack)).
		Group("app_id").Scan(&goBacks).Error
	if err != nil {
		return 0, fmt.Errorf("aggregate outcomes: %w", err)
	}
	for _, c := range goBacks {
		row(c.AppID).GoBacks = int(c.N)
	}

	for _, r := range rows {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "date"}, {Name: "app_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"sessions", "total_duration_ms", "interventions_shown",
					"interventions_skipped", "go_backs", "updated_at_epoch",
				}),
			}).
			Create(r).Error
		if err != nil {
			return 0, fmt.Errorf("upsert daily stats %s/%s: %w", date, r.AppID, err)
		}
	}
	return len(rows), nil
}

// DailyStats returns rows with from <= date <= to (YYYY-MM-DD), oldest first.
func (s *StatsStore) DailyStats(ctx context.Context, from, to string) ([]models.DailyStats, error) {
	var rows []DailyStat
	err := s.db.WithContext(ctx).
		Where("date >= ? AND date <= ?", from, to).
		Order("date ASC, app_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.DailyStats, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
