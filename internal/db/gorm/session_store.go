package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	historyWindow  = 7 * 24 * time.Hour
	streakLookback = 30
)

// SessionStore provides session-related database operations using GORM.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{db: store.DB}
}

// InsertSession stores an ended session. Re-inserting the same ID is a no-op.
func (s *SessionStore) InsertSession(ctx context.Context, m models.Session) error {
	row := sessionFromModel(m)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

// NextSessionStart returns the first session of appID that started after t.
func (s *SessionStore) NextSessionStart(ctx context.Context, appID string, after time.Time) (time.Time, bool, error) {
	var row Session
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND started_at_epoch > ?", appID, after.UnixMilli()).
		Order("started_at_epoch ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(row.StartedAtEpoch), true, nil
}

// UsageBetween sums durations of sessions of appID starting in [from, to).
func (s *SessionStore) UsageBetween(ctx context.Context, appID string, from, to time.Time) (time.Duration, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("app_id = ? AND started_at_epoch >= ? AND started_at_epoch < ?", appID, from.UnixMilli(), to.UnixMilli()).
		Select("COALESCE(SUM(duration_ms), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return time.Duration(total) * time.Millisecond, nil
}

// SessionsBetween returns sessions of appID starting in [from, to), oldest first.
// An empty appID matches every app.
func (s *SessionStore) SessionsBetween(ctx context.Context, appID string, from, to time.Time) ([]models.Session, error) {
	q := s.db.WithContext(ctx).
		Where("started_at_epoch >= ? AND started_at_epoch < ?", from.UnixMilli(), to.UnixMilli())
	if appID != "" {
		q = q.Where("app_id = ?", appID)
	}
	var rows []Session
	if err := q.Order("started_at_epoch ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Session, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// LastEnded returns the most recently ended session of appID.
func (s *SessionStore) LastEnded(ctx context.Context, appID string) (models.Session, error) {
	var row Session
	err := s.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("ended_at_epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Session{}, models.ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	return row.toModel(), nil
}

// FirstSessionAt returns the start of the oldest session of appID.
// Sessions starting after now are ignored so a replayed or skewed clock
// cannot yield a negative history.
func (s *SessionStore) FirstSessionAt(ctx context.Context, appID string, now time.Time) (time.Time, bool, error) {
	var row Session
	err := s.db.WithContext(ctx).
		Where("app_id = ? AND started_at_epoch <= ?", appID, now.UnixMilli()).
		Order("started_at_epoch ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(row.StartedAtEpoch), true, nil
}

// History computes the session-derived history aggregates of appID.
func (s *SessionStore) History(ctx context.Context, appID string, now time.Time, goal time.Duration) (models.HistoryAggregates, error) {
	first, ok, err := s.FirstSessionAt(ctx, appID, now)
	if err != nil {
		return models.HistoryAggregates{}, fmt.Errorf("first session: %w", err)
	}
	if !ok {
		return models.HistoryAggregates{}, nil
	}
	from := startOfDay(now).AddDate(0, 0, -streakLookback)
	sessions, err := s.SessionsBetween(ctx, appID, from, now)
	if err != nil {
		return models.HistoryAggregates{}, fmt.Errorf("recent sessions: %w", err)
	}
	return ComputeHistory(sessions, first, now, goal), nil
}

// ComputeHistory derives history aggregates from sessions of one app.
func ComputeHistory(sessions []models.Session, first, now time.Time, goal time.Duration) models.HistoryAggregates {
	first = first.In(now.Location())
	today := startOfDay(now)
	if first.After(now) {
		first = now
	}
	h := models.HistoryAggregates{
		DaysOfHistory: int(today.Sub(startOfDay(first))/(24*time.Hour)) + 1,
	}

	byDay := make(map[string]time.Duration)
	var (
		total     time.Duration
		count     int
		lateNight int
	)
	for _, s := range sessions {
		start := s.StartedAt.In(now.Location())
		if start.After(now) {
			continue
		}
		byDay[start.Format(time.DateOnly)] += s.Duration
		if now.Sub(start) > historyWindow {
			continue
		}
		total += s.Duration
		count++
		if models.IsLateNightHour(start.Hour()) {
			lateNight++
		}
	}

	days := max(min(h.DaysOfHistory, 7), 1)
	if count > 0 {
		h.AvgSessionDuration7d = total / time.Duration(count)
		h.LateNightSessionRatio7d = float64(lateNight) / float64(count)
	}
	h.AvgDailyUsage7d = total / time.Duration(days)
	h.AvgSessionsPerDay7d = float64(count) / float64(days)

	if goal <= 0 {
		return h
	}
	for i := 0; i < 7; i++ {
		if byDay[today.AddDate(0, 0, -i).Format(time.DateOnly)] > goal {
			h.GoalExceededDays7d++
		}
	}
	firstDay := startOfDay(first)
	for i := 1; i <= streakLookback; i++ {
		day := today.AddDate(0, 0, -i)
		if day.Before(firstDay) || byDay[day.Format(time.DateOnly)] > goal {
			break
		}
		h.StreakDays++
	}
	return h
}

// Summaries aggregates usage per app for sessions started in [since, until).
func (s *SessionStore) Summaries(ctx context.Context, since, until time.Time) ([]models.UsageSummary, error) {
	sessions, err := s.SessionsBetween(ctx, "", since, until)
	if err != nil {
		return nil, err
	}
	byApp := make(map[string]*models.UsageSummary)
	var order []string
	for _, m := range sessions {
		sum, ok := byApp[m.AppID]
		if !ok {
			sum = &models.UsageSummary{AppID: m.AppID, FirstSession: m.StartedAt}
			byApp[m.AppID] = sum
			order = append(order, m.AppID)
		}
		sum.Sessions++
		sum.TotalDuration += m.Duration
		if models.IsLateNightHour(m.StartedAt.Hour()) {
			sum.LateNight++
		}
		sum.LastSessionAt = m.StartedAt
	}
	out := make([]models.UsageSummary, 0, len(order))
	for _, app := range order {
		out = append(out, *byApp[app])
	}
	return out, nil
}

// DeleteBefore removes sessions that ended before t.
func (s *SessionStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("ended_at_epoch < ?", t.UnixMilli()).Delete(&Session{})
	return res.RowsAffected, res.Error
}
