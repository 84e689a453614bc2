package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/pausepoint/internal/burden"
	"github.com/thebtf/pausepoint/pkg/models"
)

// OutcomeStore persists staged intervention outcomes. Every stage update is
// conditional on the stage flag so concurrent or repeated sweeps are safe.
type OutcomeStore struct {
	db *gorm.DB
}

func NewOutcomeStore(store *Store) *OutcomeStore {
	return &OutcomeStore{db: store.DB}
}

// InsertOutcome creates the row of a shown intervention.
func (s *OutcomeStore) InsertOutcome(ctx context.Context, o models.ComprehensiveOutcome) error {
	row := ComprehensiveOutcome{
		InterventionID: o.InterventionID,
		SessionID:      o.SessionID,
		AppID:          o.AppID,
		ContentType:    string(o.ContentType),
		ContextBucket:  o.ContextBucket,
		ShownAt:        o.ShownAt.Format(time.RFC3339),
		ShownAtEpoch:   o.ShownAt.UnixMilli(),
		ShownHour:      o.ShownAt.Hour(),
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrDuplicateOutcome
	}
	return err
}

// GetOutcome loads one row.
func (s *OutcomeStore) GetOutcome(ctx context.Context, interventionID string) (models.ComprehensiveOutcome, error) {
	var row ComprehensiveOutcome
	err := s.db.WithContext(ctx).Where("intervention_id = ?", interventionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ComprehensiveOutcome{}, models.ErrNotFound
	}
	if err != nil {
		return models.ComprehensiveOutcome{}, err
	}
	return row.toModel(), nil
}

// SetProximal records the immediate response once.
func (s *OutcomeStore) SetProximal(ctx context.Context, r models.ProximalResponse) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&ComprehensiveOutcome{}).
		Where("intervention_id = ? AND proximal_collected = ?", r.InterventionID, false).
		Updates(map[string]any{
			"response":            string(r.Response),
			"response_latency_ms": r.Latency.Milliseconds(),
			"feedback":            string(r.Feedback),
			"proximal_collected":  true,
		})
	return res.RowsAffected > 0, res.Error
}

var stageFlags = map[models.Stage]string{
	models.StageProximal: "proximal_collected",
	models.StageShort:    "short_collected",
	models.StageMedium:   "medium_collected",
	models.StageLong:     "long_collected",
}

// DueForStage returns rows shown in [shownAfter, shownBefore) whose stage
// is still outstanding and which have not exhausted their attempts.
func (s *OutcomeStore) DueForStage(ctx context.Context, stage models.Stage, shownAfter, shownBefore time.Time, maxAttempts int) ([]models.ComprehensiveOutcome, error) {
	flag, ok := stageFlags[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	var rows []ComprehensiveOutcome
	err := s.db.WithContext(ctx).
		Where(flag+" = ?", false).
		Where("shown_at_epoch >= ? AND shown_at_epoch < ?", shownAfter.UnixMilli(), shownBefore.UnixMilli()).
		Where("sweep_attempts < ?", maxAttempts).
		Order("shown_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOutcomeModels(rows), nil
}

// SetStage stores the stage result carried in o and sets its flag, unless
// another writer already did.
func (s *OutcomeStore) SetStage(ctx context.Context, o models.ComprehensiveOutcome, stage models.Stage) (bool, error) {
	flag, ok := stageFlags[stage]
	if !ok || stage == models.StageProximal {
		return false, fmt.Errorf("stage %q cannot be swept", stage)
	}
	values := map[string]any{flag: true}
	switch stage {
	case models.StageShort:
		values["reopened_within_30m"] = o.Short.ReopenedWithin30m
		values["minutes_until_reopen"] = o.Short.MinutesUntilReopen
	case models.StageMedium:
		values["usage_rest_of_day_ms"] = o.Medium.UsageRestOfDay.Milliseconds()
		values["goal_met_today"] = o.Medium.GoalMetToday
	case models.StageLong:
		values["weekly_usage_before"] = o.Long.WeeklyUsageBefore.Milliseconds()
		values["weekly_usage_after"] = o.Long.WeeklyUsageAfter.Milliseconds()
		values["usage_change_pct"] = o.Long.UsageChangePct
	}
	res := s.db.WithContext(ctx).
		Model(&ComprehensiveOutcome{}).
		Where("intervention_id = ? AND "+flag+" = ?", o.InterventionID, false).
		Updates(values)
	return res.RowsAffected > 0, res.Error
}

// RecordSweepFailure bumps the attempt counter of a row.
func (s *OutcomeStore) RecordSweepFailure(ctx context.Context, interventionID string, cause string) error {
	return s.db.WithContext(ctx).
		Model(&ComprehensiveOutcome{}).
		Where("intervention_id = ?", interventionID).
		Updates(map[string]any{
			"sweep_attempts":   gorm.Expr("sweep_attempts + 1"),
			"last_sweep_error": cause,
		}).Error
}

// PendingRewards returns rows whose reward has not been applied.
func (s *OutcomeStore) PendingRewards(ctx context.Context, maxAttempts int) ([]models.ComprehensiveOutcome, error) {
	var rows []ComprehensiveOutcome
	err := s.db.WithContext(ctx).
		Where("reward_applied = ? AND sweep_attempts < ?", false, maxAttempts).
		Order("shown_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOutcomeModels(rows), nil
}

// SetReward closes a row with its reward; nil stores no score.
func (s *OutcomeStore) SetReward(ctx context.Context, interventionID string, reward *float64) (bool, error) {
	values := map[string]any{"reward_applied": true}
	if reward != nil {
		values["reward_score"] = *reward
	}
	res := s.db.WithContext(ctx).
		Model(&ComprehensiveOutcome{}).
		Where("intervention_id = ? AND reward_applied = ?", interventionID, false).
		Updates(values)
	return res.RowsAffected > 0, res.Error
}

// ResetSweepAttempts clears the attempt counters of open rows.
func (s *OutcomeStore) ResetSweepAttempts(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&ComprehensiveOutcome{}).
		Where("sweep_attempts > ? AND reward_applied = ?", 0, false).
		Update("sweep_attempts", 0)
	return res.RowsAffected, res.Error
}

// BurdenSamples returns responded interventions shown since the given time.
func (s *OutcomeStore) BurdenSamples(ctx context.Context, since time.Time) ([]burden.Sample, error) {
	var rows []ComprehensiveOutcome
	err := s.db.WithContext(ctx).
		Where("shown_at_epoch >= ? AND proximal_collected = ?", since.UnixMilli(), true).
		Order("shown_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]burden.Sample, len(rows))
	for i, r := range rows {
		out[i] = burden.Sample{
			ShownAt:  time.UnixMilli(r.ShownAtEpoch),
			Response: models.UserResponse(r.Response.String),
			Latency:  time.Duration(r.ResponseLatencyMs) * time.Millisecond,
			Feedback: models.Feedback(r.Feedback),
		}
	}
	return out, nil
}

// InterventionStats summarizes the last week of interventions of appID and
// the all-time go-back rate at the given hour.
func (s *OutcomeStore) InterventionStats(ctx context.Context, appID string, hour int, now time.Time) (models.InterventionStats, error) {
	var st models.InterventionStats

	type agg struct {
		Total   int64
		GoBacks int64
	}
	var week agg
	err := s.db.WithContext(ctx).
		Model(&ComprehensiveOutcome{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN response = ? THEN 1 ELSE 0 END), 0) AS go_backs", string(models.ResponseGoBack)).
		Where("app_id = ? AND shown_at_epoch >= ?", appID, now.Add(-historyWindow).UnixMilli()).
		Scan(&week).Error
	if err != nil {
		return st, err
	}
	st.Shown7d = int(week.Total)
	if week.Total > 0 {
		st.GoBackRate7d = float64(week.GoBacks) / float64(week.Total)
	}

	var atHour agg
	err = s.db.WithContext(ctx).
		Model(&ComprehensiveOutcome{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN response = ? THEN 1 ELSE 0 END), 0) AS go_backs", string(models.ResponseGoBack)).
		Where("app_id = ? AND shown_hour = ? AND proximal_collected = ?", appID, hour, true).
		Scan(&atHour).Error
	if err != nil {
		return st, err
	}
	st.HourSuccessSample = int(atHour.Total)
	if atHour.Total > 0 {
		st.HourSuccessRate = float64(atHour.GoBacks) / float64(atHour.Total)
	}
	return st, nil
}

func toOutcomeModels(rows []ComprehensiveOutcome) []models.ComprehensiveOutcome {
	out := make([]models.ComprehensiveOutcome, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}
