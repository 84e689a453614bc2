package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/pausepoint/pkg/models"
)

// DecisionStore persists the append-only decision log.
type DecisionStore struct {
	db *gorm.DB
}

func NewDecisionStore(store *Store) *DecisionStore {
	return &DecisionStore{db: store.DB}
}

// InsertExplanation appends one explanation.
func (s *DecisionStore) InsertExplanation(ctx context.Context, e models.DecisionExplanation) error {
	row := explanationFromModel(e)
	return s.db.WithContext(ctx).Create(&row).Error
}

// ExplanationsSince returns explanations at or after since, oldest first.
func (s *DecisionStore) ExplanationsSince(ctx context.Context, since time.Time) ([]models.DecisionExplanation, error) {
	var rows []DecisionExplanation
	err := s.db.WithContext(ctx).
		Where("timestamp_epoch >= ?", since.UnixMilli()).
		Order("timestamp_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.DecisionExplanation, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// Recent returns the latest limit explanations, newest first.
func (s *DecisionStore) Recent(ctx context.Context, limit int) ([]models.DecisionExplanation, error) {
	var rows []DecisionExplanation
	err := s.db.WithContext(ctx).
		Order("timestamp_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.DecisionExplanation, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// LastShownAt returns the time of the most recent SHOW, zero when none.
func (s *DecisionStore) LastShownAt(ctx context.Context) (time.Time, error) {
	var row DecisionExplanation
	err := s.db.WithContext(ctx).
		Where("decision = ?", string(models.DecisionShow)).
		Order("timestamp_epoch DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(row.TimestampEpoch), nil
}

// DeleteBefore removes explanations older than t.
func (s *DecisionStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp_epoch < ?", t.UnixMilli()).Delete(&DecisionExplanation{})
	return res.RowsAffected, res.Error
}
