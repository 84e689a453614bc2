package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/pausepoint/internal/session"
)

const trackerStateID = 1

// StateStore keeps the single-row tracker snapshot used for restart recovery.
type StateStore struct {
	db *gorm.DB
}

func NewStateStore(store *Store) *StateStore {
	return &StateStore{db: store.DB}
}

// SaveSnapshot replaces the stored snapshot. A nil snapshot clears it.
func (s *StateStore) SaveSnapshot(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil {
		return s.Clear(ctx)
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	row := TrackerState{ID: trackerStateID, Snapshot: string(b), SavedAtEpoch: snap.SavedAt.UnixMilli()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot", "saved_at_epoch"}),
		}).
		Create(&row).Error
}

// LoadSnapshot returns the stored snapshot, nil when none. A row that cannot
// be decoded is reported as an error so the caller can discard it.
func (s *StateStore) LoadSnapshot(ctx context.Context) (*session.Snapshot, error) {
	var row TrackerState
	err := s.db.WithContext(ctx).Where("id = ?", trackerStateID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(row.Snapshot), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot saved at %s: %w", time.UnixMilli(row.SavedAtEpoch).Format(time.RFC3339), err)
	}
	return &snap, nil
}

// Clear removes the stored snapshot.
func (s *StateStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("id = ?", trackerStateID).Delete(&TrackerState{}).Error
}
