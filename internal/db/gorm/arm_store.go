package gorm

import (
	"context"
	"database/sql"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/pausepoint/pkg/models"
)

// ArmStore persists bandit arm statistics.
type ArmStore struct {
	db *gorm.DB
}

func NewArmStore(store *Store) *ArmStore {
	return &ArmStore{db: store.DB}
}

// LoadArms returns every stored arm.
func (s *ArmStore) LoadArms(ctx context.Context) ([]models.ContentArm, error) {
	var rows []ContentArm
	if err := s.db.WithContext(ctx).Order("content_type, bucket").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ContentArm, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// SaveArm upserts the full state of one arm.
func (s *ArmStore) SaveArm(ctx context.Context, a models.ContentArm) error {
	row := ContentArm{
		ContentType: string(a.ContentType),
		Bucket:      a.Bucket,
		Successes:   a.Successes,
		Failures:    a.Failures,
		Pulls:       a.Pulls,
	}
	if !a.LastRewardAt.IsZero() {
		row.LastRewardAtEpoch = sql.NullInt64{Int64: a.LastRewardAt.UnixMilli(), Valid: true}
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_type"}, {Name: "bucket"}},
			DoUpdates: clause.AssignmentColumns([]string{"successes", "failures", "pulls", "last_reward_at_epoch"}),
		}).
		Create(&row).Error
}
