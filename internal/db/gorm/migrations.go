package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Sessions and the decision log
		{
			ID: "001_sessions_decisions",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Session{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&DecisionExplanation{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions", "decision_explanations")
			},
		},

		// Migration 002: Staged intervention outcomes
		{
			ID: "002_comprehensive_outcomes",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ComprehensiveOutcome{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("comprehensive_outcomes")
			},
		},

		// Migration 003: Bandit arms
		{
			ID: "003_content_arms",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ContentArm{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("content_arms")
			},
		},

		// Migration 004: Daily aggregates and restart state
		{
			ID: "004_daily_stats_tracker_state",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&DailyStat{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&TrackerState{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("daily_stats", "tracker_state")
			},
		},

		// Migration 005: Seed the global arm of every content type
		{
			ID: "005_seed_global_arms",
			Migrate: func(tx *gorm.DB) error {
				for _, c := range seedContentTypes {
					arm := ContentArm{ContentType: c, Bucket: ""}
					if err := tx.Where("content_type = ? AND bucket = ?", c, "").FirstOrCreate(&arm).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Where("bucket = ? AND pulls = 0", "").Delete(&ContentArm{}).Error
			},
		},
	})

	return m.Migrate()
}

var seedContentTypes = []string{
	"reflection_question",
	"time_alternative",
	"breathing_exercise",
	"usage_stats",
	"activity_suggestion",
	"gamification",
	"emotional_appeal",
	"quote",
}
