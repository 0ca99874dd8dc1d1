package gormstore

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/studybuddy/backend/internal/models"
)

// migrationsList holds all migrations in apply order
var migrationsList = []*gormigrate.Migration{
	{
		ID: "000001_create_accounts_and_referrals",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.User{}, &models.Referral{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.Referral{}, &models.User{})
		},
	},
	{
		ID: "000002_create_rewards_and_flags",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Reward{}, &models.AbuseFlag{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.AbuseFlag{}, &models.Reward{})
		},
	},
	{
		ID: "000003_create_system_config",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.SystemConfig{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.SystemConfig{})
		},
	},
	{
		ID: "000004_create_usage_events_and_payments",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.UsageEvent{}, &models.Payment{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.Payment{}, &models.UsageEvent{})
		},
	},
	{
		ID: "000005_unique_reward_per_referral",
		Migrate: func(tx *gorm.DB) error {
			m := tx.Migrator()
			if m.HasIndex(&models.Reward{}, "idx_rewards_referral_id") {
				if err := m.DropIndex(&models.Reward{}, "idx_rewards_referral_id"); err != nil {
					return err
				}
			}
			if m.HasIndex(&models.Reward{}, "idx_rewards_referral") {
				return nil
			}
			return m.CreateIndex(&models.Reward{}, "idx_rewards_referral")
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropIndex(&models.Reward{}, "idx_rewards_referral")
		},
	},
}

// RunMigrations applies every pending migration
func RunMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrationsList)
	return m.Migrate()
}
