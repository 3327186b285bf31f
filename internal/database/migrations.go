package database

import (
	"errors"
	"time"

	"github.com/cardfolio/backend/internal/cloud"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCloudCardCounts = "2026-08-12_backfill_cloud_card_counts"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCloudCardCounts, apply: backfillCloudCardCounts},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCloudCardCounts repairs rows written before the card_count column
// was maintained on every put.
func backfillCloudCardCounts(db *gorm.DB) error {
	return db.Model(&cloud.BinderDocument{}).
		Where("card_count = 0").
		Update("card_count", gorm.Expr(
			"(SELECT COUNT(*) FROM cloud_binder_cards WHERE cloud_binder_cards.doc_key = cloud_binders.doc_key)",
		)).Error
}
