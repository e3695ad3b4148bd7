package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/donorledger/internal/kvstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEntryTimestamps = "2026-09-14_backfill_kv_entry_timestamps"
	migrationDropBlankEntryKeys      = "2026-10-02_drop_blank_kv_entry_keys"
)

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
		{name: migrationBackfillEntryTimestamps, apply: backfillEntryTimestamps},
		{name: migrationDropBlankEntryKeys, apply: dropBlankEntryKeys},
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

// Rows written before updated_at_s existed carry the column default.
func backfillEntryTimestamps(db *gorm.DB) error {
	return db.Model(&kvstore.Entry{}).
		Where("updated_at_s = 0").
		Update("updated_at_s", time.Now().UTC().Unix()).Error
}

func dropBlankEntryKeys(db *gorm.DB) error {
	return db.Where("TRIM(entry_key) = ''").Delete(&kvstore.Entry{}).Error
}
