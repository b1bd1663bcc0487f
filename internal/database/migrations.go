package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notesphere/collab/internal/presence"
	"github.com/notesphere/collab/internal/profile"
)

const (
	migrationBackfillProfileColors = "2026-07-18_backfill_profile_colors"
	migrationDropOrphanPresence    = "2026-08-02_drop_orphan_presence_rows"
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
		{name: migrationBackfillProfileColors, apply: backfillProfileColors},
		{name: migrationDropOrphanPresence, apply: dropOrphanPresenceRows},
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

func backfillProfileColors(db *gorm.DB) error {
	return db.Model(&profile.Profile{}).
		Where("color IS NULL OR color = ''").
		Update("color", presence.DefaultColor).Error
}

// Presence rows are ephemeral; anything surviving a restart with a zero
// last_seen came from a write path that predates the liveness stamp.
func dropOrphanPresenceRows(db *gorm.DB) error {
	return db.Where("last_seen_s <= 0").Delete(&presence.Record{}).Error
}
