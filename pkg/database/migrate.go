package database

import (
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB, log zerolog.Logger, models ...interface{}) error {
	log.Info().Msg("Running database migrations...")

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Int("models", len(models)).Msg("Database migrations completed successfully")
	return nil
}

// HasTable checks if a table exists
func HasTable(db *gorm.DB, model interface{}) bool {
	return db.Migrator().HasTable(model)
}
