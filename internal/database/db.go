package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrRecordNotFound is returned by lookups that match no row
var ErrRecordNotFound = gorm.ErrRecordNotFound

// Connect establishes a connection to the PostgreSQL database
func Connect(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: NowUTC,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return db, nil
}

// NowUTC is the clock used for gorm timestamps. Stored times stay in UTC so
// range filters compare consistently across drivers.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// IsPostgres reports whether db talks to PostgreSQL
func IsPostgres(db *gorm.DB) bool {
	return db != nil && db.Dialector != nil && db.Dialector.Name() == "postgres"
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if IsPostgres(db) {
		// vector columns need the pgvector extension
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("failed to enable pgvector extension: %w", err)
		}
	}

	err := db.AutoMigrate(
		&Incident{},
		&Alert{},
		&IncidentAction{},
		&RunbookChunk{},
		&AlertTask{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// Ping checks that the database answers
func Ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("database not initialized")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DeleteIncident removes an incident while honouring ownership rules:
// member alerts are detached (incident_id set to NULL) and audit actions
// are removed with their incident.
func DeleteIncident(ctx context.Context, db *gorm.DB, incidentID uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Alert{}).Where("incident_id = ?", incidentID).Update("incident_id", nil)
		if res.Error != nil {
			return fmt.Errorf("failed to detach alerts: %w", res.Error)
		}
		if err := tx.Where("incident_id = ?", incidentID).Delete(&IncidentAction{}).Error; err != nil {
			return fmt.Errorf("failed to delete incident actions: %w", err)
		}
		res = tx.Delete(&Incident{}, incidentID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete incident: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
}
