package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// FindAlertByExternalID looks up an alert by its (source, external_id) pair
func FindAlertByExternalID(ctx context.Context, db *gorm.DB, source, externalID string) (*Alert, error) {
	var alert Alert
	err := db.WithContext(ctx).
		Where("source = ? AND external_id = ?", source, externalID).
		First(&alert).Error
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// InsertAlertWithTask stores a new alert together with its enrichment task.
// When the (source, external_id) pair already exists the stored alert is
// returned and created is false.
func InsertAlertWithTask(ctx context.Context, db *gorm.DB, alert *Alert) (stored *Alert, created bool, err error) {
	existing, err := FindAlertByExternalID(ctx, db, alert.Source, alert.ExternalID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to check for duplicate alert: %w", err)
	}

	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(alert).Error; err != nil {
			return err
		}
		_, err := EnqueueAlertTask(tx, alert.ID, false)
		return err
	})
	if txErr == nil {
		return alert, true, nil
	}

	// A concurrent request may have inserted the same pair between the
	// lookup and the insert; the unique index rejected ours.
	existing, err = FindAlertByExternalID(ctx, db, alert.Source, alert.ExternalID)
	if err == nil {
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("failed to store alert: %w", txErr)
}

// GetAlert loads one alert by id
func GetAlert(ctx context.Context, db *gorm.DB, id uint) (*Alert, error) {
	var alert Alert
	if err := db.WithContext(ctx).First(&alert, id).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// IncidentAlerts returns the members of an incident, newest first
func IncidentAlerts(ctx context.Context, db *gorm.DB, incidentID uint) ([]Alert, error) {
	var alerts []Alert
	err := db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("alert_timestamp DESC, id DESC").
		Find(&alerts).Error
	return alerts, err
}

// IncidentActions returns the audit trail of an incident, newest first
func IncidentActions(ctx context.Context, db *gorm.DB, incidentID uint) ([]IncidentAction, error) {
	var actions []IncidentAction
	err := db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("timestamp DESC, id DESC").
		Find(&actions).Error
	return actions, err
}

// GetIncident loads one incident by id
func GetIncident(ctx context.Context, db *gorm.DB, id uint) (*Incident, error) {
	var incident Incident
	if err := db.WithContext(ctx).First(&incident, id).Error; err != nil {
		return nil, err
	}
	return &incident, nil
}
