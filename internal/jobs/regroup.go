package jobs

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/database"
)

// regroupBatch bounds how many orphaned alerts are queued per run
const regroupBatch = 100

// RegroupJob finds alerts that were enriched but never landed in an
// incident, for example after a grouping error on the last attempt, and
// queues them again. Alerts detached by an incident delete keep their
// grouped_at and stay ungrouped.
type RegroupJob struct {
	db     *gorm.DB
	grace  time.Duration
	notify func()
}

// NewRegroupJob creates a regroup job. Alerts processed less than grace ago
// are left alone.
func NewRegroupJob(db *gorm.DB, grace time.Duration, notify func()) *RegroupJob {
	return &RegroupJob{db: db, grace: grace, notify: notify}
}

// Run executes one iteration and returns the number of alerts queued
func (j *RegroupJob) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.grace)

	var ids []uint
	err := j.db.WithContext(ctx).Model(&database.Alert{}).
		Where("incident_id IS NULL AND grouped_at IS NULL AND processed_at IS NOT NULL AND processed_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM alert_tasks WHERE alert_tasks.alert_id = alerts.id AND alert_tasks.status IN ?)",
			[]database.TaskStatus{database.TaskStatusPending, database.TaskStatusClaimed}).
		Order("id ASC").
		Limit(regroupBatch).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, id := range ids {
		if _, err := database.EnqueueAlertTask(j.db.WithContext(ctx), id, false); err != nil {
			log.Printf("Regroup job: failed to queue alert #%d: %v", id, err)
			continue
		}
		queued++
	}
	if queued > 0 && j.notify != nil {
		j.notify()
	}
	return queued, nil
}

// Start begins the periodic regroup checks
func (j *RegroupJob) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			queued, err := j.Run(context.Background())
			if err != nil {
				log.Printf("Regroup job error: %v", err)
			} else if queued > 0 {
				log.Printf("Regroup job: queued %d ungrouped alerts", queued)
			}
		case <-stop:
			log.Println("Regroup job stopped")
			return
		}
	}
}
