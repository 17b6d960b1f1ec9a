package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNoTask is returned by ClaimNextTask when nothing is ready
var ErrNoTask = errors.New("no task available")

// claimAttempts bounds how often a worker retries after losing a claim race
const claimAttempts = 3

// EnqueueAlertTask queues an enrichment task for alertID. Use the transaction
// that created the alert so the alert never exists without its task.
func EnqueueAlertTask(tx *gorm.DB, alertID uint, force bool) (*AlertTask, error) {
	task := &AlertTask{
		AlertID: alertID,
		Status:  TaskStatusPending,
		Force:   force,
	}
	if err := tx.Create(task).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue alert task: %w", err)
	}
	return task, nil
}

// ClaimNextTask atomically moves the oldest ready task to claimed and
// returns it. Only one worker can win a given row.
func ClaimNextTask(ctx context.Context, db *gorm.DB, workerID string, now time.Time) (*AlertTask, error) {
	for i := 0; i < claimAttempts; i++ {
		var candidate AlertTask
		err := db.WithContext(ctx).
			Where("status = ? AND available_at <= ?", TaskStatusPending, now).
			Order("available_at ASC, id ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoTask
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find task: %w", err)
		}

		res := db.WithContext(ctx).Model(&AlertTask{}).
			Where("id = ? AND status = ?", candidate.ID, TaskStatusPending).
			Updates(map[string]interface{}{
				"status":     TaskStatusClaimed,
				"claimed_by": workerID,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim task %d: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			candidate.Status = TaskStatusClaimed
			candidate.ClaimedBy = workerID
			candidate.ClaimedAt = &now
			candidate.Attempts++
			return &candidate, nil
		}
		// another worker won the row; look again
	}
	return nil, ErrNoTask
}

// CompleteTask acknowledges a claimed task
func CompleteTask(ctx context.Context, db *gorm.DB, task *AlertTask) error {
	return db.WithContext(ctx).Model(&AlertTask{}).
		Where("id = ? AND claimed_by = ?", task.ID, task.ClaimedBy).
		Updates(map[string]interface{}{
			"status":     TaskStatusDone,
			"last_error": "",
		}).Error
}

// FailTask records a processing error. The task becomes pending again after
// backoff, or failed once maxAttempts is reached.
func FailTask(ctx context.Context, db *gorm.DB, task *AlertTask, cause error, maxAttempts int, backoff time.Duration) error {
	updates := map[string]interface{}{
		"last_error": cause.Error(),
		"claimed_by": "",
		"claimed_at": nil,
	}
	if task.Attempts >= maxAttempts {
		updates["status"] = TaskStatusFailed
	} else {
		updates["status"] = TaskStatusPending
		updates["available_at"] = time.Now().UTC().Add(backoff)
	}
	return db.WithContext(ctx).Model(&AlertTask{}).
		Where("id = ? AND claimed_by = ?", task.ID, task.ClaimedBy).
		Updates(updates).Error
}

// ReclaimStaleTasks returns claims older than cutoff to the pending state so
// another worker can pick them up
func ReclaimStaleTasks(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&AlertTask{}).
		Where("status = ? AND claimed_at < ?", TaskStatusClaimed, cutoff).
		Updates(map[string]interface{}{
			"status":       TaskStatusPending,
			"claimed_by":   "",
			"claimed_at":   nil,
			"available_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// CountTasks returns the number of tasks in the given status
func CountTasks(ctx context.Context, db *gorm.DB, status TaskStatus) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&AlertTask{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// ReleaseTask hands a claimed task back without counting the attempt. Used
// when a worker stops before finishing.
func ReleaseTask(ctx context.Context, db *gorm.DB, task *AlertTask) error {
	return db.WithContext(ctx).Model(&AlertTask{}).
		Where("id = ? AND claimed_by = ? AND status = ?", task.ID, task.ClaimedBy, TaskStatusClaimed).
		Updates(map[string]interface{}{
			"status":       TaskStatusPending,
			"claimed_by":   "",
			"claimed_at":   nil,
			"attempts":     gorm.Expr("attempts - 1"),
			"available_at": time.Now().UTC(),
		}).Error
}
