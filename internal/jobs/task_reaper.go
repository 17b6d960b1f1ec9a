package jobs

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
)

// TaskReaper returns abandoned task claims to the queue and publishes queue
// depth
type TaskReaper struct {
	db         *gorm.DB
	visibility time.Duration
	notify     func()
}

// NewTaskReaper creates a reaper. Claims older than visibility are
// reclaimed; notify, when set, wakes the worker pool after a reclaim.
func NewTaskReaper(db *gorm.DB, visibility time.Duration, notify func()) *TaskReaper {
	return &TaskReaper{db: db, visibility: visibility, notify: notify}
}

// ReclaimStale puts stale claims back to pending
func (r *TaskReaper) ReclaimStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.visibility)
	n, err := database.ReclaimStaleTasks(ctx, r.db, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 && r.notify != nil {
		r.notify()
	}
	return n, nil
}

// RecordQueueDepth updates the queue depth gauge per task status
func (r *TaskReaper) RecordQueueDepth(ctx context.Context) error {
	for _, status := range []database.TaskStatus{
		database.TaskStatusPending,
		database.TaskStatusClaimed,
		database.TaskStatusFailed,
	} {
		n, err := database.CountTasks(ctx, r.db, status)
		if err != nil {
			return err
		}
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return nil
}

// Start begins the periodic reaping
func (r *TaskReaper) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			reclaimed, err := r.ReclaimStale(ctx)
			if err != nil {
				log.Printf("Task reaper error: %v", err)
			} else if reclaimed > 0 {
				log.Printf("Task reaper: reclaimed %d stale tasks", reclaimed)
			}
			if err := r.RecordQueueDepth(ctx); err != nil {
				log.Printf("Task reaper: failed to record queue depth: %v", err)
			}
		case <-stop:
			log.Println("Task reaper stopped")
			return
		}
	}
}
