// Package worker runs alert enrichment tasks from the durable queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/services"
)

const maxRetryBackoff = time.Minute

// Processor handles one claimed alert
type Processor interface {
	ProcessAlert(ctx context.Context, alertID uint, force bool) (*database.Alert, error)
}

// Config sizes the pool
type Config struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// Pool is a fixed set of workers polling the alert task queue
type Pool struct {
	db        *gorm.DB
	processor Processor
	cfg       Config
	name      string
	wake      chan struct{}
}

// NewPool creates a worker pool. Call Run to start it.
func NewPool(db *gorm.DB, processor Processor, cfg Config) *Pool {
	cfg.applyDefaults()
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		db:        db,
		processor: processor,
		cfg:       cfg,
		name:      fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		wake:      make(chan struct{}, cfg.Workers),
	}
}

// Notify wakes idle workers after new work was queued. It never blocks.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and every worker has returned
func (p *Pool) Run(ctx context.Context) {
	log.Printf("Worker pool %s: starting %d workers", p.name, p.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(fmt.Sprintf("%s-%d", p.name, i))
	}
	wg.Wait()

	log.Printf("Worker pool %s: stopped", p.name)
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything that is ready before sleeping again
		for ctx.Err() == nil {
			worked, err := p.RunOnce(ctx, workerID)
			if err != nil && ctx.Err() == nil {
				log.Printf("Worker %s: %v", workerID, err)
			}
			if !worked {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one task. It reports whether a task
// was claimed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	task, err := database.ClaimNextTask(ctx, p.db, workerID, time.Now().UTC())
	if errors.Is(err, database.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, procErr := p.processor.ProcessAlert(ctx, task.AlertID, task.Force)

	// bookkeeping must land even while shutting down
	bg := context.WithoutCancel(ctx)

	switch {
	case procErr == nil:
		if err := database.CompleteTask(bg, p.db, task); err != nil {
			return true, fmt.Errorf("failed to ack task %d: %w", task.ID, err)
		}
		return true, nil

	case ctx.Err() != nil:
		if err := database.ReleaseTask(bg, p.db, task); err != nil {
			return true, fmt.Errorf("failed to release task %d: %w", task.ID, err)
		}
		return true, ctx.Err()

	case errors.Is(procErr, services.ErrNotFound):
		// the alert is gone; retrying cannot help
		if err := database.FailTask(bg, p.db, task, procErr, task.Attempts, 0); err != nil {
			return true, fmt.Errorf("failed to record task %d failure: %w", task.ID, err)
		}
		return true, procErr

	default:
		backoff := p.backoff(task.Attempts)
		if err := database.FailTask(bg, p.db, task, procErr, p.cfg.MaxAttempts, backoff); err != nil {
			return true, fmt.Errorf("failed to record task %d failure: %w", task.ID, err)
		}
		if task.Attempts >= p.cfg.MaxAttempts {
			log.Printf("Worker %s: task %d (alert #%d) failed permanently after %d attempts: %v",
				workerID, task.ID, task.AlertID, task.Attempts, procErr)
		}
		return true, fmt.Errorf("alert #%d attempt %d: %w", task.AlertID, task.Attempts, procErr)
	}
}

// backoff doubles per attempt up to maxRetryBackoff
func (p *Pool) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}
