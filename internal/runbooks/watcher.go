package runbooks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the folder must be quiet before re-ingesting
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-ingests the runbook folder after it changes. Bursts of events,
// such as an editor writing a temp file and renaming it, collapse into one
// pass.
type Watcher struct {
	ingester *Ingester
	debounce time.Duration
	onIngest func(*Report)
}

// NewWatcher creates a watcher. onIngest, when set, receives every
// successful report.
func NewWatcher(ingester *Ingester, debounce time.Duration, onIngest func(*Report)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{ingester: ingester, debounce: debounce, onIngest: onIngest}
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create runbook watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.ingester.Dir()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.ingester.Dir(), err)
	}
	log.Printf("Runbooks: watching %s", w.ingester.Dir())

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Runbook watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !IsRunbookFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("Runbook watcher error: %v", err)

		case <-timer.C:
			report, err := w.ingester.IngestFolder(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("Runbooks: re-ingest failed: %v", err)
				continue
			}
			log.Printf("Runbooks: re-ingested %d documents, %d chunks inserted, %d removed",
				report.Documents, report.Inserted, len(report.Removed))
			if w.onIngest != nil {
				w.onIngest(report)
			}
		}
	}
}
