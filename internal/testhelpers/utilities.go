// Package testhelpers provides test utilities for OpsRelay
package testhelpers

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// WriteTestFile writes content to dir/filename, creating parents, and
// returns the path
func WriteTestFile(t *testing.T, dir, filename, content string) string {
	t.Helper()

	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent directories for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file %s: %v", path, err)
	}
	return path
}

// ConcurrentTest runs fn on goroutines workers released at the same moment
// and waits for all of them
func ConcurrentTest(t *testing.T, goroutines int, fn func(workerID int)) {
	t.Helper()

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			<-start
			fn(id)
		}(i)
	}
	close(start)
	wg.Wait()
}
