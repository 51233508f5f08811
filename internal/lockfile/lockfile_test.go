package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesPID(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir, "daily-sweep")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(tempDir, "daily-sweep.lock")
	content, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}

	expected := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(content) != expected {
		t.Errorf("Lock file content mismatch. Expected %q, got %q", expected, string(content))
	}
}

func TestAcquireConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := Acquire(tempDir, "daily-sweep")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(tempDir, "daily-sweep")
	if err == nil {
		lock2.Release()
		t.Fatalf("Second acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Errorf("Expected LockError, got %T", err)
	}
	if !strings.Contains(err.Error(), tempDir) {
		t.Errorf("Error message should contain the lock path: %s", err)
	}
}

func TestDistinctJobsDoNotConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := Acquire(tempDir, "daily-sweep")
	if err != nil {
		t.Fatalf("Failed to acquire daily lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(tempDir, "weekly-sweep")
	if err != nil {
		t.Fatalf("Distinct job names should not conflict: %v", err)
	}
	defer lock2.Release()
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir, "daily-sweep")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	lockPath := filepath.Join(tempDir, "daily-sweep.lock")
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second release should be safe: %v", err)
	}

	// Reacquisition after release must succeed.
	lock2, err := Acquire(tempDir, "daily-sweep")
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer lock2.Release()
}

func TestExtractPID(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected int
	}{
		{"valid pid", "pid=12345\n", 12345},
		{"pid with extra content", "pid=67890\nother=info", 67890},
		{"no pid", "other=info", 0},
		{"empty content", "", 0},
		{"invalid pid", "pid=abc", 0},
		{"no equals", "pid12345", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPID(tt.content); got != tt.expected {
				t.Errorf("extractPID(%q) = %d, want %d", tt.content, got, tt.expected)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := fmt.Sprintf("/tmp/nexfinapp_lock_test_%d", time.Now().UnixNano())
	defer os.RemoveAll(dir)

	lock, err := Acquire(dir, "daily-sweep")
	if err != nil {
		t.Fatalf("Should create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("State directory should have been created: %s", dir)
	}
}
