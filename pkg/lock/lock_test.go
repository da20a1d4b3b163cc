package lock_test

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/forja/forja/pkg/lock"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".forja", lock.FileName)

	l, err := lock.Acquire(path)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	pid, alive, err := lock.Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if pid != os.Getpid() || !alive {
		t.Errorf("Inspect = (%d, %v), want (%d, true)", pid, alive, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed")
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}
}

func livePID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd.Process.Pid
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	return cmd.Process.Pid
}

func TestAcquireConflicts(t *testing.T) {
	path := filepath.Join(t.TempDir(), lock.FileName)
	owner := livePID(t)
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", owner)), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := lock.Acquire(path)
	var concurrent *lock.ConcurrentRunError
	if !errors.As(err, &concurrent) {
		t.Fatalf("expected ConcurrentRunError, got %v", err)
	}
	if concurrent.PID != owner {
		t.Errorf("PID = %d, want %d", concurrent.PID, owner)
	}
}

func TestAcquireReclaimsStale(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead pid", fmt.Sprintf("%d\n", deadPID(t))},
		{"garbage", "not-a-pid"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), lock.FileName)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			l, err := lock.Acquire(path)
			if err != nil {
				t.Fatalf("expected stale lock to be reclaimed: %v", err)
			}
			defer l.Release()

			pid, _, _ := lock.Inspect(path)
			if pid != os.Getpid() {
				t.Errorf("lock holds pid %d, want %d", pid, os.Getpid())
			}
		})
	}
}

func TestReclaimKeepsFreshLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lock.FileName)
	owner := livePID(t)
	content := []byte(fmt.Sprintf("%d\n", owner))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// The dead owner was replaced by a live run before this reclaim got to it.
	err := lock.Reclaim(path, deadPID(t))
	var concurrent *lock.ConcurrentRunError
	if !errors.As(err, &concurrent) || concurrent.PID != owner {
		t.Fatalf("expected ConcurrentRunError for pid %d, got %v", owner, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("fresh lock was not restored: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("lock holds %q, want %q", data, content)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the lock file, found %d entries", len(entries))
	}
}

func TestReclaimStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lock.FileName)
	stale := deadPID(t)
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", stale)), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := lock.Reclaim(path, stale); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("stale lock should be gone, found %d entries", len(entries))
	}
	if err := lock.Reclaim(path, stale); err != nil {
		t.Errorf("reclaiming a missing lock should be a no-op: %v", err)
	}
}

func TestReleaseForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), lock.FileName)
	l, err := lock.Acquire(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("expected ErrNotHeld, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("foreign lock must not be removed")
	}
}
