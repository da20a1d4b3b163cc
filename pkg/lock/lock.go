// Package lock guards a state directory against concurrent runs with a PID file
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forja/forja/pkg/process"
)

// FileName is the lock file created inside the state directory
const FileName = "runner.pid"

// Lock is an acquired run lock
type Lock struct {
	path     string
	pid      int
	mu       sync.Mutex
	released bool
}

// Acquire creates the lock file at path holding the current PID. A file
// left behind by a dead process is reclaimed; one held by a live process
// yields *ConcurrentRunError.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		err := create(path, pid)
		if err == nil {
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock: %w", err)
		}

		owner, alive, err := Inspect(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if alive && owner != pid {
			return nil, &ConcurrentRunError{Path: path, PID: owner}
		}
		// Stale or ours from a previous crash
		if err := reclaim(path, owner); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to acquire lock %s", path)
}

// reclaim moves a lock file last seen holding stale out of the way. The
// rename is atomic, so when two runs race only one takes the file; if what it
// took is a fresh lock from a live run, the file is linked back.
func reclaim(path string, stale int) error {
	aside := fmt.Sprintf("%s.%d.stale", path, os.Getpid())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}
	defer os.Remove(aside)

	owner, alive, err := Inspect(aside)
	if err != nil {
		return fmt.Errorf("failed to inspect stale lock: %w", err)
	}
	if owner == stale || !alive {
		return nil
	}
	if err := os.Link(aside, path); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to restore lock: %w", err)
	}
	return &ConcurrentRunError{Path: path, PID: owner}
}

func create(path string, pid int) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}

// Inspect reads the PID in the lock file and whether it is still running.
// A file with unparseable contents reports pid 0 and not alive.
func Inspect(path string) (pid int, alive bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil {
		return 0, false, nil
	}
	return pid, process.Alive(pid), nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file if it still names this process
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}

	pid, _, err := Inspect(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.released = true
			return nil
		}
		return err
	}
	if pid != l.pid {
		return ErrNotHeld
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	l.released = true
	return nil
}
