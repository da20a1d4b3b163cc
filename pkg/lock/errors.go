package lock

import (
	"errors"
	"fmt"
)

// ErrNotHeld is returned when releasing a lock owned by another process
var ErrNotHeld = errors.New("lock not held by this process")

// ConcurrentRunError reports a live run already holding the lock
type ConcurrentRunError struct {
	Path string
	PID  int
}

func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf("another forja run is active (pid %d, lock %s)", e.PID, e.Path)
}
