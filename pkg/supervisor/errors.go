package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotRunning is returned when terminating a process that already exited
var ErrNotRunning = errors.New("process is not running")

// StallTimeoutError reports a mostly finished teammate that stopped making progress
type StallTimeoutError struct {
	Teammate string
	Ratio    float64
	Idle     time.Duration
}

func (e *StallTimeoutError) Error() string {
	return fmt.Sprintf("teammate %s stalled at %.0f%% complete with no progress for %s",
		e.Teammate, e.Ratio*100, e.Idle.Round(time.Second))
}

// AbsoluteTimeoutError reports a teammate process that ran past the wall-clock ceiling
type AbsoluteTimeoutError struct {
	Teammate string
	Elapsed  time.Duration
	Limit    time.Duration
}

func (e *AbsoluteTimeoutError) Error() string {
	return fmt.Sprintf("teammate %s exceeded absolute timeout of %s (ran %s)",
		e.Teammate, e.Limit, e.Elapsed.Round(time.Second))
}

// FeatureStallError reports one attempt that stayed in progress too long
type FeatureStallError struct {
	Teammate  string
	FeatureID string
	Elapsed   time.Duration
}

func (e *FeatureStallError) Error() string {
	return fmt.Sprintf("feature %s/%s made no progress for %s",
		e.Teammate, e.FeatureID, e.Elapsed.Round(time.Second))
}

// ProcessCrashError reports a teammate process that exited abnormally without progress
type ProcessCrashError struct {
	Teammate string
	PID      int
	Err      error
}

func (e *ProcessCrashError) Error() string {
	return fmt.Sprintf("teammate %s process %d crashed: %v", e.Teammate, e.PID, e.Err)
}

func (e *ProcessCrashError) Unwrap() error {
	return e.Err
}
