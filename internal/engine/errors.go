package engine

import (
	"errors"

	"github.com/forja/forja/pkg/registry"
)

var (
	// ErrBarrierViolated means a wave finished with a feature still pending or in progress
	ErrBarrierViolated = errors.New("wave barrier violated")
	// ErrInterrupted means the operator cancelled the run
	ErrInterrupted = errors.New("run interrupted")
)

// FatalError wraps an error that aborted the run. Snapshot is the last
// consistent registry state, or nil when the registry was never opened.
type FatalError struct {
	Err      error
	Snapshot *registry.Snapshot
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
