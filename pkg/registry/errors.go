package registry

import (
	"errors"
	"fmt"

	"github.com/forja/forja/pkg/types"
)

// ErrClosed is returned by mutations after Close
var ErrClosed = errors.New("registry is closed")

// UnknownFeatureError reports a feature id that is not in the teammate's set
type UnknownFeatureError struct {
	Teammate  string
	FeatureID string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("unknown feature %q for teammate %q", e.FeatureID, e.Teammate)
}

// InvalidTransitionError reports a transition the state machine does not allow
type InvalidTransitionError struct {
	Teammate  string
	FeatureID string
	From      types.FeatureStatus
	To        types.FeatureStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("feature %s/%s cannot move from %s to %s", e.Teammate, e.FeatureID, e.From, e.To)
}

// RegistryCorruptionError reports a snapshot that could not be parsed and, when
// ReplayErr is set, a failed reconstruction from the event log.
type RegistryCorruptionError struct {
	Path        string
	SnapshotErr error
	ReplayErr   error
}

func (e *RegistryCorruptionError) Error() string {
	if e.ReplayErr != nil {
		return fmt.Sprintf("registry snapshot %s is corrupt (%v) and could not be rebuilt from the event log: %v",
			e.Path, e.SnapshotErr, e.ReplayErr)
	}
	return fmt.Sprintf("registry snapshot %s is corrupt: %v", e.Path, e.SnapshotErr)
}

func (e *RegistryCorruptionError) Unwrap() []error {
	var errs []error
	if e.SnapshotErr != nil {
		errs = append(errs, e.SnapshotErr)
	}
	if e.ReplayErr != nil {
		errs = append(errs, e.ReplayErr)
	}
	return errs
}
