package planner

import (
	"fmt"
	"strings"
)

// GraphCycleError reports a dependency cycle between teammates.
// Cycle lists the path with the first name repeated at the end.
type GraphCycleError struct {
	Cycle []string
}

func (e *GraphCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError reports a consume edge pointing at an undeclared teammate
type UnknownDependencyError struct {
	Teammate   string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("teammate %q consumes from unknown teammate %q", e.Teammate, e.Dependency)
}

// DuplicateTeammateError reports two teammates sharing a name
type DuplicateTeammateError struct {
	Name string
}

func (e *DuplicateTeammateError) Error() string {
	return fmt.Sprintf("duplicate teammate %q", e.Name)
}

// WaveOrderError reports a dependency edge that does not point to an earlier wave
type WaveOrderError struct {
	Teammate   string
	Dependency string
}

func (e *WaveOrderError) Error() string {
	return fmt.Sprintf("teammate %q runs no later than its dependency %q", e.Teammate, e.Dependency)
}
