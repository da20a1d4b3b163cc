// Package policy decides whether a feature may be retried or must be blocked
package policy

import "time"

// DefaultMaxCycles is used when no positive cycle limit is configured
const DefaultMaxCycles = 5

// Decision is the outcome of evaluating a feature against the policy
type Decision string

const (
	Pending Decision = "pending"
	Retry   Decision = "retry"
	Blocked Decision = "blocked"
)

// Input is the state the policy looks at
type Input struct {
	Cycles    int
	MaxCycles int
	Elapsed   time.Duration
	// Budget <= 0 disables the time budget.
	Budget time.Duration
}

// Decide is pure: the same input always yields the same decision.
func Decide(in Input) Decision {
	maxCycles := in.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}

	switch {
	case in.Cycles >= maxCycles:
		return Blocked
	case in.Budget > 0 && in.Elapsed >= in.Budget:
		return Blocked
	case in.Cycles == 0:
		return Pending
	default:
		return Retry
	}
}

// Reason describes why a blocked decision was reached
func Reason(in Input) string {
	maxCycles := in.MaxCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	if in.Cycles >= maxCycles {
		return "cycle limit reached"
	}
	if in.Budget > 0 && in.Elapsed >= in.Budget {
		return "time budget exhausted"
	}
	return ""
}
