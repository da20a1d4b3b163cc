package engine

import (
	"fmt"
	"time"

	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/supervisor"
	"github.com/forja/forja/pkg/types"
)

// Status classifies a finished run
type Status string

const (
	// StatusComplete means every feature passed
	StatusComplete Status = "complete"
	// StatusPartial means some features are blocked but the pass ratio meets the minimum
	StatusPartial Status = "partial"
	// StatusInsufficient means the pass ratio fell below the minimum
	StatusInsufficient Status = "insufficient"
)

// Result is the final report of a run
type Result struct {
	RunID     string                    `json:"run_id"`
	Waves     []types.Wave              `json:"waves"`
	Reports   []supervisor.WaveReport   `json:"reports,omitempty"`
	Total     int                       `json:"total"`
	Passed    int                       `json:"passed"`
	Blocked   []registry.BlockedFeature `json:"blocked,omitempty"`
	Ratio     float64                   `json:"ratio"`
	Status    Status                    `json:"status"`
	Duration  time.Duration             `json:"duration"`
	Recovered map[string][]string       `json:"recovered,omitempty"`
}

// NewResult tallies a final snapshot against the minimum pass ratio
func NewResult(runID string, waves []types.Wave, snap registry.Snapshot, minCompletion float64) *Result {
	counts := snap.Counts()
	r := &Result{
		RunID:   runID,
		Waves:   waves,
		Total:   counts.Total,
		Passed:  counts.Passed,
		Blocked: snap.BlockedFeatures(),
		Ratio:   counts.PassRatio(),
	}
	switch {
	case counts.Passed == counts.Total:
		r.Status = StatusComplete
	case r.Ratio >= minCompletion:
		r.Status = StatusPartial
	default:
		r.Status = StatusInsufficient
	}
	return r
}

// OK reports whether the run met its completion minimum
func (r *Result) OK() bool {
	return r.Status != StatusInsufficient
}

// Summary renders the one-line tally
func (r *Result) Summary() string {
	return fmt.Sprintf("%d/%d features completed (%d blocked)", r.Passed, r.Total, len(r.Blocked))
}
