package registry

import (
	"sort"
	"time"

	"github.com/forja/forja/pkg/types"
)

// Snapshot is a consistent, deep copy of registry state. It is also the
// on-disk format of registry.json.
type Snapshot struct {
	RunID        string               `json:"run_id"`
	LastSeq      uint64               `json:"last_seq"`
	UpdatedAt    time.Time            `json:"updated_at"`
	Teammates    []types.Teammate     `json:"teammates"`
	Attempts     []types.Attempt      `json:"attempts,omitempty"`
	LastProgress map[string]time.Time `json:"last_progress,omitempty"`
}

// Counts tallies features by status across teammates
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Passed     int `json:"passed"`
	Blocked    int `json:"blocked"`
}

// Terminal returns the number of passed or blocked features
func (c Counts) Terminal() int { return c.Passed + c.Blocked }

// Ratio returns the terminal fraction, or 1 when there are no features
func (c Counts) Ratio() float64 {
	if c.Total == 0 {
		return 1
	}
	return float64(c.Terminal()) / float64(c.Total)
}

// PassRatio returns the passed fraction, or 1 when there are no features
func (c Counts) PassRatio() float64 {
	if c.Total == 0 {
		return 1
	}
	return float64(c.Passed) / float64(c.Total)
}

func (c *Counts) add(status types.FeatureStatus) {
	c.Total++
	switch status {
	case types.FeatureStatusPending:
		c.Pending++
	case types.FeatureStatusInProgress:
		c.InProgress++
	case types.FeatureStatusPassed:
		c.Passed++
	case types.FeatureStatusBlocked:
		c.Blocked++
	}
}

// BlockedFeature names one blocked feature
type BlockedFeature struct {
	Teammate string `json:"teammate"`
	ID       string `json:"id"`
	Reason   string `json:"reason,omitempty"`
	Cycles   int    `json:"cycles"`
}

// Teammate returns the named teammate
func (s Snapshot) Teammate(name string) (types.Teammate, bool) {
	for _, tm := range s.Teammates {
		if tm.Name == name {
			return tm, true
		}
	}
	return types.Teammate{}, false
}

// Feature returns one feature of a teammate
func (s Snapshot) Feature(teammate, id string) (types.Feature, bool) {
	tm, ok := s.Teammate(teammate)
	if !ok {
		return types.Feature{}, false
	}
	for _, f := range tm.Features {
		if f.ID == id {
			return f, true
		}
	}
	return types.Feature{}, false
}

// Counts tallies every feature
func (s Snapshot) Counts() Counts {
	var c Counts
	for _, tm := range s.Teammates {
		for _, f := range tm.Features {
			c.add(f.Status)
		}
	}
	return c
}

// TeammateCounts tallies one teammate's features
func (s Snapshot) TeammateCounts(name string) Counts {
	var c Counts
	if tm, ok := s.Teammate(name); ok {
		for _, f := range tm.Features {
			c.add(f.Status)
		}
	}
	return c
}

// Terminal reports whether every feature of the named teammates is passed or blocked
func (s Snapshot) Terminal(names ...string) bool {
	for _, name := range names {
		c := s.TeammateCounts(name)
		if c.Terminal() != c.Total {
			return false
		}
	}
	return true
}

// BlockedFeatures lists blocked features sorted by teammate then id
func (s Snapshot) BlockedFeatures() []BlockedFeature {
	var out []BlockedFeature
	for _, tm := range s.Teammates {
		for _, f := range tm.Features {
			if f.Status == types.FeatureStatusBlocked {
				out = append(out, BlockedFeature{Teammate: tm.Name, ID: f.ID, Reason: f.BlockReason, Cycles: f.Cycles})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Teammate != out[j].Teammate {
			return out[i].Teammate < out[j].Teammate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenAttempts returns the unfinished attempts of a teammate
func (s Snapshot) OpenAttempts(teammate string) []types.Attempt {
	var out []types.Attempt
	for _, a := range s.Attempts {
		if a.Teammate == teammate && a.EndedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Teammates = make([]types.Teammate, len(s.Teammates))
	for i, tm := range s.Teammates {
		out.Teammates[i] = tm.Clone()
	}
	out.Attempts = make([]types.Attempt, len(s.Attempts))
	for i, a := range s.Attempts {
		out.Attempts[i] = a
		if a.EndedAt != nil {
			t := *a.EndedAt
			out.Attempts[i].EndedAt = &t
		}
	}
	out.LastProgress = make(map[string]time.Time, len(s.LastProgress))
	for k, v := range s.LastProgress {
		out.LastProgress[k] = v
	}
	return out
}
