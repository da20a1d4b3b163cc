// Package types provides the core records shared by the forja orchestration engine
package types

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FeatureStatus represents where a feature is in its lifecycle
type FeatureStatus string

const (
	FeatureStatusPending    FeatureStatus = "pending"
	FeatureStatusInProgress FeatureStatus = "in_progress"
	FeatureStatusPassed     FeatureStatus = "passed"
	FeatureStatusBlocked    FeatureStatus = "blocked"
)

// Valid reports whether s is one of the known statuses
func (s FeatureStatus) Valid() bool {
	switch s {
	case FeatureStatusPending, FeatureStatusInProgress, FeatureStatusPassed, FeatureStatusBlocked:
		return true
	}
	return false
}

// IsTerminal reports whether the status can never change again within a run
func (s FeatureStatus) IsTerminal() bool {
	return s == FeatureStatusPassed || s == FeatureStatusBlocked
}

// Outcome is the result a teammate reports for one feature attempt
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeCrash   Outcome = "crash"
	OutcomeTimeout Outcome = "timeout"
)

// ParseOutcome converts a wire string into an Outcome
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomePass, OutcomeFail, OutcomeCrash, OutcomeTimeout:
		return o, nil
	case "passed":
		return OutcomePass, nil
	case "failed":
		return OutcomeFail, nil
	}
	return "", fmt.Errorf("unknown outcome: %q", s)
}

// EventKind classifies an event log record
type EventKind string

const (
	EventAttempt EventKind = "attempt"
	EventPass    EventKind = "pass"
	EventFail    EventKind = "fail"
	EventBlocked EventKind = "blocked"
	EventTimeout EventKind = "timeout"
	EventCrashed EventKind = "crashed"
)

// EventKindFor maps a failed outcome to the event kind that records it
func EventKindFor(o Outcome) EventKind {
	switch o {
	case OutcomePass:
		return EventPass
	case OutcomeCrash:
		return EventCrashed
	case OutcomeTimeout:
		return EventTimeout
	default:
		return EventFail
	}
}

// Feature is the smallest independently verifiable unit of work
type Feature struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      FeatureStatus `json:"status"`
	Cycles      int           `json:"cycles"`
	CreatedAt   time.Time     `json:"created_at"`
	PassedAt    *time.Time    `json:"passed_at"`
	BlockedAt   *time.Time    `json:"blocked_at,omitempty"`
	Evidence    *string       `json:"evidence"`
	BlockReason string        `json:"block_reason,omitempty"`
}

// DisplayName returns the most readable name for the feature
func (f Feature) DisplayName() string {
	if f.Description != "" {
		return f.Description
	}
	return f.ID
}

// Clone returns a deep copy of the feature
func (f Feature) Clone() Feature {
	out := f
	if f.PassedAt != nil {
		t := *f.PassedAt
		out.PassedAt = &t
	}
	if f.BlockedAt != nil {
		t := *f.BlockedAt
		out.BlockedAt = &t
	}
	if f.Evidence != nil {
		e := *f.Evidence
		out.Evidence = &e
	}
	return out
}

// UnmarshalJSON accepts the current schema plus the legacy boolean and "failed" forms
func (f *Feature) UnmarshalJSON(data []byte) error {
	type plain Feature
	var raw struct {
		plain
		Name    string `json:"name"`
		Passes  bool   `json:"passes"`
		Passed  bool   `json:"passed"`
		Blocked bool   `json:"blocked"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Feature(raw.plain)
	if f.Description == "" {
		f.Description = raw.Name
	}

	switch {
	case f.Status == "failed":
		f.Status = FeatureStatusPending
	case f.Status.Valid():
	case raw.Blocked:
		f.Status = FeatureStatusBlocked
	case raw.Passes || raw.Passed:
		f.Status = FeatureStatusPassed
	default:
		f.Status = FeatureStatusPending
	}
	return nil
}

// FeatureList is the on-disk features.json document of one teammate
type FeatureList struct {
	Features []Feature `json:"features"`
}

// UnmarshalJSON accepts either {"features": [...]} or a bare array
func (l *FeatureList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &l.Features)
	}
	type plain FeatureList
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = FeatureList(p)
	return nil
}

// Contract describes something one teammate produces or consumes
type Contract struct {
	FromTeammate string `json:"from_teammate,omitempty" yaml:"from_teammate,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	Kind         string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Path         string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Artifact is a produced file and the schema it must satisfy
type Artifact struct {
	Feature  string   `json:"feature,omitempty" yaml:"feature,omitempty"`
	Path     string   `json:"path" yaml:"path"`
	Kind     string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
}

// EffectiveKind returns the declared kind or infers it from the file extension
func (a Artifact) EffectiveKind() string {
	if a.Kind != "" {
		return strings.ToLower(a.Kind)
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(a.Path)), ".")
}

// Endpoint is an exposed HTTP contract, carried through for reporting collaborators
type Endpoint struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
}

// ValidationSpec is the per-teammate validation_spec document
type ValidationSpec struct {
	Teammate        string     `json:"teammate,omitempty" yaml:"teammate,omitempty"`
	AuthorizedPaths []string   `json:"authorized_paths,omitempty" yaml:"authorized_paths,omitempty"`
	Consumes        []Contract `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	Exposes         []Contract `json:"exposes,omitempty" yaml:"exposes,omitempty"`
	Artifacts       []Artifact `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Endpoints       []Endpoint `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Review          bool       `json:"review,omitempty" yaml:"review,omitempty"`
}

// ArtifactsFor returns the artifacts declared for a feature plus teammate-wide ones
func (v ValidationSpec) ArtifactsFor(featureID string) []Artifact {
	var out []Artifact
	for _, a := range v.Artifacts {
		if a.Feature == "" || a.Feature == featureID {
			out = append(out, a)
		}
	}
	return out
}

// Teammate is one unit of work ownership: one process, one feature set, one path scope
type Teammate struct {
	Name            string         `json:"name"`
	Features        []Feature      `json:"features"`
	AuthorizedPaths []string       `json:"authorized_paths,omitempty"`
	Wave            int            `json:"wave"`
	Consumes        []Contract     `json:"consumes,omitempty"`
	Exposes         []Contract     `json:"exposes,omitempty"`
	Spec            ValidationSpec `json:"spec"`
}

// Dependencies returns the distinct teammates this one consumes from
func (t Teammate) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string
	for _, c := range t.Consumes {
		name := strings.TrimSpace(c.FromTeammate)
		if name == "" || name == t.Name || seen[name] {
			continue
		}
		seen[name] = true
		deps = append(deps, name)
	}
	return deps
}

// IsQA reports whether the teammate is the final quality-assurance teammate
func (t Teammate) IsQA() bool {
	return IsQAName(t.Name)
}

// IsQAName reports whether name designates the QA teammate
func IsQAName(name string) bool {
	return strings.EqualFold(name, "qa")
}

// Clone returns a deep copy of the teammate
func (t Teammate) Clone() Teammate {
	out := t
	out.Features = make([]Feature, len(t.Features))
	for i, f := range t.Features {
		out.Features[i] = f.Clone()
	}
	out.AuthorizedPaths = append([]string(nil), t.AuthorizedPaths...)
	out.Consumes = append([]Contract(nil), t.Consumes...)
	out.Exposes = append([]Contract(nil), t.Exposes...)
	return out
}

// Wave is a set of teammates eligible to run concurrently
type Wave struct {
	Index     int      `json:"index"`
	Teammates []string `json:"teammates"`
}

// Attempt is one supervised execution of a feature
type Attempt struct {
	Teammate  string     `json:"teammate"`
	FeatureID string     `json:"feature_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   Outcome    `json:"outcome,omitempty"`
	Evidence  string     `json:"evidence,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Event is an immutable event log record
type Event struct {
	Seq       uint64    `json:"seq"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Teammate  string    `json:"teammate"`
	FeatureID string    `json:"feature_id"`
	Kind      EventKind `json:"event_kind"`
	Cycle     int       `json:"cycle_count"`
	Reason    string    `json:"reason,omitempty"`
	Evidence  string    `json:"evidence,omitempty"`
}

// IsTerminal reports whether the event records a feature reaching a terminal state
func (e Event) IsTerminal() bool {
	return e.Kind == EventPass || e.Kind == EventBlocked
}
