// Package registry owns the canonical state of every feature during a run.
//
// Every mutation is appended to the event log first and then applied to the
// in-memory state through the same code path used for crash replay, so the
// persisted snapshot can always be rebuilt from the log.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/forja/forja/internal/state"
	"github.com/forja/forja/pkg/eventlog"
	"github.com/forja/forja/pkg/gate"
	"github.com/forja/forja/pkg/logger"
	"github.com/forja/forja/pkg/policy"
	"github.com/forja/forja/pkg/types"
)

const (
	// SnapshotFile is the registry snapshot inside the state directory
	SnapshotFile = "registry.json"
	// EventLogFile is the event log inside the state directory
	EventLogFile = "feature-events.jsonl"
)

// Evaluator is the validation step a passing result must clear
type Evaluator interface {
	Evaluate(ctx context.Context, req gate.Request) gate.Verdict
}

// Options configures Open
type Options struct {
	StateDir     string
	TeammatesDir string
	ProjectRoot  string
	RunID        string
	// Teammates overrides loading the plan from TeammatesDir.
	Teammates []types.Teammate
	Gate      Evaluator
	MaxCycles int
	// Budget bounds the time since a feature's first attempt; zero disables it.
	Budget time.Duration
	Logger logger.Logger
	Now    func() time.Time
}

// Registry is the single owner of feature state for a run
type Registry struct {
	opts      Options
	snapPath  string
	log       *eventlog.Log
	logger    logger.Logger
	now       func() time.Time
	mu        sync.Mutex
	snap      Snapshot
	open      map[string]int
	maxCycles int
	budget    time.Duration
	closed    bool
	recovered bool
}

// Open loads the registry from its snapshot and the event log tail. A corrupt
// snapshot is rebuilt from the plan plus a full replay of the event log.
func Open(opts Options) (*Registry, error) {
	if opts.StateDir == "" {
		return nil, errors.New("registry: state directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	plan := opts.Teammates
	if plan == nil && opts.TeammatesDir != "" {
		var err error
		if plan, err = LoadPlan(opts.TeammatesDir); err != nil {
			return nil, err
		}
	}

	r := &Registry{
		opts:      opts,
		snapPath:  filepath.Join(opts.StateDir, SnapshotFile),
		logger:    opts.Logger,
		now:       opts.Now,
		open:      make(map[string]int),
		maxCycles: opts.MaxCycles,
		budget:    opts.Budget,
	}
	logPath := filepath.Join(opts.StateDir, EventLogFile)

	var snap Snapshot
	err := state.ReadJSON(r.snapPath, &snap)
	var decodeErr *state.DecodeError
	switch {
	case err == nil:
		snap = merge(snap, plan)
	case errors.Is(err, state.ErrNotFound):
		snap = Snapshot{Teammates: cloneTeammates(plan)}
	case errors.As(err, &decodeErr):
		r.logger.Warn("Registry snapshot is corrupt, rebuilding from event log",
			logger.WithField("path", r.snapPath),
			logger.WithError(err),
		)
		if len(plan) == 0 {
			return nil, &RegistryCorruptionError{Path: r.snapPath, SnapshotErr: err, ReplayErr: errors.New("no teammate plan to rebuild from")}
		}
		if _, rerr := eventlog.ReadAll(logPath); rerr != nil {
			return nil, &RegistryCorruptionError{Path: r.snapPath, SnapshotErr: err, ReplayErr: rerr}
		}
		snap = Snapshot{Teammates: cloneTeammates(plan)}
		r.recovered = true
	default:
		return nil, err
	}
	sortTeammates(snap.Teammates)
	if snap.LastProgress == nil {
		snap.LastProgress = make(map[string]time.Time)
	}
	r.snap = snap
	r.indexOpenAttempts()

	tail, err := eventlog.ReadSince(logPath, snap.LastSeq)
	if err != nil {
		if r.recovered {
			return nil, &RegistryCorruptionError{Path: r.snapPath, SnapshotErr: decodeErr, ReplayErr: err}
		}
		return nil, fmt.Errorf("failed to read event log tail: %w", err)
	}
	for _, ev := range tail {
		r.apply(ev)
		r.snap.LastSeq = ev.Seq
	}
	if len(tail) > 0 {
		r.logger.Info("Replayed event log tail", logger.WithField("events", len(tail)))
	}

	log, err := eventlog.Open(logPath, opts.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	if log.LastSeq() < r.snap.LastSeq {
		r.logger.Warn("Event log is behind the snapshot",
			logger.WithField("snapshot_seq", r.snap.LastSeq),
			logger.WithField("log_seq", log.LastSeq()),
		)
	}
	r.log = log
	r.snap.RunID = opts.RunID

	if err := r.persist(r.teammateNames()...); err != nil {
		log.Close()
		return nil, err
	}
	return r, nil
}

// ReadSnapshot loads the persisted snapshot without opening the registry
func ReadSnapshot(stateDir string) (Snapshot, error) {
	var snap Snapshot
	if err := state.ReadJSON(filepath.Join(stateDir, SnapshotFile), &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Recovered reports whether Open rebuilt state after finding a corrupt snapshot
func (r *Registry) Recovered() bool { return r.recovered }

// EventLogPath returns the path of the event log
func (r *Registry) EventLogPath() string { return r.log.Path() }

// Observe registers an observer for every event appended from now on
func (r *Registry) Observe(o eventlog.Observer) { r.log.Observe(o) }

// SetLimits replaces the blocking policy limits for subsequent failures
func (r *Registry) SetLimits(maxCycles int, budget time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxCycles = maxCycles
	r.budget = budget
}

// Snapshot returns a deep copy of the current state
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.clone()
}

// Feature returns a copy of one feature
func (r *Registry) Feature(teammate, id string) (types.Feature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, _, err := r.lookup(teammate, id)
	if err != nil {
		return types.Feature{}, err
	}
	return f.Clone(), nil
}

// Attempt moves a pending feature to in_progress. Attempting a feature that is
// already in_progress is accepted without a new event.
func (r *Registry) Attempt(teammate, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	f, _, err := r.lookup(teammate, id)
	if err != nil {
		return err
	}
	switch f.Status {
	case types.FeatureStatusInProgress:
		return nil
	case types.FeatureStatusPassed, types.FeatureStatusBlocked:
		return &InvalidTransitionError{Teammate: teammate, FeatureID: id, From: f.Status, To: types.FeatureStatusInProgress}
	}

	if _, err := r.emit(types.Event{Teammate: teammate, FeatureID: id, Kind: types.EventAttempt, Cycle: f.Cycles}); err != nil {
		return err
	}
	return r.persist(teammate)
}

// RecordResult applies a teammate's reported outcome. A pass is only accepted
// when the gate agrees; a rejected pass counts as a failed attempt.
func (r *Registry) RecordResult(ctx context.Context, teammate, id string, outcome types.Outcome, evidence string) (gate.Verdict, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return gate.Verdict{}, ErrClosed
	}
	f, tm, err := r.lookup(teammate, id)
	if err != nil {
		r.mu.Unlock()
		return gate.Verdict{}, err
	}
	if f.Status.IsTerminal() {
		r.mu.Unlock()
		return gate.Verdict{}, &InvalidTransitionError{Teammate: teammate, FeatureID: id, From: f.Status, To: targetStatus(outcome)}
	}
	spec := tm.Spec
	if len(spec.AuthorizedPaths) == 0 {
		spec.AuthorizedPaths = tm.AuthorizedPaths
	}
	r.mu.Unlock()

	// The gate may run an external reviewer, so it is evaluated without the lock.
	verdict := gate.Verdict{Pass: outcome == types.OutcomePass}
	if outcome == types.OutcomePass {
		if r.opts.Gate != nil {
			verdict = r.opts.Gate.Evaluate(ctx, gate.Request{
				Teammate:    teammate,
				FeatureID:   id,
				Evidence:    evidence,
				Spec:        spec,
				ProjectRoot: r.opts.ProjectRoot,
			})
		}
	} else {
		verdict.Reason = string(outcome)
		if evidence != "" {
			verdict.Reason = evidence
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return verdict, ErrClosed
	}
	f, _, err = r.lookup(teammate, id)
	if err != nil {
		return verdict, err
	}
	if f.Status.IsTerminal() {
		return verdict, &InvalidTransitionError{Teammate: teammate, FeatureID: id, From: f.Status, To: targetStatus(outcome)}
	}

	if f.Status == types.FeatureStatusPending {
		if _, err := r.emit(types.Event{Teammate: teammate, FeatureID: id, Kind: types.EventAttempt, Cycle: f.Cycles, Reason: "implicit"}); err != nil {
			return verdict, err
		}
	}

	if verdict.Pass {
		if _, err := r.emit(types.Event{Teammate: teammate, FeatureID: id, Kind: types.EventPass, Cycle: f.Cycles, Evidence: evidence}); err != nil {
			return verdict, err
		}
	} else {
		kind := types.EventKindFor(outcome)
		reason := verdict.Reason
		if outcome == types.OutcomePass {
			kind = types.EventFail
			reason = "validation failed: " + verdict.Reason
		}
		if err := r.failLocked(teammate, id, kind, reason); err != nil {
			return verdict, err
		}
	}
	return verdict, r.persist(teammate)
}

// FailInProgress records a failed attempt for every in_progress feature of the
// teammate and returns their ids. Used when a process exits or is terminated.
func (r *Registry) FailInProgress(teammate string, outcome types.Outcome, reason string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	tm := r.teammate(teammate)
	if tm == nil {
		return nil, &UnknownFeatureError{Teammate: teammate}
	}

	var ids []string
	for _, f := range tm.Features {
		if f.Status == types.FeatureStatusInProgress {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	for _, id := range ids {
		if err := r.failLocked(teammate, id, types.EventKindFor(outcome), reason); err != nil {
			return ids, err
		}
	}
	return ids, r.persist(teammate)
}

// FailAttempt records a failed attempt for one in_progress feature. It
// reports false when the feature is no longer in progress.
func (r *Registry) FailAttempt(teammate, id string, outcome types.Outcome, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrClosed
	}
	f, _, err := r.lookup(teammate, id)
	if err != nil {
		return false, err
	}
	if f.Status != types.FeatureStatusInProgress {
		return false, nil
	}
	if err := r.failLocked(teammate, id, types.EventKindFor(outcome), reason); err != nil {
		return true, err
	}
	return true, r.persist(teammate)
}

// RecoverInterrupted fails every feature left in_progress by a previous run
func (r *Registry) RecoverInterrupted(reason string) (map[string][]string, error) {
	recovered := make(map[string][]string)
	for _, name := range r.teammateNames() {
		ids, err := r.FailInProgress(name, types.OutcomeCrash, reason)
		if err != nil {
			return recovered, err
		}
		if len(ids) > 0 {
			recovered[name] = ids
		}
	}
	return recovered, nil
}

// Block marks a non-terminal feature as blocked. Blocking a blocked feature is a no-op.
func (r *Registry) Block(teammate, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	f, _, err := r.lookup(teammate, id)
	if err != nil {
		return err
	}
	switch f.Status {
	case types.FeatureStatusBlocked:
		return nil
	case types.FeatureStatusPassed:
		return &InvalidTransitionError{Teammate: teammate, FeatureID: id, From: f.Status, To: types.FeatureStatusBlocked}
	}
	if _, err := r.emit(types.Event{Teammate: teammate, FeatureID: id, Kind: types.EventBlocked, Cycle: f.Cycles, Reason: reason}); err != nil {
		return err
	}
	return r.persist(teammate)
}

// Record appends an event that does not change feature state, such as a
// teammate-level timeout with no feature in progress.
func (r *Registry) Record(ev types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	ev.FeatureID = ""
	_, err := r.emit(ev)
	return err
}

// Close writes a final snapshot and closes the event log
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	perr := r.persist(r.teammateNamesLocked()...)
	lerr := r.log.Close()
	if perr != nil {
		return perr
	}
	return lerr
}

// failLocked counts a failed attempt and blocks the feature when the policy says so
func (r *Registry) failLocked(teammate, id string, kind types.EventKind, reason string) error {
	f, _, err := r.lookup(teammate, id)
	if err != nil {
		return err
	}
	cycles := f.Cycles + 1
	if _, err := r.emit(types.Event{Teammate: teammate, FeatureID: id, Kind: kind, Cycle: cycles, Reason: reason}); err != nil {
		return err
	}

	in := policy.Input{
		Cycles:    cycles,
		MaxCycles: r.maxCycles,
		Elapsed:   r.now().Sub(r.firstAttempt(teammate, id, f.CreatedAt)),
		Budget:    r.budget,
	}
	if policy.Decide(in) != policy.Blocked {
		return nil
	}
	blockReason := policy.Reason(in)
	if reason != "" {
		blockReason += ": " + reason
	}
	_, err = r.emit(types.Event{Teammate: teammate, FeatureID: id, Kind: types.EventBlocked, Cycle: cycles, Reason: blockReason})
	if err == nil {
		r.logger.WithTeammate(teammate).Warn("Feature blocked",
			logger.WithField("feature", id),
			logger.WithField("cycles", cycles),
			logger.WithField("reason", blockReason),
		)
	}
	return err
}

func (r *Registry) firstAttempt(teammate, id string, fallback time.Time) time.Time {
	for _, a := range r.snap.Attempts {
		if a.Teammate == teammate && a.FeatureID == id {
			return a.StartedAt
		}
	}
	if fallback.IsZero() {
		return r.now()
	}
	return fallback
}

// emit appends ev and applies it to the in-memory state
func (r *Registry) emit(ev types.Event) (types.Event, error) {
	ev.Timestamp = r.now().UTC()
	ev, err := r.log.Append(ev)
	if err != nil {
		return ev, err
	}
	r.apply(ev)
	r.snap.LastSeq = ev.Seq
	return ev, nil
}

// apply folds one event into state. Values are absolute, so applying an
// event twice leaves the same state.
func (r *Registry) apply(ev types.Event) {
	if ev.FeatureID == "" {
		return
	}
	tm := r.teammate(ev.Teammate)
	if tm == nil {
		return
	}
	var f *types.Feature
	for i := range tm.Features {
		if tm.Features[i].ID == ev.FeatureID {
			f = &tm.Features[i]
			break
		}
	}
	if f == nil {
		return
	}

	ts := ev.Timestamp
	f.Cycles = ev.Cycle
	switch ev.Kind {
	case types.EventAttempt:
		f.Status = types.FeatureStatusInProgress
		r.openAttempt(ev)
	case types.EventPass:
		f.Status = types.FeatureStatusPassed
		f.PassedAt = &ts
		if ev.Evidence != "" {
			e := ev.Evidence
			f.Evidence = &e
		}
		r.closeAttempt(ev, types.OutcomePass)
		r.snap.LastProgress[ev.Teammate] = ts
	case types.EventFail:
		f.Status = types.FeatureStatusPending
		r.closeAttempt(ev, types.OutcomeFail)
	case types.EventTimeout:
		f.Status = types.FeatureStatusPending
		r.closeAttempt(ev, types.OutcomeTimeout)
	case types.EventCrashed:
		f.Status = types.FeatureStatusPending
		r.closeAttempt(ev, types.OutcomeCrash)
	case types.EventBlocked:
		f.Status = types.FeatureStatusBlocked
		f.BlockedAt = &ts
		f.BlockReason = ev.Reason
		r.closeAttempt(ev, types.OutcomeFail)
		r.snap.LastProgress[ev.Teammate] = ts
	}
}

func attemptKey(teammate, id string) string { return teammate + "/" + id }

func (r *Registry) openAttempt(ev types.Event) {
	key := attemptKey(ev.Teammate, ev.FeatureID)
	if _, ok := r.open[key]; ok {
		return
	}
	r.snap.Attempts = append(r.snap.Attempts, types.Attempt{
		Teammate:  ev.Teammate,
		FeatureID: ev.FeatureID,
		StartedAt: ev.Timestamp,
	})
	r.open[key] = len(r.snap.Attempts) - 1
}

func (r *Registry) closeAttempt(ev types.Event, outcome types.Outcome) {
	key := attemptKey(ev.Teammate, ev.FeatureID)
	i, ok := r.open[key]
	if !ok {
		return
	}
	ts := ev.Timestamp
	a := &r.snap.Attempts[i]
	a.EndedAt = &ts
	a.Outcome = outcome
	a.Evidence = ev.Evidence
	a.Reason = ev.Reason
	delete(r.open, key)
}

func (r *Registry) indexOpenAttempts() {
	for i, a := range r.snap.Attempts {
		if a.EndedAt == nil {
			r.open[attemptKey(a.Teammate, a.FeatureID)] = i
		}
	}
}

func (r *Registry) teammate(name string) *types.Teammate {
	for i := range r.snap.Teammates {
		if r.snap.Teammates[i].Name == name {
			return &r.snap.Teammates[i]
		}
	}
	return nil
}

func (r *Registry) lookup(teammate, id string) (types.Feature, types.Teammate, error) {
	tm := r.teammate(teammate)
	if tm == nil {
		return types.Feature{}, types.Teammate{}, &UnknownFeatureError{Teammate: teammate, FeatureID: id}
	}
	for _, f := range tm.Features {
		if f.ID == id {
			return f, *tm, nil
		}
	}
	return types.Feature{}, types.Teammate{}, &UnknownFeatureError{Teammate: teammate, FeatureID: id}
}

func (r *Registry) teammateNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.teammateNamesLocked()
}

func (r *Registry) teammateNamesLocked() []string {
	names := make([]string, len(r.snap.Teammates))
	for i, tm := range r.snap.Teammates {
		names[i] = tm.Name
	}
	return names
}

// persist rewrites the snapshot, then the features.json mirror of each named teammate
func (r *Registry) persist(teammates ...string) error {
	r.snap.UpdatedAt = r.now().UTC()
	if err := state.WriteJSON(r.snapPath, r.snap); err != nil {
		return fmt.Errorf("failed to persist registry snapshot: %w", err)
	}
	if r.opts.TeammatesDir == "" {
		return nil
	}
	for _, name := range teammates {
		tm := r.teammate(name)
		if tm == nil {
			continue
		}
		dir := filepath.Join(r.opts.TeammatesDir, name)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := state.WriteJSON(filepath.Join(dir, FeaturesFile), types.FeatureList{Features: tm.Features}); err != nil {
			return fmt.Errorf("failed to mirror features for %s: %w", name, err)
		}
	}
	return nil
}

func targetStatus(o types.Outcome) types.FeatureStatus {
	if o == types.OutcomePass {
		return types.FeatureStatusPassed
	}
	return types.FeatureStatusPending
}

// merge keeps the snapshot's feature state and picks up plan changes: new
// teammates and features are added, and contracts are refreshed from the plan.
func merge(snap Snapshot, plan []types.Teammate) Snapshot {
	if len(plan) == 0 {
		return snap
	}
	existing := make(map[string]types.Teammate, len(snap.Teammates))
	for _, tm := range snap.Teammates {
		existing[tm.Name] = tm
	}

	merged := make([]types.Teammate, 0, len(plan))
	for _, p := range plan {
		tm := p.Clone()
		if old, ok := existing[p.Name]; ok {
			prior := make(map[string]types.Feature, len(old.Features))
			for _, f := range old.Features {
				prior[f.ID] = f
			}
			for i, f := range tm.Features {
				if o, ok := prior[f.ID]; ok {
					tm.Features[i] = o.Clone()
				}
			}
		}
		merged = append(merged, tm)
	}
	snap.Teammates = merged
	return snap
}

func cloneTeammates(in []types.Teammate) []types.Teammate {
	out := make([]types.Teammate, len(in))
	for i, tm := range in {
		out[i] = tm.Clone()
	}
	return out
}

func sortTeammates(tms []types.Teammate) {
	sort.Slice(tms, func(i, j int) bool { return tms[i].Name < tms[j].Name })
}
