// Package supervisor runs the teammate processes of a wave and brings every
// feature of that wave to a terminal state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	fcontext "github.com/forja/forja/pkg/context"
	"github.com/forja/forja/pkg/logger"
	"github.com/forja/forja/pkg/metrics"
	"github.com/forja/forja/pkg/policy"
	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/types"
)

// Registry is the part of the feature registry the supervisor drives
type Registry interface {
	Snapshot() registry.Snapshot
	FailInProgress(teammate string, outcome types.Outcome, reason string) ([]string, error)
	FailAttempt(teammate, id string, outcome types.Outcome, reason string) (bool, error)
	Block(teammate, id, reason string) error
	Record(ev types.Event) error
}

// Limits are the thresholds enforced while a wave is in flight
type Limits struct {
	PollInterval     time.Duration
	StallRatio       float64
	StallWindow      time.Duration
	AbsoluteTimeout  time.Duration
	GracePeriod      time.Duration
	WaveTimeout      time.Duration
	FeatureStallWarn time.Duration
	FeatureStallFail time.Duration
	MaxPasses        int
	MaxCycles        int
}

// DefaultLimits returns the stock thresholds
func DefaultLimits() Limits {
	return Limits{
		PollInterval:     2 * time.Second,
		StallRatio:       0.8,
		StallWindow:      12 * time.Minute,
		AbsoluteTimeout:  20 * time.Minute,
		GracePeriod:      10 * time.Second,
		WaveTimeout:      60 * time.Minute,
		FeatureStallWarn: 5 * time.Minute,
		FeatureStallFail: 8 * time.Minute,
		MaxPasses:        5,
		MaxCycles:        policy.DefaultMaxCycles,
	}
}

func (l Limits) normalize() Limits {
	d := DefaultLimits()
	if l.PollInterval <= 0 {
		l.PollInterval = d.PollInterval
	}
	if l.StallRatio <= 0 || l.StallRatio > 1 {
		l.StallRatio = d.StallRatio
	}
	if l.GracePeriod <= 0 {
		l.GracePeriod = d.GracePeriod
	}
	if l.MaxPasses <= 0 {
		l.MaxPasses = d.MaxPasses
	}
	if l.MaxCycles <= 0 {
		l.MaxCycles = d.MaxCycles
	}
	return l
}

// Options configures a Supervisor
type Options struct {
	Registry     Registry
	Spawner      Spawner
	Limits       Limits
	Logger       logger.Logger
	Metrics      *metrics.Metrics
	RunID        string
	ProjectRoot  string
	TeammatesDir string
	CallbackURL  string
	LogDir       string
	Now          func() time.Time
}

// TeammateReport summarizes how one teammate's share of a wave went
type TeammateReport struct {
	Teammate string   `json:"teammate"`
	Passes   int      `json:"passes"`
	Timeouts int      `json:"timeouts"`
	Crashes  int      `json:"crashes"`
	Complete bool     `json:"complete"`
	Blocked  []string `json:"blocked,omitempty"`
}

// WaveReport summarizes one wave
type WaveReport struct {
	Index     int                       `json:"index"`
	Teammates map[string]TeammateReport `json:"teammates"`
	Duration  time.Duration             `json:"duration"`
}

// Supervisor launches and watches teammate processes
type Supervisor struct {
	opts    Options
	reg     Registry
	spawner Spawner
	logger  logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	limits Limits
}

// New creates a supervisor
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errors.New("supervisor: registry is required")
	}
	if opts.Spawner == nil {
		return nil, errors.New("supervisor: spawner is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		opts:    opts,
		reg:     opts.Registry,
		spawner: opts.Spawner,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		limits:  opts.Limits.normalize(),
	}, nil
}

// Limits returns the thresholds currently in force
func (s *Supervisor) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// UpdateLimits replaces the thresholds. Running teammates pick them up on
// their next poll.
func (s *Supervisor) UpdateLimits(l Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = l.normalize()
}

// RunWave runs every teammate of the wave in parallel until each has no
// pending or in_progress feature left. Cancelling ctx terminates every live
// process group before RunWave returns.
func (s *Supervisor) RunWave(ctx context.Context, wave types.Wave) (WaveReport, error) {
	start := s.now()
	ctx = fcontext.WithWave(ctx, wave.Index)
	report := WaveReport{Index: wave.Index, Teammates: make(map[string]TeammateReport, len(wave.Teammates))}
	s.metrics.SetWave(wave.Index)

	var mu sync.Mutex
	g, gctx := NewSafeGroup(ctx, s.logger)
	for _, name := range wave.Teammates {
		name := name
		g.Go(func() error {
			rep, err := s.runTeammate(gctx, wave.Index, name, start)
			mu.Lock()
			report.Teammates[name] = rep
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	report.Duration = s.now().Sub(start)
	if err != nil {
		return report, err
	}
	return report, ctx.Err()
}

func (s *Supervisor) runTeammate(ctx context.Context, wave int, name string, waveStart time.Time) (TeammateReport, error) {
	log := logger.WithContext(ctx, s.logger).WithTeammate(name)
	rep := TeammateReport{Teammate: name}

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		snap := s.reg.Snapshot()
		tm, ok := snap.Teammate(name)
		if !ok {
			return rep, fmt.Errorf("teammate %s is not in the registry", name)
		}
		limits := s.Limits()

		if err := s.blockExhausted(tm, limits); err != nil {
			return rep, err
		}
		if s.reg.Snapshot().Terminal(name) {
			rep.Complete = true
			if rep.Passes == 0 {
				log.Debug("Nothing to do")
			}
			return rep, nil
		}

		var reason string
		switch {
		case rep.Passes >= limits.MaxPasses:
			reason = fmt.Sprintf("max passes (%d) exhausted", limits.MaxPasses)
		case limits.WaveTimeout > 0 && s.now().Sub(waveStart) >= limits.WaveTimeout:
			reason = fmt.Sprintf("wave timeout (%s) exceeded", limits.WaveTimeout)
		}
		if reason != "" {
			blocked, err := s.blockRemaining(name, reason)
			rep.Blocked = append(rep.Blocked, blocked...)
			if err != nil {
				return rep, err
			}
			log.Warn("Blocked remaining features",
				logger.WithField("reason", reason),
				logger.WithField("count", len(blocked)))
			rep.Complete = true
			return rep, nil
		}

		rep.Passes++
		if err := s.runPass(ctx, log, wave, tm, &rep); err != nil {
			return rep, err
		}
	}
}

// runPass launches the teammate once and watches it until it exits or is terminated
func (s *Supervisor) runPass(ctx context.Context, log logger.Logger, wave int, tm types.Teammate, rep *TeammateReport) error {
	scope := Scope{
		Teammate:     tm,
		Wave:         wave,
		Pass:         rep.Passes,
		RunID:        s.opts.RunID,
		ProjectRoot:  s.opts.ProjectRoot,
		FeaturesFile: filepath.Join(s.opts.TeammatesDir, tm.Name, registry.FeaturesFile),
		CallbackURL:  s.opts.CallbackURL,
		LogDir:       s.opts.LogDir,
	}

	proc, err := s.spawner.Spawn(ctx, scope)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rep.Crashes++
		log.Error("Failed to launch teammate", logger.WithError(err), logger.WithField("pass", rep.Passes))
		return s.reg.Record(types.Event{Teammate: tm.Name, Kind: types.EventCrashed, Reason: "spawn failed: " + err.Error()})
	}

	launched := s.now()
	baseline := s.reg.Snapshot().TeammateCounts(tm.Name).Terminal()
	log.Info("Teammate launched",
		logger.WithField("pid", proc.PID()),
		logger.WithField("pass", rep.Passes))

	limits := s.Limits()
	ticker := time.NewTicker(limits.PollInterval)
	defer ticker.Stop()
	warned := make(map[string]bool)

	for {
		select {
		case <-proc.Done():
			s.reapGroup(log, proc, s.Limits().GracePeriod)
			return s.reconcileExit(log, tm.Name, proc, baseline, rep)
		case <-ctx.Done():
			s.terminate(log, proc, "cancelled", s.Limits().GracePeriod)
			if _, err := s.reg.FailInProgress(tm.Name, types.OutcomeCrash, "run interrupted"); err != nil {
				log.Error("Failed to reconcile interrupted features", logger.WithError(err))
			}
			return ctx.Err()
		case <-ticker.C:
		}

		l := s.Limits()
		if l.PollInterval != limits.PollInterval {
			ticker.Reset(l.PollInterval)
		}
		limits = l

		now := s.now()
		snap := s.reg.Snapshot()
		counts := snap.TeammateCounts(tm.Name)
		if counts.Terminal() == counts.Total {
			log.Info("All features terminal, stopping teammate")
			s.terminate(log, proc, "complete", limits.GracePeriod)
			return nil
		}

		lastProgress := launched
		if t, ok := snap.LastProgress[tm.Name]; ok && t.After(lastProgress) {
			lastProgress = t
		}
		if idle := now.Sub(lastProgress); limits.StallWindow > 0 && counts.Ratio() > limits.StallRatio && idle >= limits.StallWindow {
			stall := &StallTimeoutError{Teammate: tm.Name, Ratio: counts.Ratio(), Idle: idle}
			return s.timeOut(log, proc, tm.Name, "stall", stall, rep)
		}
		if elapsed := now.Sub(launched); limits.AbsoluteTimeout > 0 && elapsed >= limits.AbsoluteTimeout {
			abs := &AbsoluteTimeoutError{Teammate: tm.Name, Elapsed: elapsed, Limit: limits.AbsoluteTimeout}
			return s.timeOut(log, proc, tm.Name, "absolute", abs, rep)
		}

		if err := s.checkFeatureStalls(log, tm.Name, snap, now, limits, warned); err != nil {
			return err
		}
	}
}

// checkFeatureStalls warns about long-running attempts and fails the ones
// past the fail threshold. The process keeps running and may retry.
func (s *Supervisor) checkFeatureStalls(log logger.Logger, teammate string, snap registry.Snapshot, now time.Time, limits Limits, warned map[string]bool) error {
	for _, a := range snap.OpenAttempts(teammate) {
		elapsed := now.Sub(a.StartedAt)
		if limits.FeatureStallFail > 0 && elapsed >= limits.FeatureStallFail {
			stall := &FeatureStallError{Teammate: teammate, FeatureID: a.FeatureID, Elapsed: elapsed}
			failed, err := s.reg.FailAttempt(teammate, a.FeatureID, types.OutcomeTimeout, stall.Error())
			if err != nil {
				return err
			}
			if failed {
				delete(warned, a.FeatureID)
				log.Warn("Failed stalled feature", logger.WithField("feature", a.FeatureID), logger.WithError(stall))
			}
			continue
		}
		if limits.FeatureStallWarn > 0 && !warned[a.FeatureID] && elapsed >= limits.FeatureStallWarn {
			warned[a.FeatureID] = true
			log.Warn("Feature in progress for a long time",
				logger.WithField("feature", a.FeatureID),
				logger.WithField("elapsed", elapsed.Round(time.Second)))
		}
	}
	return nil
}

// timeOut terminates a stuck process and fails whatever it was working on
func (s *Supervisor) timeOut(log logger.Logger, proc Process, teammate, reason string, cause error, rep *TeammateReport) error {
	log.Warn("Terminating teammate", logger.WithField("reason", cause.Error()))
	s.terminate(log, proc, reason, s.Limits().GracePeriod)
	rep.Timeouts++

	ids, err := s.reg.FailInProgress(teammate, types.OutcomeTimeout, cause.Error())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return s.reg.Record(types.Event{Teammate: teammate, Kind: types.EventTimeout, Reason: cause.Error()})
	}
	return nil
}

// reconcileExit fails features the exited process left in_progress
func (s *Supervisor) reconcileExit(log logger.Logger, teammate string, proc Process, baseline int, rep *TeammateReport) error {
	exitErr := proc.ExitErr()
	reason := "process exited before reporting a result"
	if exitErr != nil {
		reason = "process exited: " + exitErr.Error()
	}

	ids, err := s.reg.FailInProgress(teammate, types.OutcomeCrash, reason)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		log.Warn("Reconciled unfinished features as crashed", logger.WithField("features", ids))
	}

	progressed := s.reg.Snapshot().TeammateCounts(teammate).Terminal() > baseline
	if exitErr != nil && !progressed {
		crash := &ProcessCrashError{Teammate: teammate, PID: proc.PID(), Err: exitErr}
		rep.Crashes++
		log.Error("Teammate crashed", logger.WithError(crash))
		if len(ids) == 0 {
			return s.reg.Record(types.Event{Teammate: teammate, Kind: types.EventCrashed, Reason: crash.Error()})
		}
		return nil
	}
	log.Info("Teammate exited", logger.WithField("progressed", progressed))
	return nil
}

// reapGroup stops descendants left in the group of an exited leader
func (s *Supervisor) reapGroup(log logger.Logger, proc Process, grace time.Duration) {
	err := proc.Terminate(grace)
	switch {
	case errors.Is(err, ErrNotRunning):
		return
	case err != nil:
		log.Error("Failed to stop leftover teammate processes", logger.WithError(err), logger.WithField("pid", proc.PID()))
		return
	}
	s.metrics.ProcessTerminated("orphaned")
	log.Warn("Stopped processes left behind by the teammate", logger.WithField("pid", proc.PID()))
}

func (s *Supervisor) terminate(log logger.Logger, proc Process, reason string, grace time.Duration) {
	s.metrics.ProcessTerminated(reason)
	if err := proc.Terminate(grace); err != nil && !errors.Is(err, ErrNotRunning) {
		log.Error("Failed to terminate teammate", logger.WithError(err), logger.WithField("pid", proc.PID()))
	}
}

// blockExhausted blocks pending features whose cycle count already reached
// the threshold, which happens when the threshold is lowered mid-run.
func (s *Supervisor) blockExhausted(tm types.Teammate, limits Limits) error {
	for _, f := range tm.Features {
		if f.Status != types.FeatureStatusPending {
			continue
		}
		in := policy.Input{Cycles: f.Cycles, MaxCycles: limits.MaxCycles}
		if policy.Decide(in) != policy.Blocked {
			continue
		}
		if err := s.reg.Block(tm.Name, f.ID, policy.Reason(in)); err != nil {
			return err
		}
	}
	return nil
}

// blockRemaining blocks every non-terminal feature of the teammate
func (s *Supervisor) blockRemaining(teammate, reason string) ([]string, error) {
	tm, ok := s.reg.Snapshot().Teammate(teammate)
	if !ok {
		return nil, nil
	}
	var blocked []string
	for _, f := range tm.Features {
		if f.Status.IsTerminal() {
			continue
		}
		if err := s.reg.Block(teammate, f.ID, reason); err != nil {
			return blocked, err
		}
		blocked = append(blocked, f.ID)
	}
	sort.Strings(blocked)
	return blocked, nil
}
