package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forja/forja/pkg/eventlog"
	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/supervisor"
	"github.com/forja/forja/pkg/types"
)

type script func(scope supervisor.Scope, stop <-chan struct{}) error

type fakeProcess struct {
	pid        int
	done       chan struct{}
	err        error
	stop       chan struct{}
	stopOnce   sync.Once
	terminated atomic.Bool
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitErr() error        { return p.err }

func (p *fakeProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return supervisor.ErrNotRunning
	default:
	}
	p.terminated.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
	case <-time.After(grace):
	}
	return nil
}

type fakeSpawner struct {
	mu       sync.Mutex
	scripts  map[string]script
	launches map[string]int
	procs    []*fakeProcess
	err      error
}

func newSpawner(scripts map[string]script) *fakeSpawner {
	return &fakeSpawner{scripts: scripts, launches: make(map[string]int)}
}

func (s *fakeSpawner) Spawn(_ context.Context, scope supervisor.Scope) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.launches[scope.Teammate.Name]++
	p := &fakeProcess{
		pid:  1000 + len(s.procs),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	run := s.scripts[scope.Teammate.Name]
	go func() {
		if run != nil {
			p.err = run(scope, p.stop)
		}
		close(p.done)
	}()
	return p, nil
}

func (s *fakeSpawner) launchCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches[name]
}

func openRegistry(t *testing.T, maxCycles int, features map[string][]string) *registry.Registry {
	t.Helper()
	var tms []types.Teammate
	for name, ids := range features {
		tm := types.Teammate{Name: name}
		for _, id := range ids {
			tm.Features = append(tm.Features, types.Feature{ID: id, Status: types.FeatureStatusPending})
		}
		tms = append(tms, tm)
	}
	reg, err := registry.Open(registry.Options{
		StateDir:  filepath.Join(t.TempDir(), ".forja"),
		RunID:     "run_test",
		Teammates: tms,
		MaxCycles: maxCycles,
	})
	if err != nil {
		t.Fatalf("registry.Open failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func fastLimits() supervisor.Limits {
	return supervisor.Limits{
		PollInterval:    5 * time.Millisecond,
		StallRatio:      0.8,
		StallWindow:     time.Minute,
		AbsoluteTimeout: time.Minute,
		GracePeriod:     200 * time.Millisecond,
		MaxPasses:       5,
		MaxCycles:       5,
	}
}

func newSupervisor(t *testing.T, reg *registry.Registry, sp supervisor.Spawner, limits supervisor.Limits) *supervisor.Supervisor {
	t.Helper()
	sup, err := supervisor.New(supervisor.Options{
		Registry: reg,
		Spawner:  sp,
		Limits:   limits,
		RunID:    "run_test",
	})
	if err != nil {
		t.Fatalf("supervisor.New failed: %v", err)
	}
	return sup
}

func passAll(reg *registry.Registry, ids ...string) script {
	return func(scope supervisor.Scope, _ <-chan struct{}) error {
		for _, id := range ids {
			if err := reg.Attempt(scope.Teammate.Name, id); err != nil {
				return err
			}
			if _, err := reg.RecordResult(context.Background(), scope.Teammate.Name, id, types.OutcomePass, "ok"); err != nil {
				return err
			}
		}
		return nil
	}
}

func feature(t *testing.T, reg *registry.Registry, tm, id string) types.Feature {
	t.Helper()
	f, err := reg.Feature(tm, id)
	if err != nil {
		t.Fatalf("Feature(%s, %s): %v", tm, id, err)
	}
	return f
}

func TestRunWaveIndependentTeammatesPass(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"api": {"a1"}, "web": {"w1"}})
	sp := newSpawner(map[string]script{
		"api": passAll(reg, "a1"),
		"web": passAll(reg, "w1"),
	})
	sup := newSupervisor(t, reg, sp, fastLimits())

	report, err := sup.RunWave(context.Background(), types.Wave{Index: 0, Teammates: []string{"api", "web"}})
	if err != nil {
		t.Fatalf("RunWave failed: %v", err)
	}

	counts := reg.Snapshot().Counts()
	if counts.Passed != 2 || counts.Total != 2 {
		t.Errorf("expected 2/2 passed, got %+v", counts)
	}
	for _, name := range []string{"api", "web"} {
		rep := report.Teammates[name]
		if !rep.Complete || rep.Passes != 1 {
			t.Errorf("%s report = %+v, want one complete pass", name, rep)
		}
	}
}

func TestRunWaveBlocksAfterRepeatedFailures(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"x": {"hard"}})
	sp := newSpawner(map[string]script{
		"x": func(scope supervisor.Scope, _ <-chan struct{}) error {
			if err := reg.Attempt("x", "hard"); err != nil {
				return err
			}
			_, err := reg.RecordResult(context.Background(), "x", "hard", types.OutcomeFail, "still broken")
			return err
		},
	})
	limits := fastLimits()
	limits.MaxPasses = 10
	sup := newSupervisor(t, reg, sp, limits)

	report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"x"}})
	if err != nil {
		t.Fatalf("RunWave failed: %v", err)
	}

	f := feature(t, reg, "x", "hard")
	if f.Status != types.FeatureStatusBlocked || f.Cycles != 5 {
		t.Errorf("feature = %s with %d cycles, want blocked with 5", f.Status, f.Cycles)
	}
	if got := sp.launchCount("x"); got != 5 {
		t.Errorf("expected 5 launches, got %d", got)
	}
	if report.Teammates["x"].Passes != 5 {
		t.Errorf("expected 5 passes, got %d", report.Teammates["x"].Passes)
	}
}

func TestRunWaveTerminatesStalledTeammate(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("f%d", i)
	}
	reg := openRegistry(t, 5, map[string][]string{"slow": ids})

	var pass atomic.Int32
	sp := newSpawner(map[string]script{
		"slow": func(scope supervisor.Scope, stop <-chan struct{}) error {
			if pass.Add(1) == 1 {
				if err := passAll(reg, ids[:9]...)(scope, stop); err != nil {
					return err
				}
				if err := reg.Attempt("slow", ids[9]); err != nil {
					return err
				}
				<-stop
				return errors.New("signal: terminated")
			}
			return passAll(reg, ids[9])(scope, stop)
		},
	})
	limits := fastLimits()
	limits.StallWindow = 100 * time.Millisecond
	sup := newSupervisor(t, reg, sp, limits)

	report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"slow"}})
	if err != nil {
		t.Fatalf("RunWave failed: %v", err)
	}

	if report.Teammates["slow"].Timeouts != 1 {
		t.Errorf("expected one timeout, got %+v", report.Teammates["slow"])
	}
	if !sp.procs[0].terminated.Load() {
		t.Error("expected the stalled process to be terminated")
	}
	f := feature(t, reg, "slow", ids[9])
	if f.Status != types.FeatureStatusPassed || f.Cycles != 1 {
		t.Errorf("last feature = %s with %d cycles, want passed after one timeout", f.Status, f.Cycles)
	}

	events, err := eventlog.ReadAll(reg.EventLogPath())
	if err != nil {
		t.Fatal(err)
	}
	var timeouts int
	for _, ev := range events {
		if ev.Kind == types.EventTimeout && ev.FeatureID == ids[9] {
			timeouts++
			if !strings.Contains(ev.Reason, "stalled") {
				t.Errorf("unexpected timeout reason %q", ev.Reason)
			}
		}
	}
	if timeouts != 1 {
		t.Errorf("expected one timeout event, got %d", timeouts)
	}
}

func TestRunWaveFailsStalledFeature(t *testing.T) {
	reg := openRegistry(t, 2, map[string][]string{"idle": {"i1"}})
	sp := newSpawner(map[string]script{
		// Re-attempts whenever the feature is pending, then sits on it.
		"idle": func(scope supervisor.Scope, stop <-chan struct{}) error {
			for {
				f, err := reg.Feature("idle", "i1")
				if err != nil {
					return err
				}
				switch f.Status {
				case types.FeatureStatusPending:
					if err := reg.Attempt("idle", "i1"); err != nil {
						return err
					}
				case types.FeatureStatusBlocked:
					<-stop
					return nil
				}
				select {
				case <-stop:
					return nil
				case <-time.After(5 * time.Millisecond):
				}
			}
		},
	})
	limits := fastLimits()
	limits.MaxCycles = 2
	limits.FeatureStallFail = 50 * time.Millisecond
	sup := newSupervisor(t, reg, sp, limits)

	report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"idle"}})
	if err != nil {
		t.Fatalf("RunWave failed: %v", err)
	}

	f := feature(t, reg, "idle", "i1")
	if f.Status != types.FeatureStatusBlocked || f.Cycles != 2 {
		t.Errorf("feature = %s with %d cycles, want blocked with 2", f.Status, f.Cycles)
	}
	if got := sp.launchCount("idle"); got != 1 {
		t.Errorf("expected the process to keep running, got %d launches", got)
	}
	if report.Teammates["idle"].Timeouts != 0 {
		t.Errorf("a stalled feature must not count as a process timeout: %+v", report.Teammates["idle"])
	}

	events, err := eventlog.ReadAll(reg.EventLogPath())
	if err != nil {
		t.Fatal(err)
	}
	var timeouts int
	for _, ev := range events {
		if ev.Kind == types.EventTimeout && ev.FeatureID == "i1" {
			timeouts++
			if !strings.Contains(ev.Reason, "made no progress") {
				t.Errorf("unexpected timeout reason %q", ev.Reason)
			}
		}
	}
	if timeouts != 2 {
		t.Errorf("expected two timeout events, got %d", timeouts)
	}
}

func TestRunWaveAbsoluteTimeout(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"hang": {"h1"}})
	sp := newSpawner(map[string]script{
		"hang": func(scope supervisor.Scope, stop <-chan struct{}) error {
			if err := reg.Attempt("hang", "h1"); err != nil {
				return err
			}
			<-stop
			return nil
		},
	})
	limits := fastLimits()
	limits.AbsoluteTimeout = 50 * time.Millisecond
	limits.MaxPasses = 2
	sup := newSupervisor(t, reg, sp, limits)

	report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"hang"}})
	if err != nil {
		t.Fatalf("RunWave failed: %v", err)
	}

	rep := report.Teammates["hang"]
	if rep.Timeouts != 2 || len(rep.Blocked) != 1 {
		t.Errorf("report = %+v, want 2 timeouts and 1 blocked", rep)
	}
	f := feature(t, reg, "hang", "h1")
	if f.Status != types.FeatureStatusBlocked || f.Cycles != 2 {
		t.Errorf("feature = %s with %d cycles, want blocked with 2", f.Status, f.Cycles)
	}
	if !strings.Contains(f.BlockReason, "max passes") {
		t.Errorf("unexpected block reason %q", f.BlockReason)
	}
}

func TestRunWaveReconcilesCrashes(t *testing.T) {
	t.Run("in progress feature", func(t *testing.T) {
		reg := openRegistry(t, 5, map[string][]string{"c": {"c1"}})
		var first atomic.Bool
		sp := newSpawner(map[string]script{
			"c": func(scope supervisor.Scope, stop <-chan struct{}) error {
				if !first.Swap(true) {
					if err := reg.Attempt("c", "c1"); err != nil {
						return err
					}
					return errors.New("exit status 1")
				}
				return passAll(reg, "c1")(scope, stop)
			},
		})
		sup := newSupervisor(t, reg, sp, fastLimits())

		if _, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"c"}}); err != nil {
			t.Fatalf("RunWave failed: %v", err)
		}
		f := feature(t, reg, "c", "c1")
		if f.Status != types.FeatureStatusPassed || f.Cycles != 1 {
			t.Errorf("feature = %s with %d cycles, want passed after one crash", f.Status, f.Cycles)
		}
	})

	t.Run("no progress", func(t *testing.T) {
		reg := openRegistry(t, 5, map[string][]string{"c": {"c1"}})
		sp := newSpawner(map[string]script{
			"c": func(supervisor.Scope, <-chan struct{}) error { return errors.New("exit status 2") },
		})
		limits := fastLimits()
		limits.MaxPasses = 1
		sup := newSupervisor(t, reg, sp, limits)

		report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"c"}})
		if err != nil {
			t.Fatalf("RunWave failed: %v", err)
		}
		if report.Teammates["c"].Crashes != 1 {
			t.Errorf("expected one crash, got %+v", report.Teammates["c"])
		}

		events, err := eventlog.ReadAll(reg.EventLogPath())
		if err != nil {
			t.Fatal(err)
		}
		var crashed bool
		for _, ev := range events {
			if ev.Kind == types.EventCrashed && ev.FeatureID == "" && strings.Contains(ev.Reason, "exit status 2") {
				crashed = true
			}
		}
		if !crashed {
			t.Error("expected a teammate-level crashed event")
		}
		if f := feature(t, reg, "c", "c1"); f.Status != types.FeatureStatusBlocked {
			t.Errorf("feature should be blocked once passes run out, got %s", f.Status)
		}
	})
}

func TestRunWaveSpawnFailure(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"s": {"s1"}})
	sp := newSpawner(nil)
	sp.err = errors.New("exec: not found")
	limits := fastLimits()
	limits.MaxPasses = 2
	sup := newSupervisor(t, reg, sp, limits)

	report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"s"}})
	if err != nil {
		t.Fatalf("RunWave failed: %v", err)
	}
	if report.Teammates["s"].Crashes != 2 {
		t.Errorf("expected two crashes, got %+v", report.Teammates["s"])
	}
	if f := feature(t, reg, "s", "s1"); f.Status != types.FeatureStatusBlocked || f.Cycles != 0 {
		t.Errorf("feature = %s with %d cycles, want blocked with no cycles", f.Status, f.Cycles)
	}
}

func TestRunWaveCancellationTerminatesProcesses(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"a": {"a1"}, "b": {"b1"}})
	started := make(chan struct{}, 2)
	hang := func(id string) script {
		return func(scope supervisor.Scope, stop <-chan struct{}) error {
			if err := reg.Attempt(scope.Teammate.Name, id); err != nil {
				return err
			}
			started <- struct{}{}
			<-stop
			return nil
		}
	}
	sp := newSpawner(map[string]script{"a": hang("a1"), "b": hang("b1")})
	sup := newSupervisor(t, reg, sp, fastLimits())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		<-started
		cancel()
	}()

	_, err := sup.RunWave(ctx, types.Wave{Teammates: []string{"a", "b"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for i, p := range sp.procs {
		select {
		case <-p.Done():
		default:
			t.Errorf("process %d still running after cancellation", i)
		}
	}
	for _, tm := range []string{"a", "b"} {
		f := feature(t, reg, tm, tm+"1")
		if f.Status != types.FeatureStatusPending || f.Cycles != 1 {
			t.Errorf("%s feature = %s with %d cycles, want pending after interrupt", tm, f.Status, f.Cycles)
		}
	}
}

func TestRunWaveSkipsTerminalTeammates(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"done": {"d1"}})
	if err := reg.Block("done", "d1", "manual"); err != nil {
		t.Fatal(err)
	}
	sp := newSpawner(nil)
	sup := newSupervisor(t, reg, sp, fastLimits())

	report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"done"}})
	if err != nil {
		t.Fatal(err)
	}
	if sp.launchCount("done") != 0 {
		t.Error("a terminal teammate must not be launched")
	}
	if !report.Teammates["done"].Complete {
		t.Error("expected teammate to be complete")
	}
}

func TestRunWaveTimeoutBlocksRemaining(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"late": {"l1", "l2"}})
	sp := newSpawner(nil)
	limits := fastLimits()
	limits.WaveTimeout = time.Nanosecond
	sup := newSupervisor(t, reg, sp, limits)

	report, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"late"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := report.Teammates["late"].Blocked; len(got) != 2 {
		t.Errorf("expected both features blocked, got %v", got)
	}
	if !reg.Snapshot().Terminal("late") {
		t.Error("wave must end with every feature terminal")
	}
}

func TestRunWaveBlocksExhaustedAfterLimitChange(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"r": {"r1", "r2"}})
	for i := 0; i < 2; i++ {
		if err := reg.Attempt("r", "r1"); err != nil {
			t.Fatal(err)
		}
		if _, err := reg.RecordResult(context.Background(), "r", "r1", types.OutcomeFail, "nope"); err != nil {
			t.Fatal(err)
		}
	}

	sp := newSpawner(map[string]script{"r": passAll(reg, "r2")})
	sup := newSupervisor(t, reg, sp, fastLimits())
	limits := sup.Limits()
	limits.MaxCycles = 2
	sup.UpdateLimits(limits)

	if _, err := sup.RunWave(context.Background(), types.Wave{Teammates: []string{"r"}}); err != nil {
		t.Fatal(err)
	}
	if f := feature(t, reg, "r", "r1"); f.Status != types.FeatureStatusBlocked {
		t.Errorf("r1 = %s, want blocked", f.Status)
	}
	if f := feature(t, reg, "r", "r2"); f.Status != types.FeatureStatusPassed {
		t.Errorf("r2 = %s, want passed", f.Status)
	}
}

func TestUpdateLimitsNormalizes(t *testing.T) {
	reg := openRegistry(t, 5, map[string][]string{"n": {"n1"}})
	sup := newSupervisor(t, reg, newSpawner(nil), fastLimits())

	sup.UpdateLimits(supervisor.Limits{StallRatio: 4})
	got := sup.Limits()
	want := supervisor.DefaultLimits()
	if got.PollInterval != want.PollInterval || got.StallRatio != want.StallRatio || got.MaxPasses != want.MaxPasses {
		t.Errorf("limits not normalized: %+v", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := supervisor.New(supervisor.Options{}); err == nil {
		t.Error("expected error without registry")
	}
	reg := openRegistry(t, 5, map[string][]string{"n": {"n1"}})
	if _, err := supervisor.New(supervisor.Options{Registry: reg}); err == nil {
		t.Error("expected error without spawner")
	}
}
