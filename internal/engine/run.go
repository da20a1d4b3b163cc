package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/forja/forja/pkg/callback"
	"github.com/forja/forja/pkg/config"
	fcontext "github.com/forja/forja/pkg/context"
	"github.com/forja/forja/pkg/lock"
	"github.com/forja/forja/pkg/logger"
	"github.com/forja/forja/pkg/metrics"
	"github.com/forja/forja/pkg/planner"
	"github.com/forja/forja/pkg/process"
	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/supervisor"
	"github.com/forja/forja/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// Options configures an Engine
type Options struct {
	ProjectRoot string
	Config      *config.Config
	// ConfigFile is watched for build limit changes while the run is in flight.
	ConfigFile string
	Logger     logger.Logger
	// Overrides replaces the collaborators built from Config.
	Overrides Dependencies
	RunID     string
	// HandleSignals cancels the run on SIGINT, SIGTERM and SIGHUP.
	HandleSignals bool
	Now           func() time.Time
}

// Engine runs the waves of one project
type Engine struct {
	root    string
	config  *config.Config
	opts    Options
	logger  logger.Logger
	factory *DependencyFactory
	deps    Dependencies
	now     func() time.Time
}

// New creates an engine. The teammate command must be configured unless a
// spawner override is supplied.
func New(opts Options) (*Engine, error) {
	if opts.ProjectRoot == "" {
		return nil, errors.New("engine: project root is required")
	}
	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	factory := NewDependencyFactory(root, opts.Logger, cfg)
	deps := factory.CreateWithOverrides(opts.Overrides)
	if deps.Spawner == nil {
		return nil, errors.New("teammate.command is not configured")
	}

	return &Engine{
		root:    root,
		config:  cfg,
		opts:    opts,
		logger:  opts.Logger,
		factory: factory,
		deps:    deps,
		now:     opts.Now,
	}, nil
}

// Plan loads the teammates and layers them into waves without touching any
// state. An empty teammates directory yields no waves.
func (e *Engine) Plan() ([]types.Teammate, []types.Wave, error) {
	teammates, err := registry.LoadPlan(e.config.TeammatesDir(e.root))
	if err != nil {
		return nil, nil, err
	}
	waves, err := planner.Plan(teammates)
	if err != nil {
		return nil, nil, err
	}
	planner.Assign(teammates, waves)
	return teammates, waves, nil
}

// Run executes every wave in order. Blocked features do not fail the run;
// the returned error is always a *FatalError.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := e.now()
	stateDir := e.config.StateDir(e.root)

	runID := e.opts.RunID
	if runID == "" {
		runID = fcontext.GenerateRunID()
	}
	ctx = fcontext.WithRunID(ctx, runID)
	ctx = fcontext.WithStartTime(ctx, start)
	logCtx := fcontext.WithOperation(fcontext.WithRunID(context.Background(), runID), "run")
	log := logger.WithContext(logCtx, e.logger)

	lk, err := lock.Acquire(filepath.Join(stateDir, lock.FileName))
	if err != nil {
		return nil, e.fatal(err, nil)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			log.Warn("Failed to release run lock", logger.WithError(err))
		}
	}()

	teammates, waves, err := e.Plan()
	if err != nil {
		return nil, e.fatal(err, nil)
	}
	if len(teammates) == 0 {
		log.Warn("No teammates found, nothing to build", logger.WithField("dir", e.config.TeammatesDir(e.root)))
	}
	log.Info("Planned run",
		logger.WithField("teammates", len(teammates)),
		logger.WithField("waves", len(waves)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var pm *process.Manager
	if e.opts.HandleSignals {
		pm = process.NewManager(log)
		pm.RegisterShutdownHandler(cancel)
		pm.Start(ctx)
		defer pm.Stop()
	}

	m := metrics.New()
	reg, err := registry.Open(registry.Options{
		StateDir:     stateDir,
		TeammatesDir: e.config.TeammatesDir(e.root),
		ProjectRoot:  e.root,
		RunID:        runID,
		Teammates:    teammates,
		Gate:         e.factory.Gate(e.deps.Reviewer),
		MaxCycles:    e.config.Build.MaxCyclesPerFeature,
		Budget:       e.config.Build.FeatureBudget(),
		Logger:       log,
		Now:          e.now,
	})
	if err != nil {
		return nil, e.fatal(err, nil)
	}
	if reg.Recovered() {
		log.Warn("Registry rebuilt from the event log")
	}

	var srv *callback.Server
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error("Failed to close registry", logger.WithError(err))
		}
		if srv != nil {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn("Failed to stop callback server", logger.WithError(err))
			}
		}
	}()

	recovered, err := reg.RecoverInterrupted("interrupted by a previous run")
	if err != nil {
		return nil, e.fatal(err, reg)
	}
	if len(recovered) > 0 {
		log.Warn("Reconciled features left in progress by a previous run", logger.WithField("features", recovered))
	}

	reg.Observe(m.ObserveEvent)
	reg.Observe(func(ev types.Event) {
		if ev.Kind == types.EventBlocked {
			go e.deps.Notifier.NotifyBlocked(ev.Teammate, ev.FeatureID, ev.Reason)
		}
	})
	m.TrackFeatures(func() registry.Counts { return reg.Snapshot().Counts() })

	srv, err = callback.NewServer(reg, log, m, &callback.Config{
		Host:      e.config.Callback.Host,
		Port:      e.config.Callback.Port,
		RateLimit: e.config.Callback.RateLimit,
	})
	if err != nil {
		return nil, e.fatal(err, reg)
	}
	if err := srv.Start(); err != nil {
		srv = nil
		return nil, e.fatal(err, reg)
	}
	log.Info("Callback server started", logger.WithField("url", srv.URL()))

	sup, err := supervisor.New(supervisor.Options{
		Registry:     reg,
		Spawner:      e.deps.Spawner,
		Limits:       e.factory.Limits(),
		Logger:       log,
		Metrics:      m,
		RunID:        runID,
		ProjectRoot:  e.root,
		TeammatesDir: e.config.TeammatesDir(e.root),
		CallbackURL:  srv.URL(),
		LogDir:       e.config.LogDir(e.root),
		Now:          e.now,
	})
	if err != nil {
		return nil, e.fatal(err, reg)
	}

	if stop := e.watchConfig(ctx, log, sup, reg); stop != nil {
		defer stop()
	}

	var reports []supervisor.WaveReport
	for _, wave := range waves {
		if reg.Snapshot().Terminal(wave.Teammates...) {
			log.Info("Wave already terminal, skipping", logger.WithField("wave", wave.Index))
			continue
		}
		log.Info("Starting wave",
			logger.WithField("wave", wave.Index),
			logger.WithField("teammates", wave.Teammates))

		report, err := sup.RunWave(ctx, wave)
		reports = append(reports, report)
		if err != nil {
			if ctx.Err() != nil {
				cause := ctx.Err().Error()
				if pm != nil && pm.Received() != nil {
					cause = "received " + pm.Received().String()
				}
				return nil, e.fatal(fmt.Errorf("%w: %s", ErrInterrupted, cause), reg)
			}
			return nil, e.fatal(err, reg)
		}

		snap := reg.Snapshot()
		if !snap.Terminal(wave.Teammates...) {
			return nil, e.fatal(fmt.Errorf("%w: wave %d finished with non-terminal features", ErrBarrierViolated, wave.Index), reg)
		}
		counts := registry.Counts{}
		for _, name := range wave.Teammates {
			c := snap.TeammateCounts(name)
			counts.Total += c.Total
			counts.Passed += c.Passed
			counts.Blocked += c.Blocked
		}
		log.Success(fmt.Sprintf("Wave %d complete", wave.Index),
			logger.WithField("passed", counts.Passed),
			logger.WithField("blocked", counts.Blocked),
			logger.WithField("duration", report.Duration.Round(time.Millisecond)))
	}

	result := NewResult(runID, waves, reg.Snapshot(), e.config.Build.MinCompletion)
	result.Reports = reports
	result.Recovered = recovered
	result.Duration = e.now().Sub(start)

	switch result.Status {
	case StatusComplete:
		log.Success("Run complete: " + result.Summary())
	case StatusPartial:
		log.Warn("Run finished with blocked features: " + result.Summary())
	default:
		log.Error("Run finished below the completion minimum: "+result.Summary(),
			logger.WithField("min_completion", e.config.Build.MinCompletion))
	}
	for _, b := range result.Blocked {
		log.Warn("Blocked feature",
			logger.WithField("teammate", b.Teammate),
			logger.WithField("feature", b.ID),
			logger.WithField("reason", b.Reason),
			logger.WithField("cycles", b.Cycles))
	}
	e.deps.Notifier.NotifyRunComplete(result.Passed, result.Total, len(result.Blocked), result.Duration)
	return result, nil
}

// watchConfig pushes build limit changes into the running supervisor and registry
func (e *Engine) watchConfig(ctx context.Context, log logger.Logger, sup *supervisor.Supervisor, reg *registry.Registry) func() {
	if e.opts.ConfigFile == "" {
		return nil
	}
	rm := config.NewReloadManager(config.NewManager(e.root), e.opts.ConfigFile, log)
	rm.AddCallback(func(cfg *config.Config, err error) {
		if err != nil {
			log.Warn("Ignoring invalid configuration change", logger.WithError(err))
			return
		}
		sup.UpdateLimits(LimitsFromConfig(cfg.Build))
		reg.SetLimits(cfg.Build.MaxCyclesPerFeature, cfg.Build.FeatureBudget())
		log.Info("Build limits reloaded",
			logger.WithField("max_cycles", cfg.Build.MaxCyclesPerFeature),
			logger.WithField("stall_minutes", cfg.Build.TimeoutStallMinutes))
	})
	if err := rm.StartWatching(ctx); err != nil {
		log.Warn("Configuration hot reload disabled", logger.WithError(err))
		return nil
	}
	return func() {
		if err := rm.StopWatching(); err != nil {
			log.Debug("Failed to stop config watcher", logger.WithError(err))
		}
	}
}

func (e *Engine) fatal(err error, reg *registry.Registry) error {
	fe := &FatalError{Err: err}
	if reg != nil {
		snap := reg.Snapshot()
		fe.Snapshot = &snap
	}
	e.deps.Notifier.NotifyFatal(err)
	return fe
}
