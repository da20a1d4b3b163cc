package engine

import (
	"github.com/forja/forja/pkg/config"
	"github.com/forja/forja/pkg/gate"
	"github.com/forja/forja/pkg/logger"
	"github.com/forja/forja/pkg/notifier"
	"github.com/forja/forja/pkg/supervisor"
)

// Dependencies are the replaceable collaborators of a run
type Dependencies struct {
	Spawner  supervisor.Spawner
	Reviewer gate.Reviewer
	Notifier *notifier.RunNotifier
}

// DependencyFactory creates default implementations of dependencies from
// configuration, so constructors carry no hidden concrete fallbacks.
type DependencyFactory struct {
	projectRoot string
	logger      logger.Logger
	config      *config.Config
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(projectRoot string, logger logger.Logger, config *config.Config) *DependencyFactory {
	return &DependencyFactory{
		projectRoot: projectRoot,
		logger:      logger,
		config:      config,
	}
}

// CreateDefaults creates every dependency the configuration asks for
func (f *DependencyFactory) CreateDefaults() Dependencies {
	return Dependencies{
		Spawner:  f.createSpawner(),
		Reviewer: f.createReviewer(),
		Notifier: f.createNotifier(),
	}
}

// CreateWithOverrides fills the zero fields of overrides with defaults
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) Dependencies {
	deps := overrides
	if deps.Spawner == nil {
		deps.Spawner = f.createSpawner()
	}
	if deps.Reviewer == nil {
		deps.Reviewer = f.createReviewer()
	}
	if deps.Notifier == nil {
		deps.Notifier = f.createNotifier()
	}
	return deps
}

// Gate builds the validation gate around reviewer, which may be nil
func (f *DependencyFactory) Gate(reviewer gate.Reviewer) *gate.Gate {
	opts := []gate.Option{gate.WithLogger(f.logger)}
	if reviewer != nil {
		opts = append(opts, gate.WithReviewer(reviewer, f.config.Review.Enabled))
	}
	return gate.New(opts...)
}

// Limits converts the build section into supervisor thresholds
func (f *DependencyFactory) Limits() supervisor.Limits {
	return LimitsFromConfig(f.config.Build)
}

// LimitsFromConfig converts a build section into supervisor thresholds
func LimitsFromConfig(b config.BuildConfig) supervisor.Limits {
	return supervisor.Limits{
		PollInterval:     b.PollInterval(),
		StallRatio:       b.StallRatio,
		StallWindow:      b.StallWindow(),
		AbsoluteTimeout:  b.AbsoluteTimeout(),
		GracePeriod:      b.GracePeriod(),
		WaveTimeout:      b.WaveTimeout(),
		FeatureStallWarn: b.FeatureStallWarn(),
		FeatureStallFail: b.FeatureStallFail(),
		MaxPasses:        b.MaxPasses,
		MaxCycles:        b.MaxCyclesPerFeature,
	}
}

func (f *DependencyFactory) createSpawner() supervisor.Spawner {
	if f.config.Teammate.Command == "" {
		return nil
	}
	return &supervisor.ExecSpawner{
		Command: f.config.Teammate.Command,
		Shell:   f.config.Teammate.Shell,
	}
}

// createReviewer returns nil without a review command; a configured command
// reviews every feature when review is enabled, otherwise only the teammates
// whose validation spec asks for it.
func (f *DependencyFactory) createReviewer() gate.Reviewer {
	if f.config.Review.Command == "" {
		return nil
	}
	return &gate.CommandReviewer{
		Command: f.config.Review.Command,
		Shell:   f.config.Teammate.Shell,
		Dir:     f.projectRoot,
		Timeout: f.config.Review.Timeout(),
	}
}

func (f *DependencyFactory) createNotifier() *notifier.RunNotifier {
	return notifier.New(notifier.Config{Enabled: f.config.Notifications.Enabled}, f.logger)
}
