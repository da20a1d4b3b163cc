// Package cli provides the command-line interface for forja
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forja/forja/internal/engine"
	"github.com/forja/forja/pkg/config"
	"github.com/forja/forja/pkg/logger"
)

// Config holds the global flag values a CLI instance runs with
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	LogFile     string
	Version     string
}

// NewConfig returns the flag defaults
func NewConfig() *Config {
	return &Config{ProjectRoot: ".", Verbosity: "info"}
}

// ExitError carries a process exit code out of a command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to a process exit code: 1 for an
// insufficient run or a usage error, 2 for a fatal run error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	var fatal *engine.FatalError
	if errors.As(err, &fatal) {
		return 2
	}
	return 1
}

// CLI encapsulates the command-line interface and makes it testable
// by eliminating global state.
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	logger   logger.Logger
	console  *logger.ConsoleLogger
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(config *Config) *CLI {
	if config == nil {
		config = NewConfig()
	}

	cli := &CLI{
		config:   config,
		viper:    viper.New(),
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(config *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(config)
	cli.output = output
	cli.errorOut = errorOut
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "forja",
		Short: "Build orchestration for parallel teammate processes",
		Long: `⚒ forja - dependency-ordered build orchestration

forja layers teammates into waves by the contracts they consume, runs each
wave's teammate processes in parallel, validates every reported feature, and
blocks features that keep failing so one intractable feature cannot stall a run.`,

		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initializeConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("⚒ forja v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newPlanCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newEventsCmd())
	c.rootCmd.AddCommand(c.newLogsCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newFeatureCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: forja.toml in the project root)")
	flags.StringVar(&c.config.ProjectRoot, "root", orDefault(c.config.ProjectRoot, "."), "project root directory")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", orDefault(c.config.Verbosity, "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&c.config.LogFile, "log-file", "", "also write orchestrator logs to this file")

	for _, name := range []string{"config", "root", "verbosity", "log-file"} {
		_ = c.viper.BindPFlag(name, flags.Lookup(name))
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// initializeConfig resolves global flags, letting FORJA_ROOT, FORJA_VERBOSITY,
// FORJA_CONFIG and FORJA_LOG_FILE stand in for flags that were not given.
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	c.viper.SetEnvPrefix(config.EnvPrefix)
	c.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.viper.AutomaticEnv()

	c.config.ConfigFile = c.viper.GetString("config")
	c.config.ProjectRoot = c.viper.GetString("root")
	c.config.Verbosity = c.viper.GetString("verbosity")
	c.config.LogFile = c.viper.GetString("log-file")

	if c.errorOut == os.Stderr {
		c.logger = logger.CreateLogger(c.config.LogFile, c.config.Verbosity)
	} else {
		c.logger = logger.CreateLoggerWithOutput(c.config.Verbosity, c.errorOut)
	}
	c.console = logger.NewConsoleLogger(c.output, c.errorOut)

	c.logger.Debug("CLI initialized",
		logger.WithField("root", c.config.ProjectRoot),
		logger.WithField("config", c.config.ConfigFile))
	return nil
}

// loadConfig reads the project configuration; it remembers the file used so
// the run can watch it.
func (c *CLI) loadConfig() (*config.Config, string, error) {
	m := config.NewManager(c.config.ProjectRoot)
	cfg, err := m.Load(c.config.ConfigFile)
	if err != nil {
		return nil, "", err
	}
	return cfg, m.ConfigFile(), nil
}

func (c *CLI) stateDir(cfg *config.Config) string {
	return cfg.StateDir(c.config.ProjectRoot)
}

func (c *CLI) getConfigPath() string {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile
	}
	return filepath.Join(c.config.ProjectRoot, config.Candidates[0])
}

// Helper methods for structured output

func (c *CLI) printSuccess(message string) {
	c.console.Success(message)
}

func (c *CLI) printError(message string) {
	c.console.Error(message)
}

func (c *CLI) printInfo(message string) {
	c.console.Info(message)
}

func (c *CLI) printWarning(message string) {
	c.console.Warn(message)
}

// ExecuteWithVersion builds a CLI for os.Args and runs it
func ExecuteWithVersion(ctx context.Context, version string) error {
	config := NewConfig()
	config.Version = version
	cli := NewCLI(config)
	return cli.ExecuteContext(ctx, os.Args[1:])
}
