package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forja/forja/internal/engine"
	"github.com/forja/forja/internal/state"
	"github.com/forja/forja/pkg/eventlog"
	"github.com/forja/forja/pkg/lock"
	"github.com/forja/forja/pkg/planner"
	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/types"
	"github.com/forja/forja/pkg/validation"
)

func (c *CLI) newRunCmd() *cobra.Command {
	var runID string
	var noWatch bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every wave until all features are terminal",
		Long: `Acquire the run lock, plan the waves, and supervise each wave's teammate
processes until every feature has passed or been blocked. Exits 1 when the
pass ratio falls below build.min_completion and 2 on a fatal error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRun(cmd, runID, noWatch, asJSON)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: generated)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload build limits when the config file changes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run result as JSON")

	return cmd
}

func (c *CLI) newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the dependency waves",
		Long:  `Load the teammates and print the waves they would run in, without launching anything.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlan()
		},
	}
}

func (c *CLI) newStatusCmd() *cobra.Command {
	var showFeatures bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show feature progress per teammate",
		Long:  `Display the persisted registry state: per-teammate counts, blocked features, and whether a run is active.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(showFeatures)
		},
	}

	cmd.Flags().BoolVarP(&showFeatures, "features", "f", false, "list every feature")
	return cmd
}

func (c *CLI) newEventsCmd() *cobra.Command {
	var lines int
	var teammate string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the feature event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runEvents(lines, teammate)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "number of events to show (0 for all)")
	cmd.Flags().StringVarP(&teammate, "teammate", "t", "", "only show events of this teammate")
	return cmd
}

func (c *CLI) newLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs [teammate]",
		Short: "Show teammate process logs",
		Long:  `Display the captured output of all teammate processes or of one teammate.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			teammate := ""
			if len(args) > 0 {
				teammate = args[0]
			}
			return c.runLogs(teammate, lines)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return cmd
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the teammate plan",
		Long:  `Check that the configuration is valid, every teammate spec is consistent, and the dependency graph has no cycle.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate()
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of forja",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "⚒ forja v%s\n", c.config.Version)
		},
	}
}

// Implementation functions

func (c *CLI) runRun(cmd *cobra.Command, runID string, noWatch, asJSON bool) error {
	cfg, cfgFile, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if noWatch {
		cfgFile = ""
	}

	e, err := engine.New(engine.Options{
		ProjectRoot:   c.config.ProjectRoot,
		Config:        cfg,
		ConfigFile:    cfgFile,
		Logger:        c.logger,
		RunID:         runID,
		HandleSignals: true,
	})
	if err != nil {
		return err
	}

	result, err := e.Run(cmd.Context())
	if err != nil {
		c.reportFatal(err)
		return err
	}

	if asJSON {
		enc := json.NewEncoder(c.output)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		c.printResult(result)
	}

	if !result.OK() {
		return &ExitError{Code: 1, Err: fmt.Errorf("completion %.0f%% is below the %.0f%% minimum",
			result.Ratio*100, cfg.Build.MinCompletion*100)}
	}
	return nil
}

func (c *CLI) printResult(result *engine.Result) {
	summary := result.Summary()
	switch result.Status {
	case engine.StatusComplete:
		c.printSuccess(summary)
	case engine.StatusPartial:
		c.printWarning("Partial success: " + summary)
	default:
		c.printError("Insufficient completion: " + summary)
	}

	if len(result.Blocked) == 0 {
		return
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEAMMATE\tFEATURE\tCYCLES\tREASON")
	fmt.Fprintln(w, "--------\t-------\t------\t------")
	for _, b := range result.Blocked {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", b.Teammate, color.RedString(b.ID), b.Cycles, b.Reason)
	}
	w.Flush()
}

// reportFatal names the error class and prints the last consistent snapshot
func (c *CLI) reportFatal(err error) {
	c.printError(fmt.Sprintf("Run aborted (%s): %v", errorClass(err), err))

	var fatal *engine.FatalError
	if errors.As(err, &fatal) && fatal.Snapshot != nil {
		c.printInfo("Last consistent state:")
		c.printTeammateTable(*fatal.Snapshot)
	}
}

func errorClass(err error) string {
	var (
		cycle      *planner.GraphCycleError
		unknown    *planner.UnknownDependencyError
		conflict   *lock.ConcurrentRunError
		corruption *registry.RegistryCorruptionError
	)
	switch {
	case errors.As(err, &cycle):
		return "GraphCycleError"
	case errors.As(err, &unknown):
		return "UnknownDependencyError"
	case errors.As(err, &conflict):
		return "ConcurrentRunError"
	case errors.As(err, &corruption):
		return "RegistryCorruptionError"
	case errors.Is(err, engine.ErrBarrierViolated):
		return "BarrierViolation"
	case errors.Is(err, engine.ErrInterrupted):
		return "Interrupted"
	default:
		return "Error"
	}
}

func (c *CLI) runPlan() error {
	cfg, _, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	teammates, err := registry.LoadPlan(cfg.TeammatesDir(c.config.ProjectRoot))
	if err != nil {
		return err
	}
	if len(teammates) == 0 {
		c.printWarning(fmt.Sprintf("No teammates found in %s", cfg.TeammatesDir(c.config.ProjectRoot)))
		return nil
	}
	waves, err := planner.Plan(teammates)
	if err != nil {
		return err
	}

	byName := make(map[string]types.Teammate, len(teammates))
	for _, tm := range teammates {
		byName[tm.Name] = tm
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WAVE\tTEAMMATE\tFEATURES\tCONSUMES")
	fmt.Fprintln(w, "----\t--------\t--------\t--------")
	for _, wave := range waves {
		for _, name := range wave.Teammates {
			tm := byName[name]
			deps := strings.Join(tm.Dependencies(), ", ")
			if tm.IsQA() {
				deps = "(all)"
			}
			if deps == "" {
				deps = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", wave.Index, name, len(tm.Features), deps)
		}
	}
	w.Flush()
	return nil
}

func (c *CLI) runStatus(showFeatures bool) error {
	cfg, _, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	stateDir := c.stateDir(cfg)
	snap, err := registry.ReadSnapshot(stateDir)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrNotFound):
		teammates, lerr := registry.LoadPlan(cfg.TeammatesDir(c.config.ProjectRoot))
		if lerr != nil {
			return lerr
		}
		if waves, perr := planner.Plan(teammates); perr == nil {
			planner.Assign(teammates, waves)
		}
		snap = registry.Snapshot{Teammates: teammates}
		c.printInfo("No run recorded yet; showing the plan")
	default:
		return fmt.Errorf("failed to read registry: %w", err)
	}

	if pid, alive, err := lock.Inspect(filepath.Join(stateDir, lock.FileName)); err == nil && alive {
		c.printInfo(fmt.Sprintf("Run active (pid %d)", pid))
	}

	c.printTeammateTable(snap)
	if showFeatures {
		fmt.Fprintln(c.output)
		c.printFeatureTable(snap)
	}

	blocked := snap.BlockedFeatures()
	if len(blocked) > 0 {
		fmt.Fprintln(c.output)
		c.printWarning("Blocked features:")
		for _, b := range blocked {
			fmt.Fprintf(c.output, "  ✗ %s/%s (%d cycles): %s\n", b.Teammate, b.ID, b.Cycles, b.Reason)
		}
	}

	counts := snap.Counts()
	fmt.Fprintln(c.output)
	fmt.Fprintf(c.output, "%d/%d features completed (%d blocked)\n", counts.Passed, counts.Total, counts.Blocked)
	return nil
}

func (c *CLI) printTeammateTable(snap registry.Snapshot) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEAMMATE\tWAVE\tPASSED\tBLOCKED\tIN PROGRESS\tPENDING\tTOTAL")
	fmt.Fprintln(w, "--------\t----\t------\t-------\t-----------\t-------\t-----")

	teammates := append([]types.Teammate(nil), snap.Teammates...)
	sort.SliceStable(teammates, func(i, j int) bool {
		if teammates[i].Wave != teammates[j].Wave {
			return teammates[i].Wave < teammates[j].Wave
		}
		return teammates[i].Name < teammates[j].Name
	})

	for _, tm := range teammates {
		counts := snap.TeammateCounts(tm.Name)
		name := tm.Name
		switch {
		case counts.Total > 0 && counts.Passed == counts.Total:
			name = color.GreenString(name)
		case counts.Blocked > 0:
			name = color.RedString(name)
		case counts.InProgress > 0:
			name = color.YellowString(name)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			name,
			tm.Wave,
			counts.Passed,
			counts.Blocked,
			counts.InProgress,
			counts.Pending,
			counts.Total,
		)
	}
	w.Flush()
}

func (c *CLI) printFeatureTable(snap registry.Snapshot) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEAMMATE\tFEATURE\tSTATUS\tCYCLES\tDESCRIPTION")
	fmt.Fprintln(w, "--------\t-------\t------\t------\t-----------")
	for _, tm := range snap.Teammates {
		for _, f := range tm.Features {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", tm.Name, f.ID, colorStatus(f.Status), f.Cycles, f.Description)
		}
	}
	w.Flush()
}

func colorStatus(s types.FeatureStatus) string {
	switch s {
	case types.FeatureStatusPassed:
		return color.GreenString(string(s))
	case types.FeatureStatusBlocked:
		return color.RedString(string(s))
	case types.FeatureStatusInProgress:
		return color.YellowString(string(s))
	default:
		return color.WhiteString(string(s))
	}
}

func (c *CLI) runEvents(lines int, teammate string) error {
	cfg, _, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	events, err := eventlog.ReadAll(filepath.Join(c.stateDir(cfg), registry.EventLogFile))
	if err != nil {
		return err
	}
	if teammate != "" {
		filtered := events[:0]
		for _, ev := range events {
			if ev.Teammate == teammate {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if lines > 0 && len(events) > lines {
		events = events[len(events)-lines:]
	}
	if len(events) == 0 {
		c.printWarning("No events recorded")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTEAMMATE\tFEATURE\tEVENT\tCYCLE\tREASON")
	for _, ev := range events {
		feature := ev.FeatureID
		if feature == "" {
			feature = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			ev.Seq,
			ev.Timestamp.Local().Format("15:04:05"),
			ev.Teammate,
			feature,
			colorEvent(ev.Kind),
			ev.Cycle,
			ev.Reason,
		)
	}
	w.Flush()
	return nil
}

func colorEvent(k types.EventKind) string {
	switch k {
	case types.EventPass:
		return color.GreenString(string(k))
	case types.EventBlocked, types.EventCrashed:
		return color.RedString(string(k))
	case types.EventFail, types.EventTimeout:
		return color.YellowString(string(k))
	default:
		return string(k)
	}
}

func (c *CLI) runLogs(teammate string, lines int) error {
	cfg, _, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logDir := cfg.LogDir(c.config.ProjectRoot)

	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		c.printWarning("No logs found. Run 'forja run' to start logging.")
		return nil
	}

	var logFiles []string
	if teammate != "" {
		logFile := filepath.Join(logDir, teammate+".log")
		if _, err := os.Stat(logFile); os.IsNotExist(err) {
			return fmt.Errorf("no logs found for teammate: %s", teammate)
		}
		logFiles = []string{logFile}
	} else {
		entries, err := os.ReadDir(logDir)
		if err != nil {
			return fmt.Errorf("failed to read log directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
				logFiles = append(logFiles, filepath.Join(logDir, entry.Name()))
			}
		}
		if len(logFiles) == 0 {
			c.printWarning("No log files found")
			return nil
		}
	}

	for _, logFile := range logFiles {
		content, err := readLastNLines(logFile, lines)
		if err != nil {
			c.printError(fmt.Sprintf("Failed to display %s: %v", filepath.Base(logFile), err))
			continue
		}
		fmt.Fprintf(c.output, "\n=== %s ===\n", strings.TrimSuffix(filepath.Base(logFile), ".log"))
		io.WriteString(c.output, content)
	}
	return nil
}

func readLastNLines(filename string, n int) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var allLines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		allLines = append(allLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	start := 0
	if n > 0 && len(allLines) > n {
		start = len(allLines) - n
	}
	lastLines := allLines[start:]
	if len(lastLines) == 0 {
		return "", nil
	}
	return strings.Join(lastLines, "\n") + "\n", nil
}

func (c *CLI) runValidate() error {
	cfg, _, err := c.loadConfig()
	if err != nil {
		c.printError(fmt.Sprintf("Configuration is invalid: %v", err))
		return err
	}
	if cfg.Teammate.Command == "" {
		c.printWarning("teammate.command is not set; 'forja run' needs it")
	}

	teammates, err := registry.LoadPlan(cfg.TeammatesDir(c.config.ProjectRoot))
	if err != nil {
		c.printError(fmt.Sprintf("Teammate plan is invalid: %v", err))
		return err
	}

	v := validation.NewPlanValidator(c.config.ProjectRoot)
	result := v.ValidatePlan(teammates)

	var errs, warnings []string
	for _, e := range result.Errors {
		line := fmt.Sprintf("%s.%s: %s", e.Teammate, e.Field, e.Message)
		switch e.Level {
		case validation.ValidationLevelError:
			errs = append(errs, line)
		case validation.ValidationLevelWarning:
			warnings = append(warnings, line)
		default:
			c.logger.Debug(line)
		}
	}

	if len(errs) > 0 {
		c.printError("Plan has errors:")
		for _, e := range errs {
			fmt.Fprintf(c.output, "  ✗ %s\n", e)
		}
	}
	if len(warnings) > 0 {
		c.printWarning("Plan warnings:")
		for _, w := range warnings {
			fmt.Fprintf(c.output, "  ⚠ %s\n", w)
		}
	}

	if len(errs) == 0 {
		c.printSuccess(fmt.Sprintf("Configuration and plan are valid (%d teammates)", len(teammates)))
		return nil
	}
	return fmt.Errorf("plan has %d error(s)", len(errs))
}
