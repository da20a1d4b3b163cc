package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/forja/forja/pkg/config"
)

const configHeader = `# forja configuration
# Durations are fractional minutes (build.*_minutes) or seconds (*_seconds).
# Every key can be overridden with FORJA_<SECTION>_<KEY>, e.g. FORJA_BUILD_MAX_PASSES=3.

`

func (c *CLI) newInitCmd() *cobra.Command {
	var command string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter forja.toml",
		Long: `Write a forja.toml holding the default build limits into the project root
and create the teammates directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(command, force)
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "teammate command to launch for each teammate")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

func (c *CLI) runInit(command string, force bool) error {
	configPath := c.getConfigPath()

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", configPath)
	}

	cfg := config.Defaults()
	cfg.Teammate.Command = command

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	c.printSuccess(fmt.Sprintf("Created %s", configPath))

	teammatesDir := cfg.TeammatesDir(c.config.ProjectRoot)
	if err := os.MkdirAll(teammatesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create teammates directory: %w", err)
	}
	c.printInfo(fmt.Sprintf("Add one directory per teammate under %s with a features.json", teammatesDir))

	if command == "" {
		c.printWarning("Set teammate.command before running 'forja run'")
	}
	return nil
}
