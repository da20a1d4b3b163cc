package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forja/forja/pkg/callback"
	"github.com/forja/forja/pkg/types"
)

// newFeatureCmd groups the commands a teammate process uses to report progress.
// They talk to the callback server named by FORJA_CALLBACK_URL.
func (c *CLI) newFeatureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Report feature progress from inside a teammate process",
	}

	cmd.AddCommand(c.newFeatureAttemptCmd())
	cmd.AddCommand(c.newFeatureResultCmd("pass", types.OutcomePass, "Report a feature as passed; the gate decides"))
	cmd.AddCommand(c.newFeatureResultCmd("fail", types.OutcomeFail, "Report a failed feature attempt"))
	cmd.AddCommand(c.newFeatureShowCmd())
	return cmd
}

func (c *CLI) newFeatureAttemptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempt <feature-id>",
		Short: "Mark a feature in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := callback.ClientFromEnv()
			if err != nil {
				return err
			}
			f, err := client.Attempt(cmd.Context(), args[0])
			if err != nil {
				return describeCallbackError(err)
			}
			c.printInfo(fmt.Sprintf("%s in progress (cycle %d)", f.ID, f.Cycles))
			return nil
		},
	}
}

func (c *CLI) newFeatureResultCmd(use string, outcome types.Outcome, short string) *cobra.Command {
	var evidence string

	cmd := &cobra.Command{
		Use:   use + " <feature-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := callback.ClientFromEnv()
			if err != nil {
				return err
			}
			resp, err := client.Result(cmd.Context(), args[0], outcome, evidence)
			if err != nil {
				return describeCallbackError(err)
			}

			f := resp.Feature
			switch {
			case resp.Accepted:
				c.printSuccess(fmt.Sprintf("%s passed", f.ID))
			case f.Status == types.FeatureStatusBlocked:
				c.printError(fmt.Sprintf("%s blocked after %d cycles: %s", f.ID, f.Cycles, resp.Reason))
			default:
				c.printWarning(fmt.Sprintf("%s not accepted (cycle %d): %s", f.ID, f.Cycles, resp.Reason))
			}
			for _, check := range resp.Checks {
				mark := "✓"
				switch {
				case check.Skipped:
					mark = "-"
				case !check.Pass:
					mark = "✗"
				}
				fmt.Fprintf(c.output, "  %s %s %s\n", mark, check.Name, check.Reason)
			}

			if outcome == types.OutcomePass && !resp.Accepted {
				return &ExitError{Code: 1, Err: fmt.Errorf("%s was not accepted", f.ID)}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&evidence, "evidence", "e", "", "evidence for the outcome (test output, notes)")
	return cmd
}

func (c *CLI) newFeatureShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show this teammate's features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := callback.ClientFromEnv()
			if err != nil {
				return err
			}
			tm, err := client.TeammateState(cmd.Context())
			if err != nil {
				return describeCallbackError(err)
			}

			if asJSON {
				enc := json.NewEncoder(c.output)
				enc.SetIndent("", "  ")
				return enc.Encode(tm)
			}

			w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tSTATUS\tCYCLES\tDESCRIPTION")
			for _, f := range tm.Features {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", f.ID, colorStatus(f.Status), f.Cycles, f.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the teammate as JSON")
	return cmd
}

func describeCallbackError(err error) error {
	var apiErr *callback.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.NotFound():
		return fmt.Errorf("unknown feature for teammate %q: %s", os.Getenv(callback.EnvTeammate), apiErr.Message)
	case apiErr.Conflict():
		return fmt.Errorf("feature cannot change state: %s", apiErr.Message)
	}
	return err
}
