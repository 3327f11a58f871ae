package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Config   string
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the audit trail and verify it reproduces the balances",
		Long: `Re-execute every recorded operation on a fresh engine, at its recorded
timestamp, and compare the balances hash after each one with the trail.

The config must match the one the trail was recorded under.

Exit codes:
  0 - Replay reproduced every recorded balances hash
  1 - Replay diverged
  2 - Command error (database not found, invalid config, etc.)

Examples:
  conserve replay --db ./conserve.db
  conserve replay --db ./conserve.db --config pool.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $CONSERVE_DB)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "config the trail was recorded under")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	log, err := newLogger(cmd.ErrOrStderr(), opts.RootOptions, env)
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig(opts.Config)
	if err != nil {
		return err
	}
	st, err := openExisting(resolveDB(opts.Database, env))
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	res, err := st.Replay(cmd.Context(), cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: res}
		if !res.Match {
			resp.Status = "error"
			resp.Error = &CLIError{Code: CodeDiverged, Message: res.Reason}
		}
		if err := formatter.Respond(resp); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Replayed %d records\n", res.Records)
		fmt.Fprintf(w, "  expected: %s\n", res.ExpectedHash)
		fmt.Fprintf(w, "  actual:   %s\n", res.ActualHash)
		if res.Match {
			fmt.Fprintln(w, "✓ Replay matches the audit trail")
		} else {
			fmt.Fprintf(w, "✗ Diverged at seq %d: %s\n", res.DivergedAt, res.Reason)
		}
	}

	if !res.Match {
		return NewExitError(ExitFailure, fmt.Sprintf("replay diverged at seq %d", res.DivergedAt))
	}
	return nil
}
