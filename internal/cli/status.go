package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/conserve/internal/ledger"
	"github.com/roach88/conserve/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
	Config   string
}

// StatusResult is the pool state rebuilt from the trail.
type StatusResult struct {
	Records      int                `json:"records"`
	BalancesHash string             `json:"balances_hash"`
	State        ledger.EnergyState `json:"state"`
	Terminated   []string           `json:"terminated,omitempty"`

	// SnapshotSeq is the audit seq of the latest stored snapshot, or 0.
	SnapshotSeq int64 `json:"snapshot_seq,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool usage and balance distribution",
		Long: `Rebuild the engine from the audit trail and report pool usage, the
distribution of funded balances and dormant entities.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $CONSERVE_DB)")
	cmd.Flags().StringVar(&opts.Config, "config", "", "config the trail was recorded under")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
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

	ctx := cmd.Context()
	eng, restored, err := restoreEngine(ctx, st, cfg, log, nil, nil)
	if err != nil {
		return err
	}

	res := StatusResult{
		Records:      restored.Records,
		BalancesHash: restored.ActualHash,
		State:        eng.State(),
	}
	for _, id := range eng.Terminated() {
		res.Terminated = append(res.Terminated, string(id))
	}
	snap, err := st.LatestSnapshot(ctx)
	switch {
	case err == nil:
		res.SnapshotSeq = snap.AuditSeq
	case !errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitCommandError, "failed to read snapshot", err)
	}

	if opts.Format == "json" {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return out.Success(res)
	}

	w := cmd.OutOrStdout()
	s := res.State
	fmt.Fprintf(w, "Pool:      %s allocated, %s free, %s total\n", s.Allocated, s.Free, s.Total)
	fmt.Fprintf(w, "Entities:  %d funded\n", s.ActiveEntities)
	if s.ActiveEntities > 0 {
		d := s.Distribution
		fmt.Fprintf(w, "Balances:  mean %.4f, variance %.6f, min %.4f, max %.4f\n", d.Mean, d.Variance, d.Min, d.Max)
	}
	if len(s.Dormant) > 0 {
		dormant := make([]string, len(s.Dormant))
		for i, id := range s.Dormant {
			dormant[i] = string(id)
		}
		fmt.Fprintf(w, "Dormant:   %s\n", strings.Join(dormant, ", "))
	}
	if len(res.Terminated) > 0 {
		fmt.Fprintf(w, "Terminated: %s\n", strings.Join(res.Terminated, ", "))
	}
	fmt.Fprintf(w, "Trail:     %d records, balances hash %s\n", res.Records, res.BalancesHash)
	if res.SnapshotSeq > 0 {
		fmt.Fprintf(w, "Snapshot:  at seq %d\n", res.SnapshotSeq)
	}
	return nil
}
