package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
	"github.com/roach88/conserve/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	Database string
	Kind     string
	Actor    string
	After    int64
	Limit    int
	CSV      bool
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List or export the audit trail",
		Long: `List committed operations from the audit trail in seq order.

Rejected operations are never recorded. A termination caused by a fatal
violation carries the violation kind as its cause.

Examples:
  conserve audit --db ./conserve.db
  conserve audit --db ./conserve.db --kind transfer --actor agent-1
  conserve audit --db ./conserve.db --csv > audit.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $CONSERVE_DB)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only records of this operation kind")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "only records by this actor")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only records with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")
	cmd.Flags().BoolVar(&opts.CSV, "csv", false, "write CSV instead of the configured format")

	return cmd
}

func runAudit(opts *AuditOptions, cmd *cobra.Command) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}
	log, err := newLogger(cmd.ErrOrStderr(), opts.RootOptions, env)
	if err != nil {
		return err
	}
	if opts.Kind != "" && !slices.Contains(engine.OpKinds, engine.OpKind(opts.Kind)) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown operation kind %q", opts.Kind))
	}

	st, err := openExisting(resolveDB(opts.Database, env))
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	filter := store.AuditFilter{
		AfterSeq: opts.After,
		Kind:     engine.OpKind(opts.Kind),
		Actor:    ir.EntityID(opts.Actor),
		Limit:    opts.Limit,
	}
	ctx := cmd.Context()

	if opts.CSV {
		if err := st.ExportCSV(ctx, cmd.OutOrStdout(), filter); err != nil {
			return WrapExitError(ExitCommandError, "failed to export audit trail", err)
		}
		return nil
	}

	records, err := st.ReadAudit(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read audit trail", err)
	}
	if opts.Format == "json" {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return out.Success(records)
	}
	writeAuditText(cmd.OutOrStdout(), records)
	return nil
}

func writeAuditText(w io.Writer, records []engine.AuditRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No audit records.")
		return
	}
	for _, r := range records {
		row := store.NewAuditRow(r)
		line := fmt.Sprintf("%6d  %s  %-17s %-12s", r.Seq, row.Timestamp, r.Kind, r.Actor)
		if row.Participants != "" {
			line += fmt.Sprintf("  %s [%s]", row.Participants, row.Amounts)
		}
		if r.Cause != "" {
			line += "  cause=" + string(r.Cause)
		}
		fmt.Fprintln(w, line)
	}
}
