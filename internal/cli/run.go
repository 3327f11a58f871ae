package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/metrics"
	"github.com/roach88/conserve/internal/publish"
	"github.com/roach88/conserve/internal/store"
	"github.com/roach88/conserve/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config      string
	Database    string
	MetricsAddr string
	RedisAddr   string
	NoSnapshot  bool
}

// OpResult is the outcome of one input operation.
type OpResult struct {
	Index     int                  `json:"index"`
	Op        engine.OpKind        `json:"op"`
	Outcome   string               `json:"outcome"` // committed | rejected | fatal
	Seq       int64                `json:"seq,omitempty"`
	Violation engine.ViolationKind `json:"violation,omitempty"`
	Message   string               `json:"message,omitempty"`
	Hash      string               `json:"balances_hash,omitempty"`
}

// RunResult summarizes a run.
type RunResult struct {
	Restored  int        `json:"restored"`
	Committed int        `json:"committed"`
	Rejected  int        `json:"rejected"`
	Fatal     int        `json:"fatal"`
	Results   []OpResult `json:"results"`
	Allocated string     `json:"allocated"`
	Total     string     `json:"total"`
	Hash      string     `json:"balances_hash"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [operations-file]",
		Short: "Execute operations against the engine",
		Long: `Execute a stream of operations against the engine.

Operations are JSON objects, one per line, read from the given file or from
stdin when the file is omitted or "-". The engine state is first rebuilt
from the database's audit trail, so successive runs continue where the
last one stopped. Each committed operation is appended to the trail.

Environment:
  CONSERVE_DB             database path when --db is not set
  CONSERVE_LOG_LEVEL      debug | info | warn | error
  CONSERVE_METRICS_ADDR   Prometheus listen address when --metrics-addr is not set
  CONSERVE_REDIS_ADDR     also publish audit records to a Redis stream
  CONSERVE_REDIS_STREAM   stream name (default conserve:audit)
  CONSERVE_OTEL_ENDPOINT  OTLP/HTTP endpoint for traces

Example:
  conserve run --db ./conserve.db ops.jsonl
  echo '{"op":"allocate","entity":"a","amount":0.5}' | conserve run --config pool.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := "-"
			if len(args) == 1 {
				input = args[0]
			}
			return runOperations(opts, input, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "config file (.yaml, .toml or .cue)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $CONSERVE_DB)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "publish audit records to Redis at this address")
	cmd.Flags().BoolVar(&opts.NoSnapshot, "no-snapshot", false, "do not store a state snapshot at the end")

	return cmd
}

func runOperations(opts *RunOptions, input string, cmd *cobra.Command) error {
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

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Setup(ctx, env.OTLPEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdown(sctx); err != nil {
			log.Error("tracing shutdown", "error", err)
		}
	}()

	dbPath := resolveDB(opts.Database, env)
	log.Info("opening database", "path", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeStore(log, st)

	sinks := []engine.AuditSink{st}
	redisAddr := opts.RedisAddr
	if redisAddr == "" {
		redisAddr = env.RedisAddr
	}
	if redisAddr != "" {
		pub := publish.New(redisAddr, publish.WithStream(env.RedisStream))
		defer func() {
			if err := pub.Close(); err != nil {
				log.Error("error closing publisher", "error", err)
			}
		}()
		sinks = append(sinks, pub)
		log.Info("publishing audit records", "addr", redisAddr, "stream", pub.Stream())
	}

	collector := metrics.New()
	metricsAddr := opts.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = env.MetricsAddr
	}
	if metricsAddr != "" {
		stop, err := serveMetrics(metricsAddr, collector, log)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics server", err)
		}
		defer stop()
	}

	eng, restored, err := restoreEngine(ctx, st, cfg, log, sinks, []engine.Observer{collector})
	if err != nil {
		return err
	}
	log.Info("engine restored", "records", restored.Records, "balances_hash", restored.ActualHash)

	r, closeInput, err := openInput(input, cmd.InOrStdin())
	if err != nil {
		return err
	}
	defer closeInput()

	result := RunResult{Restored: restored.Records, Results: []OpResult{}}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			log.Info("interrupted, stopping", "after", i-1)
			break
		}
		var rec engine.OperationRecord
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("operation %d", i), err)
		}
		if rec.Event != nil && rec.Event.Timestamp.IsZero() {
			rec.Event.Timestamp = time.Now().UTC()
		}
		op, err := rec.Decode()
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("operation %d", i), err)
		}

		res := executeOne(ctx, eng, i, op)
		switch res.Outcome {
		case outcomeCommitted:
			result.Committed++
		case outcomeFatal:
			result.Fatal++
		default:
			result.Rejected++
		}
		result.Results = append(result.Results, res)
		if opts.Format != "json" {
			printOpResult(cmd.OutOrStdout(), res)
		}
	}

	snap := eng.Snapshot()
	if !opts.NoSnapshot {
		if _, err := st.WriteSnapshot(ctx, snap); err != nil {
			log.Error("snapshot failed", "error", err)
		}
	}
	result.Allocated = snap.Allocated.String()
	result.Total = snap.Total.String()
	result.Hash = snap.BalancesHash

	if opts.Format == "json" {
		return out.Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d committed, %d rejected, %d fatal; allocated %s of %s\n",
		result.Committed, result.Rejected, result.Fatal, result.Allocated, result.Total)
	return nil
}

const (
	outcomeCommitted = "committed"
	outcomeRejected  = "rejected"
	outcomeFatal     = "fatal"
)

func executeOne(ctx context.Context, eng *engine.Engine, index int, op engine.Operation) OpResult {
	res := OpResult{Index: index, Op: op.Kind()}
	receipt, err := eng.Execute(ctx, op)
	if err == nil {
		res.Outcome = outcomeCommitted
		res.Seq = receipt.Seq
		res.Hash = receipt.BalancesHash
		return res
	}
	res.Outcome = outcomeRejected
	res.Message = err.Error()
	if v, ok := engine.AsViolation(err); ok {
		res.Violation = v.Kind
		if v.IsFatal() {
			res.Outcome = outcomeFatal
		}
	}
	return res
}

func printOpResult(w io.Writer, r OpResult) {
	switch r.Outcome {
	case outcomeCommitted:
		fmt.Fprintf(w, "✓ %d %s seq=%d hash=%s\n", r.Index, r.Op, r.Seq, r.Hash)
	default:
		fmt.Fprintf(w, "✗ %d %s %s: %s\n", r.Index, r.Op, r.Outcome, r.Message)
	}
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open operations file", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown func.
func serveMetrics(addr string, c *metrics.Collector, log *slog.Logger) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(50 * time.Millisecond):
	}
	log.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("metrics shutdown", "error", err)
		}
	}, nil
}
