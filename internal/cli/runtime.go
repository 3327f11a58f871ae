package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/conserve/internal/config"
	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/logging"
	"github.com/roach88/conserve/internal/store"
)

// Error codes in JSON responses.
const (
	CodeConfig     = "E_CONFIG"
	CodeDatabase   = "E_DATABASE"
	CodeInput      = "E_INPUT"
	CodeDiverged   = "E_REPLAY_DIVERGED"
	CodeTestFailed = "E_TEST_FAILED"
)

// loadEngineConfig returns the defaults when path is empty.
func loadEngineConfig(path string) (engine.Config, error) {
	if path == "" {
		return config.Default().Engine(), nil
	}
	c, err := config.Load(path)
	if err != nil {
		return engine.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return c.Engine(), nil
}

// resolveDB prefers the flag, then CONSERVE_DB.
func resolveDB(flag string, env config.Env) string {
	if flag != "" {
		return flag
	}
	return env.DBPath
}

// openExisting opens a database that must already exist.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(log *slog.Logger, st *store.Store) {
	if err := st.Close(); err != nil {
		log.Error("error closing database", "error", err)
	}
}

// newLogger honors --verbose over CONSERVE_LOG_LEVEL.
func newLogger(w io.Writer, opts *RootOptions, env config.Env) (*slog.Logger, error) {
	level, err := logging.ParseLevel(env.LogLevel)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log level", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return logging.New(w, level), nil
}

func loadEnv() (config.Env, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return config.Env{}, WrapExitError(ExitCommandError, "invalid environment", err)
	}
	return env, nil
}

// restoreEngine rebuilds engine state from the stored trail. Sinks and
// observers passed in opts are wrapped so they only see live operations.
func restoreEngine(ctx context.Context, st *store.Store, cfg engine.Config, log *slog.Logger, sinks []engine.AuditSink, observers []engine.Observer) (*engine.Engine, store.ReplayResult, error) {
	r := store.NewRestorer(nil, nil)
	opts := []engine.EngineOption{
		engine.WithWallClock(r.Now),
		engine.WithIDGenerator(r),
		engine.WithLogger(log),
	}
	for _, s := range sinks {
		opts = append(opts, engine.WithSink(liveSink{r: r, next: s}))
	}
	for _, o := range observers {
		opts = append(opts, engine.WithObserver(liveObserver{r: r, next: o}))
	}
	eng := engine.New(cfg, opts...)

	res, err := st.Restore(ctx, eng, r)
	if err != nil {
		return nil, res, WrapExitError(ExitCommandError, "failed to restore from audit trail", err)
	}
	if !res.Match {
		return nil, res, WrapExitError(ExitFailure, "audit trail does not replay under this config",
			fmt.Errorf("diverged at seq %d: %s", res.DivergedAt, res.Reason))
	}
	r.GoLive()
	return eng, res, nil
}

type liveSink struct {
	r    *store.Restorer
	next engine.AuditSink
}

func (s liveSink) WriteAudit(ctx context.Context, rec engine.AuditRecord) error {
	if !s.r.Live() {
		return nil
	}
	return s.next.WriteAudit(ctx, rec)
}

type liveObserver struct {
	r    *store.Restorer
	next engine.Observer
}

func (o liveObserver) ObserveOutcome(out engine.Outcome) {
	if o.r.Live() {
		o.next.ObserveOutcome(out)
	}
}
