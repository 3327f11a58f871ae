package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/logging"
	"github.com/roach88/conserve/internal/store"
	"github.com/roach88/conserve/internal/testutil"
)

// Harness executes one scenario against a fresh engine.
type Harness struct {
	engine *engine.Engine
	store  *store.Store
	clock  *testutil.ManualClock
	cfg    engine.Config
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. Setup
// failures and malformed steps are returned as errors; unmet expectations
// and failed assertions are recorded in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	cfg, err := scenario.EngineConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		clock:  testutil.NewManualClock(scenario.Start),
		cfg:    cfg,
		logger: logging.NewNop(),
	}
	h.engine = engine.New(cfg,
		engine.WithWallClock(h.clock.Now),
		engine.WithIDGenerator(engine.NewSequentialGenerator("tx")),
		engine.WithSink(st),
		engine.WithLogger(h.logger),
	)

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	result.Final = h.engine.Snapshot()
	result.Audit = h.engine.Audit()

	actx := &AssertionContext{
		Ctx:    ctx,
		Engine: h.engine,
		Result: result,
		Replay: func(ctx context.Context) error {
			res, err := h.store.Replay(ctx, h.cfg)
			if err != nil {
				return err
			}
			result.Replay = &res
			if !res.Match {
				return fmt.Errorf("diverged at seq %d: %s", res.DivergedAt, res.Reason)
			}
			return nil
		},
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeSetup runs setup steps; any rejection aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []Step, result *Result) error {
	for i, step := range setup {
		ev, v, err := h.executeStep(ctx, "setup", i, step)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		result.Trace = append(result.Trace, ev)
		if v != nil {
			return fmt.Errorf("setup[%d]: %w", i, v)
		}
	}
	return nil
}

// executeFlow runs flow steps and checks each against its expect clause.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) error {
	for i, step := range flow {
		ev, v, err := h.executeStep(ctx, "flow", i, step)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		result.Trace = append(result.Trace, ev)
		if msg := checkExpect(step.Expect, v); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, ev.Op, msg))
		}
	}
	return nil
}

// executeStep advances the clock, decodes the step and executes it. A
// rejection is returned as a Violation, not an error.
func (h *Harness) executeStep(ctx context.Context, phase string, i int, step Step) (TraceEvent, *engine.Violation, error) {
	if step.Advance > 0 {
		h.clock.Advance(step.Advance.Std())
	}
	op, err := decodeStep(step, h.clock.Now())
	if err != nil {
		return TraceEvent{}, nil, err
	}

	ev := TraceEvent{Phase: phase, Step: i, Op: op.Kind()}
	receipt, err := h.engine.Execute(ctx, op)
	if err != nil {
		v, ok := engine.AsViolation(err)
		if !ok {
			return TraceEvent{}, nil, err
		}
		ev.Outcome = OutcomeRejected
		if v.IsFatal() {
			ev.Outcome = OutcomeFatal
		}
		ev.Violation = v.Kind
		ev.BalancesHash = h.engine.Snapshot().BalancesHash
		return ev, v, nil
	}
	ev.Outcome = OutcomeCommitted
	ev.Seq = receipt.Seq
	ev.BalancesHash = receipt.BalancesHash
	return ev, nil, nil
}

// checkExpect compares a step's outcome with its expect clause and returns
// a failure message, or "".
func checkExpect(want *ExpectClause, got *engine.Violation) string {
	switch {
	case want == nil && got == nil:
		return ""
	case want == nil:
		return fmt.Sprintf("expected commit, got %s", got)
	case got == nil:
		return fmt.Sprintf("expected %s, got commit", want.Violation)
	case got.Kind != want.Violation:
		return fmt.Sprintf("expected %s, got %s", want.Violation, got)
	case want.Fatal != nil && *want.Fatal != got.IsFatal():
		return fmt.Sprintf("expected fatal=%t, got fatal=%t", *want.Fatal, got.IsFatal())
	}
	for k, v := range want.Details {
		if got.Details[k] != v {
			return fmt.Sprintf("expected detail %s=%q, got %q (details %v)", k, v, got.Details[k], got.Details)
		}
	}
	return ""
}

// ErrScenarioFailed is returned by RunAll when any scenario fails.
var ErrScenarioFailed = errors.New("scenario failed")

// RunAll runs every scenario and returns the results in order. It returns
// ErrScenarioFailed if any result did not pass.
func RunAll(ctx context.Context, scenarios []*Scenario) ([]*Result, error) {
	results := make([]*Result, 0, len(scenarios))
	failed := false
	for _, s := range scenarios {
		res, err := RunContext(ctx, s)
		if err != nil {
			return results, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		results = append(results, res)
		failed = failed || !res.Pass
	}
	if failed {
		return results, ErrScenarioFailed
	}
	return results, nil
}
