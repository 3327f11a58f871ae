package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/conserve/internal/ir"
)

// TraceSnapshot is the golden form of a scenario run.
type TraceSnapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts the snapshot to the value types ir.MarshalCanonical
// accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Result.Trace))
	for i, ev := range s.Result.Trace {
		m := map[string]any{
			"phase":         ev.Phase,
			"step":          ev.Step,
			"op":            string(ev.Op),
			"outcome":       ev.Outcome,
			"balances_hash": ev.BalancesHash,
		}
		if ev.Violation != "" {
			m["violation"] = string(ev.Violation)
		}
		if ev.Seq != 0 {
			m["seq"] = ev.Seq
		}
		trace[i] = m
	}

	audit := make([]any, len(s.Result.Audit))
	for i, rec := range s.Result.Audit {
		m := map[string]any{
			"seq":    rec.Seq,
			"kind":   string(rec.Kind),
			"actor":  string(rec.Actor),
			"digest": rec.Digest,
		}
		if rec.Cause != "" {
			m["cause"] = string(rec.Cause)
		}
		audit[i] = m
	}

	balances := make(map[string]any, len(s.Result.Final.Balances))
	for id, b := range s.Result.Final.Balances {
		balances[string(id)] = b
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"audit":         audit,
		"final": map[string]any{
			"allocated":     s.Result.Final.Allocated,
			"balances":      balances,
			"balances_hash": s.Result.Final.BalancesHash,
		},
	}
}

// MarshalGolden returns the canonical JSON golden bytes for a result.
func MarshalGolden(scenarioName string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: scenarioName, Result: result}
	return ir.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalGolden(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
