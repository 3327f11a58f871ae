package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

var testTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestParseScenario(t *testing.T) {
	s := mustParse(t, `
name: parsed
description: all sections
config:
  total_energy: 2.0
setup:
  - op: allocate
    entity: A
    amount: 1.5
flow:
  - op: transfer
    from: A
    to: B
    amount: 0.5
    advance: 2s
    expect:
      violation: CapabilityDenied
      details:
        capability: transfer-energy
assertions:
  - type: balance
    entity: A
    equals: 1.5
  - type: usage
    entity: A
    resource: messages
    count: 2
`)
	assert.Equal(t, "parsed", s.Name)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, 2*time.Second, s.Flow[0].Advance.Std())
	assert.Equal(t, engine.ViolationCapabilityDenied, s.Flow[0].Expect.Violation)
	assert.Equal(t, "A", s.Flow[0].Op["from"])
	assert.NotContains(t, s.Flow[0].Op, "advance")
	require.NotNil(t, s.Assertions[0].Equals)
	assert.Equal(t, ir.EnergyFromFloat(1.5), *s.Assertions[0].Equals)

	cfg, err := s.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, ir.EnergyFromFloat(2.0), cfg.Ledger.Total)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing name", "description: d\nflow: [{op: release, entity: A}]\nassertions: [{type: conserved}]", "name is required"},
		{"missing description", "name: n\nflow: [{op: release, entity: A}]\nassertions: [{type: conserved}]", "description is required"},
		{"empty flow", "name: n\ndescription: d\nflow: []\nassertions: [{type: conserved}]", "flow list"},
		{"no assertions", "name: n\ndescription: d\nflow: [{op: release, entity: A}]", "assertions list"},
		{"unknown top key", "name: n\ndescription: d\nflw: []", "flw"},
		{"unknown op", "name: n\ndescription: d\nflow: [{op: teleport}]\nassertions: [{type: conserved}]", "teleport"},
		{"expect in setup", "name: n\ndescription: d\nsetup: [{op: release, entity: A, expect: {violation: PoolExhausted}}]\nflow: [{op: release, entity: A}]\nassertions: [{type: conserved}]", "not allowed"},
		{"unknown violation", "name: n\ndescription: d\nflow: [{op: release, entity: A, expect: {violation: Oops}}]\nassertions: [{type: conserved}]", "unknown violation"},
		{"unknown assertion", "name: n\ndescription: d\nflow: [{op: release, entity: A}]\nassertions: [{type: vibes}]", "unknown assertion type"},
		{"balance without entity", "name: n\ndescription: d\nflow: [{op: release, entity: A}]\nassertions: [{type: balance, equals: 1}]", "entity is required"},
		{"usage without count", "name: n\ndescription: d\nflow: [{op: release, entity: A}]\nassertions: [{type: usage, entity: A, resource: memory}]", "count is required"},
		{"negative count", "name: n\ndescription: d\nflow: [{op: release, entity: A}]\nassertions: [{type: audit_count, count: -1}]", "non-negative"},
		{"bad config", "name: n\ndescription: d\nconfig: {total_energy: 0}\nflow: [{op: release, entity: A}]\nassertions: [{type: conserved}]", "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_NotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDir_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	body := "name: %s\ndescription: d\nflow: [{op: release, entity: A}]\nassertions: [{type: conserved}]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(fmt.Sprintf(body, "second")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(fmt.Sprintf(body, "first")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	scenarios, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "first", scenarios[0].Name)
	assert.Equal(t, "second", scenarios[1].Name)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertBalance,
		Expected: "balance(A) = 1",
		Actual:   "0.5",
		Trace:    []TraceEvent{{Phase: "flow", Step: 0, Op: engine.OpAllocate, Outcome: OutcomeCommitted}},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: balance")
	assert.Contains(t, msg, "Expected: balance(A) = 1")
	assert.Contains(t, msg, "[1] flow[0] allocate committed")
}
