package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/conserve/internal/config"
	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

// Scenario is a sequence of operations with expected outcomes and
// assertions over the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the default configuration, using the config file keys.
	Config map[string]any `yaml:"config,omitempty"`

	// Start is the initial wall clock. Zero means testutil.Epoch.
	Start time.Time `yaml:"start,omitempty"`

	// Setup steps establish initial state and must all commit.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow steps are the behavior under test.
	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation. Op holds the operation record fields (op, entity,
// amount, ...); the remaining fields steer the harness.
type Step struct {
	// Advance moves the scenario clock forward before the step executes.
	Advance config.Duration `yaml:"advance,omitempty"`

	// Expect is the expected rejection. Nil means the step must commit.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	Op map[string]any `yaml:",inline"`
}

// ExpectClause specifies an expected rejection.
type ExpectClause struct {
	// Violation is the expected violation kind.
	Violation engine.ViolationKind `yaml:"violation"`

	// Fatal, when set, must match the violation's fatality.
	Fatal *bool `yaml:"fatal,omitempty"`

	// Details is a subset match against the violation's details.
	Details map[string]string `yaml:"details,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	Type string `yaml:"type"`

	Entity     ir.EntityID     `yaml:"entity,omitempty"`
	Capability ir.Capability   `yaml:"capability,omitempty"`
	Resource   ir.ResourceKind `yaml:"resource,omitempty"`

	// Equals is the expected energy (balance, allocated, free).
	Equals *ir.Energy `yaml:"equals,omitempty"`

	// Expect is the expected truth value (holds, revoked, terminated).
	// Defaults to true.
	Expect *bool `yaml:"expect,omitempty"`

	// Count is the expected count (usage, audit_count, event_count).
	Count *int64 `yaml:"count,omitempty"`

	// Kinds is the expected sequence of audited operation kinds.
	Kinds []engine.OpKind `yaml:"kinds,omitempty"`
}

// Assertion type constants.
const (
	AssertBalance    = "balance"
	AssertAllocated  = "allocated"
	AssertFree       = "free"
	AssertHolds      = "holds"
	AssertRevoked    = "revoked"
	AssertTerminated = "terminated"
	AssertUsage      = "usage"
	AssertAuditCount = "audit_count"
	AssertAuditKinds = "audit_kinds"
	AssertEventCount = "event_count"
	AssertConserved  = "conserved"
	AssertReplay     = "replay"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown top-level and assertion keys are rejected; step keys are checked
// when the step is decoded into an operation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every .yaml and .yml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// EngineConfig returns the scenario's configuration overlaid on the
// defaults.
func (s *Scenario) EngineConfig() (engine.Config, error) {
	if len(s.Config) == 0 {
		return engine.DefaultConfig(), nil
	}
	raw, err := yaml.Marshal(s.Config)
	if err != nil {
		return engine.Config{}, fmt.Errorf("config: %w", err)
	}
	c, err := config.Parse(raw, ".yaml")
	if err != nil {
		return engine.Config{}, fmt.Errorf("config: %w", err)
	}
	return c.Engine(), nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.EngineConfig(); err != nil {
		return err
	}

	for i, step := range s.Setup {
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
		if _, err := decodeStep(step, time.Time{}); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if step.Expect != nil && step.Expect.Violation == "" {
			return fmt.Errorf("flow[%d].expect: violation is required", i)
		}
		if step.Expect != nil && !slices.Contains(engine.ViolationKinds, step.Expect.Violation) {
			return fmt.Errorf("flow[%d].expect: unknown violation %q", i, step.Expect.Violation)
		}
		if _, err := decodeStep(step, time.Time{}); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	need := func(ok bool, field string) error {
		if !ok {
			return fmt.Errorf("assertions[%d]: %s is required for %s", index, field, a.Type)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertBalance:
		if err := need(a.Entity != "", "entity"); err != nil {
			return err
		}
		return need(a.Equals != nil, "equals")
	case AssertAllocated, AssertFree:
		return need(a.Equals != nil, "equals")
	case AssertHolds, AssertRevoked:
		if err := need(a.Entity != "", "entity"); err != nil {
			return err
		}
		return need(a.Capability != "", "capability")
	case AssertTerminated:
		return need(a.Entity != "", "entity")
	case AssertUsage:
		if err := need(a.Entity != "", "entity"); err != nil {
			return err
		}
		if err := need(a.Resource != "", "resource"); err != nil {
			return err
		}
		return need(a.Count != nil, "count")
	case AssertAuditCount, AssertEventCount:
		if err := need(a.Count != nil, "count"); err != nil {
			return err
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
		return nil
	case AssertAuditKinds:
		return need(a.Kinds != nil, "kinds")
	case AssertConserved, AssertReplay:
		return nil
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
}
