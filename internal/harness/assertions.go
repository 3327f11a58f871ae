package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s[%d] %s %s %s\n", i+1, ev.Phase, ev.Step, ev.Op, ev.Outcome, ev.Violation)
		}
	}
	return buf.String()
}

// AssertionContext is what assertions evaluate against.
type AssertionContext struct {
	Ctx    context.Context
	Engine *engine.Engine
	Result *Result

	// Replay re-executes the persisted trail. Nil disables replay assertions.
	Replay func(context.Context) error
}

// EvaluateAssertions evaluates every assertion and returns the failure
// messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(a Assertion, actx *AssertionContext) error {
	snap := actx.Result.Final
	trace := actx.Result.Trace
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: trace}
	}
	expect := a.Expect == nil || *a.Expect

	switch a.Type {
	case AssertBalance:
		if got := snap.Balances[a.Entity]; got != *a.Equals {
			return fail(fmt.Sprintf("balance(%s) = %s", a.Entity, a.Equals), got.String())
		}
	case AssertAllocated:
		if snap.Allocated != *a.Equals {
			return fail(fmt.Sprintf("allocated = %s", a.Equals), snap.Allocated.String())
		}
	case AssertFree:
		if free := snap.Total - snap.Allocated; free != *a.Equals {
			return fail(fmt.Sprintf("free = %s", a.Equals), free.String())
		}
	case AssertHolds:
		if got := slices.Contains(snap.Capabilities[a.Entity], a.Capability); got != expect {
			return fail(fmt.Sprintf("holds(%s, %s) = %t", a.Entity, a.Capability, expect), fmt.Sprint(got))
		}
	case AssertRevoked:
		if got := slices.Contains(snap.Revoked[a.Entity], a.Capability); got != expect {
			return fail(fmt.Sprintf("revoked(%s, %s) = %t", a.Entity, a.Capability, expect), fmt.Sprint(got))
		}
	case AssertTerminated:
		if got := slices.Contains(snap.Terminated, a.Entity); got != expect {
			return fail(fmt.Sprintf("terminated(%s) = %t", a.Entity, expect), fmt.Sprint(got))
		}
	case AssertUsage:
		if got := snap.Usage[a.Entity][a.Resource]; got != *a.Count {
			return fail(fmt.Sprintf("usage(%s, %s) = %d", a.Entity, a.Resource, *a.Count), fmt.Sprint(got))
		}
	case AssertAuditCount:
		if got := int64(len(actx.Result.Audit)); got != *a.Count {
			return fail(fmt.Sprintf("%d audit records", *a.Count), fmt.Sprint(got))
		}
	case AssertAuditKinds:
		got := make([]engine.OpKind, len(actx.Result.Audit))
		for i, rec := range actx.Result.Audit {
			got[i] = rec.Kind
		}
		if !slices.Equal(got, a.Kinds) {
			return fail(fmt.Sprint(a.Kinds), fmt.Sprint(got))
		}
	case AssertEventCount:
		if got := int64(len(snap.Events)); got != *a.Count {
			return fail(fmt.Sprintf("%d events", *a.Count), fmt.Sprint(got))
		}
	case AssertConserved:
		var sum ir.Energy
		for _, b := range snap.Balances {
			if b < 0 {
				return fail("non-negative balances", b.String())
			}
			sum += b
		}
		if sum != snap.Allocated || sum > snap.Total {
			return fail(fmt.Sprintf("sum(balances) = allocated <= %s", snap.Total),
				fmt.Sprintf("sum %s, allocated %s", sum, snap.Allocated))
		}
	case AssertReplay:
		if actx.Replay == nil {
			return fail("replay available", "no store")
		}
		if err := actx.Replay(actx.Ctx); err != nil {
			return fail("replay reproduces balances hash", err.Error())
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
