package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

func TestCollector_ObservesEngine(t *testing.T) {
	c := New()
	eng := engine.New(engine.DefaultConfig(), engine.WithObserver(c))
	ctx := context.Background()

	_, err := eng.Execute(ctx, engine.Allocate{Entity: "A", Amount: ir.EnergyFromFloat(0.6)})
	require.NoError(t, err)
	_, err = eng.Execute(ctx, engine.Allocate{Entity: "B", Amount: ir.EnergyFromFloat(0.5)})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("allocate", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("allocate", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("PoolExhausted")))
	assert.InDelta(t, 0.6, testutil.ToFloat64(c.allocated), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(c.total), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entities))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestCollector_FatalOutcome(t *testing.T) {
	c := New()
	c.ObserveOutcome(engine.Outcome{
		Kind:      engine.OpRecordEvent,
		Violation: engine.ViolationSelfCausation,
		Fatal:     true,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("record_event", "fatal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.terminations))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("SelfCausation")))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ObserveOutcome(engine.Outcome{Kind: engine.OpRelease, Committed: true})
	assert.Equal(t, 0.0, testutil.ToFloat64(b.operations.WithLabelValues("release", "committed")))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.ObserveOutcome(engine.Outcome{Kind: engine.OpTransfer, Committed: true})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `conserve_engine_operations_total{kind="transfer",outcome="committed"} 1`)
}
