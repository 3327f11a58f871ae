package limiter

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conserve/internal/ir"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLimiter() *Limiter {
	return New(map[ir.ResourceKind]Limit{
		ir.ResourceMessages:   {Ceiling: 10, Window: time.Second},
		ir.ResourceConcurrent: {Ceiling: 3},
	})
}

// TestLimiter_WithinLimit tests normal operation within the ceiling.
func TestLimiter_WithinLimit(t *testing.T) {
	l := newTestLimiter()
	for i := 0; i < 10; i++ {
		err := l.CheckAndIncrement("A", ir.ResourceMessages, 1, t0)
		assert.NoError(t, err, "message %d should be allowed", i+1)
	}
	assert.Equal(t, int64(10), l.Usage("A", ir.ResourceMessages, t0))
}

// TestLimiter_ExceedsLimit is the message-rate scenario: the 11th message in
// the window fails and the counter stays at 10.
func TestLimiter_ExceedsLimit(t *testing.T) {
	l := newTestLimiter()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.CheckAndIncrement("A", ir.ResourceMessages, 1, t0.Add(time.Duration(i)*10*time.Millisecond)))
	}

	err := l.CheckAndIncrement("A", ir.ResourceMessages, 1, t0.Add(500*time.Millisecond))
	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ir.ResourceMessages, le.Kind)
	assert.Equal(t, int64(10), le.Limit)
	assert.Equal(t, int64(11), le.Attempted)
	assert.Equal(t, int64(10), l.Usage("A", ir.ResourceMessages, t0.Add(500*time.Millisecond)))
}

// TestLimiter_OverflowRejected tests that an amount wrapping int64 past the
// current usage is rejected and the counter is untouched.
func TestLimiter_OverflowRejected(t *testing.T) {
	l := newTestLimiter()
	require.NoError(t, l.CheckAndIncrement("A", ir.ResourceConcurrent, 1, t0))

	err := l.CheckAndIncrement("A", ir.ResourceConcurrent, math.MaxInt64, t0)
	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, int64(math.MaxInt64), le.Attempted)
	assert.Equal(t, int64(1), l.Usage("A", ir.ResourceConcurrent, t0))

	assert.Error(t, l.Check("A", ir.ResourceConcurrent, 1<<40, t0))
	require.NoError(t, l.CheckAndIncrement("A", ir.ResourceConcurrent, 2, t0))
	assert.Equal(t, int64(3), l.Usage("A", ir.ResourceConcurrent, t0))
}

func TestSaturatingAdd(t *testing.T) {
	assert.Equal(t, int64(5), SaturatingAdd(2, 3))
	assert.Equal(t, int64(math.MaxInt64), SaturatingAdd(1, math.MaxInt64))
	assert.Equal(t, int64(math.MaxInt64), SaturatingAdd(math.MaxInt64, math.MaxInt64))
}

// TestLimiter_WindowResets tests the lazy reset at the window boundary.
func TestLimiter_WindowResets(t *testing.T) {
	l := newTestLimiter()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.CheckAndIncrement("A", ir.ResourceMessages, 1, t0))
	}
	assert.Error(t, l.Check("A", ir.ResourceMessages, 1, t0.Add(999*time.Millisecond)))

	next := t0.Add(time.Second)
	assert.Equal(t, int64(0), l.Usage("A", ir.ResourceMessages, next))
	require.NoError(t, l.CheckAndIncrement("A", ir.ResourceMessages, 1, next))
	assert.Equal(t, int64(1), l.Usage("A", ir.ResourceMessages, next))
}

// TestLimiter_PerEntity tests that counters are independent per entity.
func TestLimiter_PerEntity(t *testing.T) {
	l := newTestLimiter()
	require.NoError(t, l.CheckAndIncrement("A", ir.ResourceMessages, 10, t0))
	assert.NoError(t, l.Check("B", ir.ResourceMessages, 10, t0))
}

// TestLimiter_StandingQuota tests zero-window kinds.
func TestLimiter_StandingQuota(t *testing.T) {
	l := newTestLimiter()
	require.NoError(t, l.CheckAndIncrement("A", ir.ResourceConcurrent, 3, t0))

	// Never resets with time.
	assert.True(t, IsLimitExceededError(l.Check("A", ir.ResourceConcurrent, 1, t0.Add(time.Hour))))

	require.NoError(t, l.Decrement("A", ir.ResourceConcurrent, 2))
	assert.Equal(t, int64(1), l.Usage("A", ir.ResourceConcurrent, t0))
	require.NoError(t, l.Decrement("A", ir.ResourceConcurrent, 5))
	assert.Equal(t, int64(0), l.Usage("A", ir.ResourceConcurrent, t0))
}

func TestLimiter_DecrementWindowedFails(t *testing.T) {
	l := newTestLimiter()
	assert.Error(t, l.Decrement("A", ir.ResourceMessages, 1))
}

func TestLimiter_UnknownKind(t *testing.T) {
	l := newTestLimiter()
	var ue *UnknownKindError
	assert.ErrorAs(t, l.Check("A", "gpu", 1, t0), &ue)
	assert.ErrorAs(t, l.Decrement("A", "gpu", 1), &ue)
	assert.False(t, l.Configured("gpu"))
	assert.Equal(t, []ir.ResourceKind{ir.ResourceConcurrent, ir.ResourceMessages}, l.Kinds())
}

func TestLimiter_NonPositiveAmount(t *testing.T) {
	l := newTestLimiter()
	assert.Error(t, l.Check("A", ir.ResourceMessages, 0, t0))
	assert.Error(t, l.Check("A", ir.ResourceMessages, -1, t0))
}

func TestLimiter_ForfeitAndSnapshot(t *testing.T) {
	l := newTestLimiter()
	require.NoError(t, l.CheckAndIncrement("A", ir.ResourceMessages, 2, t0))
	require.NoError(t, l.CheckAndIncrement("A", ir.ResourceConcurrent, 1, t0))
	require.NoError(t, l.CheckAndIncrement("B", ir.ResourceMessages, 1, t0))

	snap := l.Snapshot(t0)
	assert.Equal(t, int64(2), snap["A"][ir.ResourceMessages])
	assert.Equal(t, int64(1), snap["A"][ir.ResourceConcurrent])

	l.Forfeit("A")
	snap = l.Snapshot(t0)
	assert.NotContains(t, snap, ir.EntityID("A"))
	assert.Equal(t, int64(1), snap["B"][ir.ResourceMessages])

	// Windowed usage drops out of the snapshot once expired.
	assert.Empty(t, l.Snapshot(t0.Add(2*time.Second)))
}

func TestLimitExceededError_Error(t *testing.T) {
	err := &LimitExceededError{Entity: "A", Kind: ir.ResourceMessages, Limit: 10, Attempted: 11}
	msg := err.Error()
	assert.Contains(t, msg, "messages")
	assert.Contains(t, msg, "11")
	assert.Contains(t, msg, "10")
}
