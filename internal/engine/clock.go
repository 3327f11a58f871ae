package engine

import (
	"sync/atomic"
	"time"
)

// Clock is the logical clock that numbers audit records.
//
// Seq values are strictly increasing in commit order. Wall-clock time is
// recorded alongside but never used for ordering.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after start.
// Used when an engine continues an existing audit log.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// WallClock supplies operation timestamps.
type WallClock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
