package server

import (
	"time"

	"github.com/jezek/xgb/xproto"
)

// Clock is the server's millisecond timestamp source.
type Clock interface {
	Now() xproto.Timestamp
}

// MonotonicClock counts milliseconds since it was created. It never reports
// CurrentTime (0).
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock starts a clock at 1.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Now() xproto.Timestamp {
	t := xproto.Timestamp(uint32(time.Since(c.start).Milliseconds()) + 1)
	if t == 0 {
		t = 1
	}
	return t
}

// ManualClock only moves when told to. Scenarios and tests use it.
type ManualClock struct {
	now xproto.Timestamp
}

func NewManualClock(start xproto.Timestamp) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() xproto.Timestamp { return c.now }

// Advance moves the clock forward by ms, wrapping at 32 bits.
func (c *ManualClock) Advance(ms uint32) { c.now += xproto.Timestamp(ms) }

func (c *ManualClock) Set(t xproto.Timestamp) { c.now = t }
