package clock

import (
	"sync"
	"time"
)

// Clock provides wall-clock and monotonic time for the timer engine.
// This interface allows time to be controlled in tests.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Monotonic returns a reading that only moves forward and is unaffected
	// by wall-clock adjustments (NTP steps, manual edits).
	Monotonic() time.Duration
}

// RealClock provides actual system time.
type RealClock struct {
	origin time.Time
}

// NewRealClock returns a RealClock whose monotonic readings start at zero.
func NewRealClock() *RealClock {
	return &RealClock{origin: time.Now()}
}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Monotonic returns the time elapsed since the clock was created, measured
// on the runtime's monotonic clock.
func (c *RealClock) Monotonic() time.Duration {
	return time.Since(c.origin)
}

// TestClock provides controllable time for testing. Wall and monotonic
// readings advance together unless Jump is used.
type TestClock struct {
	mu      sync.Mutex
	current time.Time
	mono    time.Duration
}

// NewTestClock returns a TestClock fixed at t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{current: t}
}

// Now returns the test time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Monotonic returns the test monotonic reading.
func (c *TestClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

// Advance moves both wall and monotonic time forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.mono += d
}

// Jump moves only the wall clock by d, simulating a system time change.
func (c *TestClock) Jump(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set replaces the wall-clock time without touching the monotonic reading.
func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
