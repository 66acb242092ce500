// Package accuracy audits the timer's elapsed accumulator against wall-clock
// arithmetic and detects wall-clock jumps.
package accuracy

import (
	"time"

	"github.com/goodtune/timeflow/internal/clock"
	"github.com/goodtune/timeflow/internal/timer"
)

// DefaultTolerance is the largest drift still considered accurate.
const DefaultTolerance = 2 * time.Second

// Metrics is the result of one accuracy check. Drift is Actual - Expected;
// positive drift means the accumulator is ahead of the wall clock.
type Metrics struct {
	Expected   time.Duration `json:"expected"`
	Actual     time.Duration `json:"actual"`
	Drift      time.Duration `json:"drift"`
	IsAccurate bool          `json:"isAccurate"`
	CheckedAt  time.Time     `json:"checkedAt"`
}

// DriftSeconds returns Drift in whole seconds.
func (m Metrics) DriftSeconds() int64 {
	return int64(m.Drift / time.Second)
}

// Monitor compares timer state with the clock.
type Monitor struct {
	clock     clock.Clock
	tolerance time.Duration
}

// NewMonitor creates a monitor. A negative tolerance is treated as zero.
func NewMonitor(c clock.Clock, tolerance time.Duration) *Monitor {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Monitor{clock: c, tolerance: tolerance}
}

// Tolerance returns the configured drift tolerance.
func (m *Monitor) Tolerance() time.Duration {
	return m.tolerance
}

// Check measures drift. Only a running timer can drift; any other status
// reports zero drift and is accurate.
func (m *Monitor) Check(s timer.State) Metrics {
	now := m.clock.Now()
	actual := s.Elapsed()

	if s.Status != timer.StatusRunning || s.StartTime == nil {
		return Metrics{Expected: actual, Actual: actual, IsAccurate: true, CheckedAt: now}
	}

	expected := now.Sub(*s.StartTime).Truncate(time.Second)
	if expected < 0 {
		expected = 0
	}
	drift := actual - expected

	return Metrics{
		Expected:   expected,
		Actual:     actual,
		Drift:      drift,
		IsAccurate: abs(drift) <= m.tolerance,
		CheckedAt:  now,
	}
}

// Compensate returns a copy of s with drift removed from the accumulator.
// Drift within tolerance leaves the state unchanged.
func (m *Monitor) Compensate(s timer.State, drift time.Duration) timer.State {
	out := s.Clone()
	if abs(drift) <= m.tolerance {
		return out
	}
	out.ElapsedSeconds -= int64(drift / time.Second)
	if out.ElapsedSeconds < 0 {
		out.ElapsedSeconds = 0
	}
	return out
}

// Mark pairs a wall-clock reading with a monotonic one.
type Mark struct {
	Wall      time.Time
	Monotonic time.Duration
}

// MarkNow takes a mark from c.
func MarkNow(c clock.Clock) Mark {
	return Mark{Wall: c.Now(), Monotonic: c.Monotonic()}
}

// ClockJump returns how far the wall clock moved beyond real elapsed time
// between two marks. Positive means the wall clock jumped forward.
func ClockJump(prev, next Mark) time.Duration {
	// Round(0) strips Go's embedded monotonic reading so Sub compares wall
	// times.
	wall := next.Wall.Round(0).Sub(prev.Wall.Round(0))
	return wall - (next.Monotonic - prev.Monotonic)
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
