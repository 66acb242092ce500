package timer

import (
	"fmt"
	"time"

	"github.com/goodtune/timeflow/internal/clock"
)

// Transition reports the outcome of one operation.
type Transition struct {
	Op      Op
	From    Status
	Applied bool
	At      time.Time
	// Finished is set when the operation closed a running or paused session
	// (stop, or start while running). It holds that session's final values.
	Finished *Finished
	// State is a copy of the state after the operation.
	State State
}

// Finished describes a session that was closed by a transition.
type Finished struct {
	ElapsedSeconds int64
	Context        Context
}

// Machine is the timer state machine. It is not safe for concurrent use;
// the engine serializes access.
type Machine struct {
	clock  clock.Clock
	state  State
	strict bool
}

// NewMachine creates a stopped machine. In strict mode invalid transitions
// return a *TransitionError instead of being ignored.
func NewMachine(c clock.Clock, strict bool) *Machine {
	return &Machine{
		clock:  c,
		state:  State{Status: StatusStopped},
		strict: strict,
	}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	return m.state.Clone()
}

// Start begins a new session. From running it closes the current session
// first; from paused it is an invalid transition.
func (m *Machine) Start(update ContextUpdate) (Transition, error) {
	now := m.clock.Now()
	from := m.state.Status

	var finished *Finished
	switch from {
	case StatusStopped:
	case StatusRunning:
		finished = m.finish(now)
	default:
		return m.reject(OpStart, now)
	}

	m.state.Status = StatusRunning
	m.state.StartTime = &now
	m.state.EndTime = nil
	m.state.PausedAt = nil
	m.state.ElapsedSeconds = 0
	m.state.Context = update.Apply(m.state.Context)

	return m.applied(OpStart, from, now, finished), nil
}

// Stop ends the current session and adds its elapsed time to the total.
func (m *Machine) Stop() (Transition, error) {
	now := m.clock.Now()
	from := m.state.Status
	if from != StatusRunning && from != StatusPaused {
		return m.reject(OpStop, now)
	}

	finished := m.finish(now)
	m.state.Status = StatusStopped
	m.state.EndTime = &now
	m.state.PausedAt = nil

	return m.applied(OpStop, from, now, finished), nil
}

// Pause freezes elapsed time.
func (m *Machine) Pause() (Transition, error) {
	now := m.clock.Now()
	from := m.state.Status
	if from != StatusRunning {
		return m.reject(OpPause, now)
	}

	m.state.ElapsedSeconds = secondsBetween(*m.state.StartTime, now)
	m.state.PausedAt = &now
	m.state.Status = StatusPaused

	return m.applied(OpPause, from, now, nil), nil
}

// Resume continues a paused session. The start time moves forward by the
// paused duration so now-startTime stays equal to worked time.
func (m *Machine) Resume() (Transition, error) {
	now := m.clock.Now()
	from := m.state.Status
	if from != StatusPaused {
		return m.reject(OpResume, now)
	}

	paused := now.Sub(*m.state.PausedAt)
	if paused < 0 {
		paused = 0
	}
	start := m.state.StartTime.Add(paused)
	m.state.StartTime = &start
	m.state.PausedAt = nil
	m.state.Status = StatusRunning

	return m.applied(OpResume, from, now, nil), nil
}

// Reset clears everything back to the initial stopped state.
func (m *Machine) Reset() Transition {
	now := m.clock.Now()
	from := m.state.Status
	m.state = State{Status: StatusStopped}
	return m.applied(OpReset, from, now, nil)
}

// UpdateContext merges the supplied fields without changing status.
func (m *Machine) UpdateContext(update ContextUpdate) Transition {
	now := m.clock.Now()
	m.state.Context = update.Apply(m.state.Context)
	return m.applied(OpContext, m.state.Status, now, nil)
}

// Tick recomputes elapsed time from the start time while running. It
// returns the elapsed seconds and whether the machine is running.
func (m *Machine) Tick() (int64, bool) {
	if m.state.Status != StatusRunning {
		return m.state.ElapsedSeconds, false
	}
	m.state.ElapsedSeconds = secondsBetween(*m.state.StartTime, m.clock.Now())
	return m.state.ElapsedSeconds, true
}

// SetElapsed overwrites the elapsed accumulator. Used when a corrected value
// from the accuracy monitor is applied.
func (m *Machine) SetElapsed(seconds int64) {
	if seconds < 0 {
		seconds = 0
	}
	m.state.ElapsedSeconds = seconds
}

// Restore adopts s wholesale after validating it.
func (m *Machine) Restore(s State) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("restore timer state: %w", err)
	}
	m.state = s.Clone()
	return nil
}

func (m *Machine) finish(now time.Time) *Finished {
	if m.state.Status == StatusRunning {
		m.state.ElapsedSeconds = secondsBetween(*m.state.StartTime, now)
	}
	m.state.TotalElapsedSeconds += m.state.ElapsedSeconds
	return &Finished{
		ElapsedSeconds: m.state.ElapsedSeconds,
		Context:        m.state.Context,
	}
}

func (m *Machine) applied(op Op, from Status, at time.Time, finished *Finished) Transition {
	return Transition{
		Op:       op,
		From:     from,
		Applied:  true,
		At:       at,
		Finished: finished,
		State:    m.state.Clone(),
	}
}

func (m *Machine) reject(op Op, at time.Time) (Transition, error) {
	t := Transition{
		Op:    op,
		From:  m.state.Status,
		At:    at,
		State: m.state.Clone(),
	}
	if m.strict {
		return t, &TransitionError{Op: op, From: m.state.Status}
	}
	return t, nil
}
