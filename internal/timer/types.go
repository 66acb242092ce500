package timer

import (
	"errors"
	"fmt"
	"time"
)

// Status is the timer's lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// Op names a state machine operation.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpPause   Op = "pause"
	OpResume  Op = "resume"
	OpReset   Op = "reset"
	OpContext Op = "update_context"
)

// ErrInvalidTransition is returned in strict mode when an operation is not
// allowed from the current status.
var ErrInvalidTransition = errors.New("timer: invalid transition")

// TransitionError describes a rejected operation.
type TransitionError struct {
	Op   Op
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("timer: cannot %s while %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Context holds the work associations carried by the timer.
type Context struct {
	ProjectID   string `json:"projectId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Description string `json:"description"`
}

// ContextUpdate carries a partial context; nil fields are left untouched.
type ContextUpdate struct {
	ProjectID   *string `json:"projectId,omitempty"`
	TaskID      *string `json:"taskId,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Empty reports whether the update sets no field.
func (u ContextUpdate) Empty() bool {
	return u.ProjectID == nil && u.TaskID == nil && u.Description == nil
}

// Apply merges the supplied fields over c.
func (u ContextUpdate) Apply(c Context) Context {
	if u.ProjectID != nil {
		c.ProjectID = *u.ProjectID
	}
	if u.TaskID != nil {
		c.TaskID = *u.TaskID
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	return c
}

// State is the complete timer state. Values returned by the Machine are
// copies; mutating them does not affect the machine.
type State struct {
	Status              Status
	StartTime           *time.Time
	EndTime             *time.Time
	PausedAt            *time.Time
	ElapsedSeconds      int64
	TotalElapsedSeconds int64
	Context             Context
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.StartTime = cloneTime(s.StartTime)
	s.EndTime = cloneTime(s.EndTime)
	s.PausedAt = cloneTime(s.PausedAt)
	return s
}

// Equal reports whether two states are identical, comparing timestamps by
// instant rather than by representation.
func (s State) Equal(o State) bool {
	return s.Status == o.Status &&
		s.ElapsedSeconds == o.ElapsedSeconds &&
		s.TotalElapsedSeconds == o.TotalElapsedSeconds &&
		s.Context == o.Context &&
		timeEqual(s.StartTime, o.StartTime) &&
		timeEqual(s.EndTime, o.EndTime) &&
		timeEqual(s.PausedAt, o.PausedAt)
}

// Validate checks the status/timestamp invariants.
func (s State) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.ElapsedSeconds < 0 || s.TotalElapsedSeconds < 0 {
		return fmt.Errorf("negative elapsed seconds")
	}
	if (s.PausedAt != nil) != (s.Status == StatusPaused) {
		return fmt.Errorf("pausedAt must be set if and only if paused")
	}
	if s.Status != StatusStopped && s.StartTime == nil {
		return fmt.Errorf("startTime required while %s", s.Status)
	}
	return nil
}

// Elapsed returns ElapsedSeconds as a duration.
func (s State) Elapsed() time.Duration {
	return time.Duration(s.ElapsedSeconds) * time.Second
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// secondsBetween returns whole seconds from start to now, never negative.
func secondsBetween(start, now time.Time) int64 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
