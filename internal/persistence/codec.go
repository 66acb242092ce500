package persistence

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/goodtune/timeflow/internal/timer"
)

// ErrCorrupt is returned when a stored blob cannot be decoded into a valid
// snapshot.
var ErrCorrupt = errors.New("persistence: corrupt timer state")

// Snapshot is the persisted form of the timer: the state itself plus the
// bookkeeping needed to recover it in a later session.
type Snapshot struct {
	State          timer.State
	LastSavedAt    time.Time
	SessionID      string
	LastAccurateAt time.Time
	// MonotonicMark is the monotonic clock reading taken together with
	// LastAccurateAt. It is only comparable within one process.
	MonotonicMark time.Duration
	// Offer is a recovery offer still awaiting a decision. It is kept until
	// the offer is applied or dropped so a later restart can make it again.
	Offer *PendingOffer
}

// PendingOffer is an interrupted running session that has been offered for
// recovery but not yet resolved.
type PendingOffer struct {
	SessionID      string
	State          timer.State
	LastAccurateAt time.Time
}

type wireSnapshot struct {
	State       *wireState    `json:"state"`
	LastSavedAt *time.Time    `json:"lastSavedAt"`
	Recovery    *wireRecovery `json:"recovery"`
}

type wireState struct {
	Status              timer.Status `json:"status"`
	StartTime           *time.Time   `json:"startTime,omitempty"`
	EndTime             *time.Time   `json:"endTime,omitempty"`
	PausedAt            *time.Time   `json:"pausedAt,omitempty"`
	ElapsedSeconds      int64        `json:"elapsedSeconds"`
	TotalElapsedSeconds int64        `json:"totalElapsedSeconds"`
	ProjectID           string       `json:"projectId,omitempty"`
	TaskID              string       `json:"taskId,omitempty"`
	Description         string       `json:"description"`
}

type wireRecovery struct {
	SessionID      string     `json:"sessionId"`
	LastAccurateAt *time.Time `json:"lastAccurateAt,omitempty"`
	MonotonicMark  int64      `json:"monotonicMark"` // nanoseconds
	Offer          *wireOffer `json:"offer,omitempty"`
}

type wireOffer struct {
	SessionID      string     `json:"sessionId"`
	LastAccurateAt *time.Time `json:"lastAccurateAt"`
	State          *wireState `json:"state"`
}

// Encode serializes a snapshot. Timestamps are written as RFC 3339 in UTC.
func Encode(s Snapshot) ([]byte, error) {
	saved := s.LastSavedAt.UTC()
	w := wireSnapshot{
		State:       encodeState(s.State),
		LastSavedAt: &saved,
		Recovery: &wireRecovery{
			SessionID:     s.SessionID,
			MonotonicMark: int64(s.MonotonicMark),
		},
	}
	if o := s.Offer; o != nil {
		w.Recovery.Offer = &wireOffer{
			SessionID:      o.SessionID,
			LastAccurateAt: utc(&o.LastAccurateAt),
			State:          encodeState(o.State),
		}
	}
	if !s.LastAccurateAt.IsZero() {
		w.Recovery.LastAccurateAt = utc(&s.LastAccurateAt)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode timer state: %w", err)
	}
	return data, nil
}

// Decode parses and validates a blob written by Encode. Any failure wraps
// ErrCorrupt.
func Decode(data []byte) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if w.State == nil {
		return Snapshot{}, fmt.Errorf("%w: missing state", ErrCorrupt)
	}
	if w.LastSavedAt == nil {
		return Snapshot{}, fmt.Errorf("%w: missing lastSavedAt", ErrCorrupt)
	}
	if w.Recovery == nil || w.Recovery.SessionID == "" {
		return Snapshot{}, fmt.Errorf("%w: missing sessionId", ErrCorrupt)
	}

	s := Snapshot{
		State:         decodeState(w.State),
		LastSavedAt:   *w.LastSavedAt,
		SessionID:     w.Recovery.SessionID,
		MonotonicMark: time.Duration(w.Recovery.MonotonicMark),
	}
	if w.Recovery.LastAccurateAt != nil {
		s.LastAccurateAt = *w.Recovery.LastAccurateAt
	}

	if err := s.State.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if o := w.Recovery.Offer; o != nil {
		if o.SessionID == "" || o.LastAccurateAt == nil || o.State == nil {
			return Snapshot{}, fmt.Errorf("%w: incomplete recovery offer", ErrCorrupt)
		}
		offered := decodeState(o.State)
		if offered.Status != timer.StatusRunning {
			return Snapshot{}, fmt.Errorf("%w: recovery offer is %s, not running", ErrCorrupt, offered.Status)
		}
		if err := offered.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("%w: recovery offer: %v", ErrCorrupt, err)
		}
		s.Offer = &PendingOffer{
			SessionID:      o.SessionID,
			State:          offered,
			LastAccurateAt: *o.LastAccurateAt,
		}
	}
	return s, nil
}

func encodeState(s timer.State) *wireState {
	return &wireState{
		Status:              s.Status,
		StartTime:           utc(s.StartTime),
		EndTime:             utc(s.EndTime),
		PausedAt:            utc(s.PausedAt),
		ElapsedSeconds:      s.ElapsedSeconds,
		TotalElapsedSeconds: s.TotalElapsedSeconds,
		ProjectID:           s.Context.ProjectID,
		TaskID:              s.Context.TaskID,
		Description:         s.Context.Description,
	}
}

func decodeState(w *wireState) timer.State {
	return timer.State{
		Status:              w.Status,
		StartTime:           w.StartTime,
		EndTime:             w.EndTime,
		PausedAt:            w.PausedAt,
		ElapsedSeconds:      w.ElapsedSeconds,
		TotalElapsedSeconds: w.TotalElapsedSeconds,
		Context: timer.Context{
			ProjectID:   w.ProjectID,
			TaskID:      w.TaskID,
			Description: w.Description,
		},
	}
}

// AccurateAt returns the last verified-accurate instant, falling back to the
// save time for snapshots that never passed an accuracy check.
func (s Snapshot) AccurateAt() time.Time {
	if s.LastAccurateAt.IsZero() {
		return s.LastSavedAt
	}
	return s.LastAccurateAt
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
