package recovery

import (
	"fmt"
	"time"

	"github.com/goodtune/timeflow/internal/timer"
)

// Policy says how an offered session is spliced back in.
type Policy string

const (
	// PolicyPrompt leaves the decision to the host.
	PolicyPrompt Policy = "prompt"
	// PolicyIncludeGap resumes with the original start time, so the gap
	// counts as worked time.
	PolicyIncludeGap Policy = "include_gap"
	// PolicyExcludeGap resumes from the persisted elapsed value.
	PolicyExcludeGap Policy = "exclude_gap"
	// PolicyDiscard drops the interrupted session.
	PolicyDiscard Policy = "discard"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyPrompt, PolicyIncludeGap, PolicyExcludeGap, PolicyDiscard:
		return p, nil
	}
	return "", fmt.Errorf("unknown recovery policy %q", s)
}

// Splice returns the state that results from applying policy to offer at
// time now. PolicyPrompt is not a splice and is rejected.
func Splice(offer Offer, policy Policy, now time.Time) (timer.State, error) {
	s := offer.State.Clone()

	switch policy {
	case PolicyIncludeGap:
		s.ElapsedSeconds = wholeSeconds(now.Sub(*s.StartTime))
		return s, nil

	case PolicyExcludeGap:
		start := now.Add(-time.Duration(s.ElapsedSeconds) * time.Second)
		s.StartTime = &start
		return s, nil

	case PolicyDiscard:
		return timer.State{
			Status:              timer.StatusStopped,
			TotalElapsedSeconds: s.TotalElapsedSeconds,
			Context:             s.Context,
		}, nil
	}
	return timer.State{}, fmt.Errorf("policy %q cannot be applied to a recovery offer", policy)
}

// Freeze turns a persisted running state into a paused one at its persisted
// elapsed value. Resuming it continues from that value.
func Freeze(s timer.State) timer.State {
	out := s.Clone()
	pausedAt := out.StartTime.Add(time.Duration(out.ElapsedSeconds) * time.Second)
	out.Status = timer.StatusPaused
	out.PausedAt = &pausedAt
	return out
}

// Close finishes a persisted running state at its persisted elapsed value,
// as if it had been stopped at endTime. An endTime before the session started
// is moved up to the start.
func Close(s timer.State, endTime time.Time) timer.State {
	if s.StartTime != nil && endTime.Before(*s.StartTime) {
		endTime = *s.StartTime
	}
	out := s.Clone()
	out.Status = timer.StatusStopped
	out.EndTime = &endTime
	out.PausedAt = nil
	out.TotalElapsedSeconds += out.ElapsedSeconds
	return out
}

func wholeSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
