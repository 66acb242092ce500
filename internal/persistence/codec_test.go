package persistence

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/timeflow/internal/timer"
)

func ptr(t time.Time) *time.Time { return &t }

func TestRoundTrip(t *testing.T) {
	zone := time.FixedZone("AEST", 10*60*60)
	start := time.Date(2026, 3, 1, 9, 0, 0, 123456789, zone)
	saved := start.Add(90 * time.Second)

	states := map[string]timer.State{
		"initial": {Status: timer.StatusStopped},
		"running": {
			Status:              timer.StatusRunning,
			StartTime:           ptr(start),
			ElapsedSeconds:      90,
			TotalElapsedSeconds: 300,
			Context:             timer.Context{ProjectID: "p1", TaskID: "t7", Description: "review"},
		},
		"paused": {
			Status:         timer.StatusPaused,
			StartTime:      ptr(start),
			PausedAt:       ptr(start.Add(time.Minute)),
			ElapsedSeconds: 60,
			Context:        timer.Context{Description: "no project"},
		},
		"stopped": {
			Status:              timer.StatusStopped,
			StartTime:           ptr(start),
			EndTime:             ptr(start.Add(2 * time.Minute)),
			ElapsedSeconds:      120,
			TotalElapsedSeconds: 120,
		},
	}

	for name, state := range states {
		t.Run(name, func(t *testing.T) {
			in := Snapshot{
				State:          state,
				LastSavedAt:    saved,
				SessionID:      "session-a",
				LastAccurateAt: saved.Add(-time.Second),
				MonotonicMark:  42*time.Second + 17,
			}

			data, err := Encode(in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			out, err := Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			if !out.State.Equal(in.State) {
				t.Errorf("state changed in round trip:\n in: %+v\nout: %+v", in.State, out.State)
			}
			if !out.LastSavedAt.Equal(in.LastSavedAt) || !out.LastAccurateAt.Equal(in.LastAccurateAt) {
				t.Errorf("timestamps changed: %v/%v vs %v/%v", out.LastSavedAt, out.LastAccurateAt, in.LastSavedAt, in.LastAccurateAt)
			}
			if out.SessionID != in.SessionID || out.MonotonicMark != in.MonotonicMark {
				t.Errorf("recovery block changed: %q %v", out.SessionID, out.MonotonicMark)
			}
		})
	}
}

func TestEncodeShape(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("X", 3600))
	data, err := Encode(Snapshot{
		State:       timer.State{Status: timer.StatusRunning, StartTime: ptr(start)},
		LastSavedAt: start,
		SessionID:   "s",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	body := string(data)
	for _, want := range []string{
		`"state":{`,
		`"status":"running"`,
		`"startTime":"2026-03-01T08:00:00Z"`,
		`"elapsedSeconds":0`,
		`"totalElapsedSeconds":0`,
		`"description":""`,
		`"lastSavedAt":"2026-03-01T08:00:00Z"`,
		`"recovery":{"sessionId":"s"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in %s", want, body)
		}
	}
	for _, absent := range []string{"endTime", "pausedAt", "projectId", "taskId", "lastAccurateAt", "offer"} {
		if strings.Contains(body, absent) {
			t.Errorf("expected %s to be omitted from %s", absent, body)
		}
	}
}

func TestDecodeCorrupt(t *testing.T) {
	valid, err := Encode(Snapshot{State: timer.State{Status: timer.StatusStopped}, LastSavedAt: time.Now(), SessionID: "s"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tests := map[string]string{
		"truncated":          string(valid[:len(valid)/2]),
		"empty object":       `{}`,
		"null state":         `{"state":null,"lastSavedAt":"2026-01-01T00:00:00Z","recovery":{"sessionId":"s"}}`,
		"missing saved at":   `{"state":{"status":"stopped"},"recovery":{"sessionId":"s"}}`,
		"missing session":    `{"state":{"status":"stopped"},"lastSavedAt":"2026-01-01T00:00:00Z","recovery":{}}`,
		"unknown status":     `{"state":{"status":"sleeping"},"lastSavedAt":"2026-01-01T00:00:00Z","recovery":{"sessionId":"s"}}`,
		"bad timestamp":      `{"state":{"status":"running","startTime":"Invalid Date"},"lastSavedAt":"2026-01-01T00:00:00Z","recovery":{"sessionId":"s"}}`,
		"paused no pausedAt": `{"state":{"status":"paused","startTime":"2026-01-01T00:00:00Z"},"lastSavedAt":"2026-01-01T00:00:00Z","recovery":{"sessionId":"s"}}`,
		"running no start":   `{"state":{"status":"running"},"lastSavedAt":"2026-01-01T00:00:00Z","recovery":{"sessionId":"s"}}`,
		"negative elapsed":   `{"state":{"status":"stopped","elapsedSeconds":-3},"lastSavedAt":"2026-01-01T00:00:00Z","recovery":{"sessionId":"s"}}`,
		"not json":           `timer`,
		"offer no state":     `{"state":{"status":"paused","startTime":"2026-01-01T00:00:00Z","pausedAt":"2026-01-01T00:01:00Z"},"lastSavedAt":"2026-01-01T00:05:00Z","recovery":{"sessionId":"b","offer":{"sessionId":"a","lastAccurateAt":"2026-01-01T00:01:00Z"}}}`,
		"offer not running":  `{"state":{"status":"stopped"},"lastSavedAt":"2026-01-01T00:05:00Z","recovery":{"sessionId":"b","offer":{"sessionId":"a","lastAccurateAt":"2026-01-01T00:01:00Z","state":{"status":"stopped"}}}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(body)); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestOfferRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	accurate := start.Add(5 * time.Minute)
	running := timer.State{
		Status:              timer.StatusRunning,
		StartTime:           ptr(start),
		ElapsedSeconds:      300,
		TotalElapsedSeconds: 60,
		Context:             timer.Context{ProjectID: "p1"},
	}
	frozen := running.Clone()
	frozen.Status = timer.StatusPaused
	frozen.PausedAt = ptr(accurate)

	in := Snapshot{
		State:       frozen,
		LastSavedAt: accurate.Add(10 * time.Minute),
		SessionID:   "session-b",
		Offer: &PendingOffer{
			SessionID:      "session-a",
			State:          running,
			LastAccurateAt: accurate,
		},
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"offer":{"sessionId":"session-a"`) {
		t.Errorf("expected offer inside the recovery block: %s", data)
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Offer == nil {
		t.Fatal("offer lost in round trip")
	}
	if out.Offer.SessionID != "session-a" || !out.Offer.LastAccurateAt.Equal(accurate) {
		t.Errorf("offer bookkeeping changed: %+v", out.Offer)
	}
	if !out.Offer.State.Equal(running) {
		t.Errorf("offered state changed:\n in: %+v\nout: %+v", running, out.Offer.State)
	}
	if !out.State.Equal(frozen) {
		t.Errorf("frozen state changed: %+v", out.State)
	}
}

func TestAccurateAtFallsBackToSavedAt(t *testing.T) {
	saved := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Snapshot{LastSavedAt: saved}
	if !s.AccurateAt().Equal(saved) {
		t.Fatalf("expected fallback to lastSavedAt, got %v", s.AccurateAt())
	}

	s.LastAccurateAt = saved.Add(-time.Minute)
	if !s.AccurateAt().Equal(s.LastAccurateAt) {
		t.Fatalf("expected lastAccurateAt, got %v", s.AccurateAt())
	}
}
