package engine

import (
	"testing"
	"time"

	"github.com/goodtune/timeflow/internal/accuracy"
	"github.com/goodtune/timeflow/internal/events"
	"github.com/goodtune/timeflow/internal/recovery"
	"github.com/goodtune/timeflow/internal/timer"
)

func TestZeroConfigUsesDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.TickInterval != DefaultTickInterval || cfg.SaveInterval != DefaultSaveInterval || cfg.AccuracyInterval != DefaultAccuracyInterval {
		t.Errorf("unexpected cadences: %+v", cfg)
	}
	if cfg.DriftTolerance != accuracy.DefaultTolerance {
		t.Errorf("drift tolerance = %s, want %s", cfg.DriftTolerance, accuracy.DefaultTolerance)
	}
	if cfg.RecoveryWindow != recovery.DefaultWindow || cfg.RecoveryPolicy != recovery.PolicyPrompt {
		t.Errorf("unexpected recovery settings: %s %s", cfg.RecoveryWindow, cfg.RecoveryPolicy)
	}

	if got := (Config{DriftTolerance: -time.Second}).withDefaults().DriftTolerance; got != accuracy.DefaultTolerance {
		t.Errorf("negative tolerance became %s, want %s", got, accuracy.DefaultTolerance)
	}
	if got := (Config{DriftTolerance: 5 * time.Second}).withDefaults().DriftTolerance; got != 5*time.Second {
		t.Errorf("explicit tolerance became %s", got)
	}
}

func TestUnsetToleranceAllowsSmallDrift(t *testing.T) {
	cfg := Config{
		TickInterval:     time.Hour,
		SaveInterval:     time.Hour,
		AccuracyInterval: time.Hour,
		AutoCompensate:   true,
	}
	h := newHarness(t, memoryTier(t), nil, cfg)
	must(t)(h.engine.Start(timer.ContextUpdate{}))

	// One missed tick is within the default tolerance.
	h.clock.Advance(time.Second)
	m, err := h.engine.CheckAccuracy()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !m.IsAccurate || m.DriftSeconds() != -1 {
		t.Fatalf("expected 1s drift to be accurate, got %+v", m)
	}
	if evs := h.events.find(events.KindAccuracyWarning); len(evs) != 0 {
		t.Fatalf("unexpected accuracy warnings: %+v", evs)
	}
}
