package engine

import (
	"fmt"
	"time"

	"github.com/goodtune/timeflow/internal/accuracy"
	"github.com/goodtune/timeflow/internal/config"
	"github.com/goodtune/timeflow/internal/recovery"
)

// Default cadences.
const (
	DefaultTickInterval     = time.Second
	DefaultSaveInterval     = 5 * time.Second
	DefaultAccuracyInterval = 30 * time.Second
)

// Config holds engine settings.
type Config struct {
	TickInterval     time.Duration
	SaveInterval     time.Duration
	AccuracyInterval time.Duration
	DriftTolerance   time.Duration
	RecoveryWindow   time.Duration
	RecoveryPolicy   recovery.Policy
	AutoCompensate   bool
	Strict           bool

	// SessionID identifies this engine instance in persisted state. A random
	// UUID is used when empty.
	SessionID string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TickInterval:     DefaultTickInterval,
		SaveInterval:     DefaultSaveInterval,
		AccuracyInterval: DefaultAccuracyInterval,
		DriftTolerance:   accuracy.DefaultTolerance,
		RecoveryWindow:   recovery.DefaultWindow,
		RecoveryPolicy:   recovery.PolicyPrompt,
		AutoCompensate:   true,
	}
}

// ConfigFrom builds engine settings from application configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	policy, err := recovery.ParsePolicy(cfg.Engine.RecoveryPolicy)
	if err != nil {
		return Config{}, fmt.Errorf("engine config: %w", err)
	}

	d := cfg.Durations()
	return Config{
		TickInterval:     d.Tick,
		SaveInterval:     d.Save,
		AccuracyInterval: d.Accuracy,
		DriftTolerance:   d.DriftTolerance,
		RecoveryWindow:   d.RecoveryWindow,
		RecoveryPolicy:   policy,
		AutoCompensate:   cfg.Engine.AutoCompensate,
		Strict:           cfg.Engine.StrictTransitions,
	}, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = def.SaveInterval
	}
	if c.AccuracyInterval <= 0 {
		c.AccuracyInterval = def.AccuracyInterval
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = def.DriftTolerance
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = def.RecoveryWindow
	}
	if c.RecoveryPolicy == "" {
		c.RecoveryPolicy = def.RecoveryPolicy
	}
	return c
}
