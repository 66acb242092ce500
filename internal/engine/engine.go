// Package engine owns a timer for the lifetime of the process: it applies
// transitions, persists every change, runs the tick, auto-save and accuracy
// loops, recovers interrupted sessions at startup and notifies the host.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/timeflow/internal/accuracy"
	"github.com/goodtune/timeflow/internal/clock"
	"github.com/goodtune/timeflow/internal/events"
	"github.com/goodtune/timeflow/internal/metrics"
	"github.com/goodtune/timeflow/internal/persistence"
	"github.com/goodtune/timeflow/internal/recovery"
	"github.com/goodtune/timeflow/internal/timer"
)

var (
	// ErrNotInitialized is returned by operations called before Init.
	ErrNotInitialized = errors.New("engine: not initialized")
	// ErrDisposed is returned by operations called after Dispose.
	ErrDisposed = errors.New("engine: disposed")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("engine: already initialized")
	// ErrNoRecovery is returned by ApplyRecovery when nothing is pending.
	ErrNoRecovery = errors.New("engine: no recovery pending")
)

type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleRunning
	lifecycleDisposed
)

// Engine is safe for concurrent use. Notification handlers run after the
// engine's lock is released and may call back into the engine.
type Engine struct {
	cfg       Config
	clock     clock.Clock
	gateway   *persistence.Gateway
	machine   *timer.Machine
	monitor   *accuracy.Monitor
	bus       events.Bus
	sessionID string
	logger    zerolog.Logger

	mu           sync.Mutex
	phase        lifecycle
	lastAccurate accuracy.Mark
	lastCheck    accuracy.Mark
	lastMetrics  accuracy.Metrics
	pending      *recovery.Offer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine persisting through gateway. The engine takes over
// the gateway's result callback and closes the gateway on Dispose.
func New(gateway *persistence.Gateway, c clock.Clock, cfg Config, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	e := &Engine{
		cfg:       cfg,
		clock:     c,
		gateway:   gateway,
		machine:   timer.NewMachine(c, cfg.Strict),
		monitor:   accuracy.NewMonitor(c, cfg.DriftTolerance),
		sessionID: cfg.SessionID,
		logger:    logger.With().Str("component", "engine").Str("session_id", cfg.SessionID).Logger(),
	}
	gateway.SetResultFunc(e.onSaveResult)
	return e
}

// SessionID returns this engine's session identifier.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Subscribe registers a notification handler and returns its cancel func.
func (e *Engine) Subscribe(h events.Handler) func() {
	return e.bus.Subscribe(h)
}

// Events returns a buffered notification channel and its cancel func. A
// subscriber that falls behind loses events rather than blocking the engine.
func (e *Engine) Events(buffer int) (<-chan events.Event, func()) {
	return e.bus.Channel(buffer)
}

// Init recovers persisted state, performs the first save and starts the
// periodic loops.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	switch e.phase {
	case lifecycleRunning:
		e.mu.Unlock()
		return ErrAlreadyInitialized
	case lifecycleDisposed:
		e.mu.Unlock()
		return ErrDisposed
	}

	mark := accuracy.MarkNow(e.clock)
	e.lastAccurate = mark
	e.lastCheck = mark

	// Recovery must read before our first save overwrites the stored state.
	coordinator := recovery.NewCoordinator(e.gateway, e.clock, e.sessionID, e.cfg.RecoveryWindow, e.logger)
	evs := e.recoverLocked(coordinator.Recover(ctx))

	e.phase = lifecycleRunning
	if err := e.saveLocked(); err != nil {
		evs = append(evs, e.saveError(err))
	}
	e.updateGauges()

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.startLoops(loopCtx)
	e.mu.Unlock()

	e.logger.Info().
		Dur("tick_interval", e.cfg.TickInterval).
		Dur("save_interval", e.cfg.SaveInterval).
		Dur("accuracy_interval", e.cfg.AccuracyInterval).
		Msg("Timer engine started")

	e.publish(evs...)
	return nil
}

func (e *Engine) recoverLocked(out recovery.Outcome) []events.Event {
	metrics.RecoveriesTotal.WithLabelValues(string(out.Decision)).Inc()

	switch out.Decision {
	case recovery.DecisionAdopt, recovery.DecisionStale:
		if err := e.machine.Restore(out.State); err != nil {
			e.logger.Warn().Err(err).Msg("Discarding unusable persisted state")
		}
		return nil

	case recovery.DecisionOffer:
		if err := e.machine.Restore(out.State); err != nil {
			e.logger.Warn().Err(err).Msg("Discarding unusable recovery offer")
			return nil
		}
		e.pending = out.Offer

		ev := events.Event{
			Kind:              events.KindSessionRecovered,
			Timestamp:         out.Offer.DetectedAt,
			PreviousSessionID: out.Offer.PreviousSessionID,
			GapSeconds:        events.Seconds(out.Offer.GapSeconds()),
			Policy:            string(e.cfg.RecoveryPolicy),
		}
		evs := []events.Event{ev}

		if e.cfg.RecoveryPolicy != recovery.PolicyPrompt {
			more, err := e.applyRecoveryLocked(e.cfg.RecoveryPolicy, false)
			if err != nil {
				e.logger.Warn().Err(err).Msg("Failed to apply recovery policy")
			}
			evs = append(evs, more...)
		}
		return evs
	}
	return nil
}

// Dispose stops the loops, writes a final snapshot and closes the gateway.
// A save already in progress completes; no new one starts. Dispose is
// idempotent.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	if e.phase == lifecycleDisposed {
		e.mu.Unlock()
		return nil
	}
	wasRunning := e.phase == lifecycleRunning
	e.phase = lifecycleDisposed
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	var evs []events.Event
	if wasRunning {
		e.mu.Lock()
		e.machine.Tick()
		if err := e.saveLocked(); err != nil {
			evs = append(evs, e.saveError(err))
		}
		e.mu.Unlock()
	}
	e.publish(evs...)

	e.logger.Info().Msg("Timer engine stopped")
	return e.gateway.Close()
}

// Healthy reports whether the engine is initialized and not disposed.
func (e *Engine) Healthy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usableLocked()
}

func (e *Engine) usableLocked() error {
	switch e.phase {
	case lifecycleNew:
		return ErrNotInitialized
	case lifecycleDisposed:
		return ErrDisposed
	}
	return nil
}

// Snapshot returns a copy of the current state with elapsed time brought up
// to date.
func (e *Engine) Snapshot() timer.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == lifecycleRunning {
		e.machine.Tick()
	}
	return e.machine.State()
}

// Start begins a session, merging update over the current context.
func (e *Engine) Start(update timer.ContextUpdate) (timer.State, error) {
	return e.apply(timer.OpStart, func() (timer.Transition, error) {
		return e.machine.Start(update)
	})
}

// Stop ends the current session.
func (e *Engine) Stop() (timer.State, error) {
	return e.apply(timer.OpStop, e.machine.Stop)
}

// Pause freezes the running session.
func (e *Engine) Pause() (timer.State, error) {
	return e.apply(timer.OpPause, e.machine.Pause)
}

// Resume continues a paused session.
func (e *Engine) Resume() (timer.State, error) {
	return e.apply(timer.OpResume, e.machine.Resume)
}

// Reset clears the timer.
func (e *Engine) Reset() (timer.State, error) {
	return e.apply(timer.OpReset, func() (timer.Transition, error) {
		return e.machine.Reset(), nil
	})
}

// UpdateContext merges the supplied context fields.
func (e *Engine) UpdateContext(update timer.ContextUpdate) (timer.State, error) {
	return e.apply(timer.OpContext, func() (timer.Transition, error) {
		return e.machine.UpdateContext(update), nil
	})
}

func (e *Engine) apply(op timer.Op, fn func() (timer.Transition, error)) (timer.State, error) {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return timer.State{}, err
	}

	tr, err := fn()

	var evs []events.Event
	switch {
	case err != nil:
		metrics.TransitionsTotal.WithLabelValues(string(op), "rejected").Inc()
		evs = append(evs, events.Event{
			Kind:      events.KindInvalidTransition,
			Timestamp: tr.At,
			Op:        tr.Op,
			From:      tr.From,
		})
		e.logger.Warn().Str("op", string(op)).Str("from", string(tr.From)).Msg("Rejected invalid transition")

	case !tr.Applied:
		metrics.TransitionsTotal.WithLabelValues(string(op), "ignored").Inc()
		e.logger.Debug().Str("op", string(op)).Str("from", string(tr.From)).Msg("Ignored transition")

	default:
		metrics.TransitionsTotal.WithLabelValues(string(op), "applied").Inc()
		if e.pending != nil {
			if op == timer.OpContext {
				e.pending.State.Context = tr.State.Context
			} else {
				// The host acted on the timer directly; the offer is moot.
				e.pending = nil
			}
		}
		evs = append(evs, transitionEvents(tr)...)
		if err := e.saveLocked(); err != nil {
			evs = append(evs, e.saveError(err))
		}
		e.updateGauges()
		e.logger.Info().
			Str("op", string(op)).
			Str("from", string(tr.From)).
			Str("status", string(tr.State.Status)).
			Int64("elapsed_seconds", tr.State.ElapsedSeconds).
			Msg("Timer transition")
	}
	e.mu.Unlock()

	e.publish(evs...)
	return tr.State, err
}

func transitionEvents(tr timer.Transition) []events.Event {
	var evs []events.Event
	if tr.Finished != nil {
		ctx := tr.Finished.Context
		evs = append(evs, events.Event{
			Kind:      events.KindStopped,
			Timestamp: tr.At,
			Context:   &ctx,
			Duration:  events.Seconds(tr.Finished.ElapsedSeconds),
		})
	}

	ctx := tr.State.Context
	switch tr.Op {
	case timer.OpStart:
		evs = append(evs, events.Event{Kind: events.KindStarted, Timestamp: tr.At, Context: &ctx})
	case timer.OpPause:
		evs = append(evs, events.Event{Kind: events.KindPaused, Timestamp: tr.At})
	case timer.OpResume:
		evs = append(evs, events.Event{Kind: events.KindResumed, Timestamp: tr.At})
	case timer.OpReset:
		evs = append(evs, events.Event{Kind: events.KindReset, Timestamp: tr.At})
	case timer.OpContext:
		evs = append(evs, events.Event{Kind: events.KindContextUpdated, Timestamp: tr.At, Context: &ctx})
	}
	return evs
}

// Tick recomputes elapsed time while running and returns it.
func (e *Engine) Tick() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return 0, err
	}
	elapsed, _ := e.machine.Tick()
	metrics.ElapsedSeconds.Set(float64(elapsed))
	return elapsed, nil
}

// Save brings elapsed time up to date and persists a snapshot. Failures are
// published as save-error notifications as well as returned.
func (e *Engine) Save() error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.machine.Tick()
	err := e.saveLocked()
	e.mu.Unlock()

	if err != nil {
		e.publish(e.saveError(err))
	}
	return err
}

// saveLocked writes the current snapshot. A primary failure is returned;
// the caller publishes it after releasing the lock.
func (e *Engine) saveLocked() error {
	snap := persistence.Snapshot{
		State:          e.machine.State(),
		LastSavedAt:    e.clock.Now(),
		SessionID:      e.sessionID,
		LastAccurateAt: e.lastAccurate.Wall,
		MonotonicMark:  e.lastAccurate.Monotonic,
	}
	if p := e.pending; p != nil {
		snap.Offer = &persistence.PendingOffer{
			SessionID:      p.PreviousSessionID,
			State:          p.State.Clone(),
			LastAccurateAt: p.AccurateAt,
		}
	}

	started := time.Now()
	err := e.gateway.Save(context.Background(), snap)
	metrics.SaveDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to save timer state")
	}
	return err
}

func (e *Engine) saveError(err error) events.Event {
	return events.Event{
		Kind:      events.KindSaveError,
		Timestamp: e.clock.Now(),
		Tier:      persistence.TierPrimary,
		Error:     err.Error(),
	}
}

// onSaveResult receives every tier write result from the gateway. Primary
// failures are published by saveLocked's caller; secondary ones arrive on
// the gateway's writer goroutine and are published here.
func (e *Engine) onSaveResult(tier string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SavesTotal.WithLabelValues(tier, result).Inc()

	if err != nil && tier == persistence.TierSecondary {
		e.publish(events.Event{
			Kind:      events.KindSaveError,
			Timestamp: e.clock.Now(),
			Tier:      tier,
			Error:     err.Error(),
		})
	}
}

// Accuracy measures drift without acting on it.
func (e *Engine) Accuracy() accuracy.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitor.Check(e.machine.State())
}

// CheckAccuracy audits the accumulator against the wall clock. Drift beyond
// tolerance is published as an accuracy warning and, with auto-compensation
// enabled, corrected and saved. Wall-clock jumps since the previous check
// are published as clock-jump notifications.
func (e *Engine) CheckAccuracy() (accuracy.Metrics, error) {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return accuracy.Metrics{}, err
	}

	var evs []events.Event
	mark := accuracy.MarkNow(e.clock)

	if jump := accuracy.ClockJump(e.lastCheck, mark); jump > e.monitor.Tolerance() || -jump > e.monitor.Tolerance() {
		metrics.ClockJumps.Inc()
		evs = append(evs, events.Event{
			Kind:        events.KindClockJump,
			Timestamp:   mark.Wall,
			JumpSeconds: int64(jump / time.Second),
		})
		e.logger.Warn().Dur("jump", jump).Msg("Wall clock jumped")
	}
	e.lastCheck = mark

	state := e.machine.State()
	m := e.monitor.Check(state)
	e.lastMetrics = m
	metrics.DriftSeconds.Set(m.Drift.Seconds())

	if m.IsAccurate {
		e.lastAccurate = mark
	} else {
		metrics.AccuracyWarnings.Inc()
		evs = append(evs, events.Event{
			Kind:         events.KindAccuracyWarning,
			Timestamp:    m.CheckedAt,
			DriftSeconds: events.Seconds(m.DriftSeconds()),
		})
		e.logger.Warn().
			Dur("drift", m.Drift).
			Dur("expected", m.Expected).
			Dur("actual", m.Actual).
			Msg("Timer drift exceeds tolerance")

		if e.cfg.AutoCompensate {
			fixed := e.monitor.Compensate(state, m.Drift)
			e.machine.SetElapsed(fixed.ElapsedSeconds)
			e.lastAccurate = mark
			if err := e.saveLocked(); err != nil {
				evs = append(evs, e.saveError(err))
			}
			e.updateGauges()
		}
	}
	e.mu.Unlock()

	e.publish(evs...)
	return m, nil
}

// LastAccuracy returns the result of the most recent CheckAccuracy.
func (e *Engine) LastAccuracy() accuracy.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMetrics
}

// PendingRecovery returns the recovery offer awaiting a host decision.
func (e *Engine) PendingRecovery() (recovery.Offer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return recovery.Offer{}, false
	}
	offer := *e.pending
	offer.State = offer.State.Clone()
	return offer, true
}

// ApplyRecovery splices the pending offer back in according to policy.
func (e *Engine) ApplyRecovery(policy recovery.Policy) (timer.State, error) {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return timer.State{}, err
	}

	evs, err := e.applyRecoveryLocked(policy, true)
	state := e.machine.State()
	e.mu.Unlock()

	e.publish(evs...)
	return state, err
}

func (e *Engine) applyRecoveryLocked(policy recovery.Policy, save bool) ([]events.Event, error) {
	if e.pending == nil {
		return nil, ErrNoRecovery
	}

	now := e.clock.Now()
	state, err := recovery.Splice(*e.pending, policy, now)
	if err != nil {
		return nil, err
	}
	if err := e.machine.Restore(state); err != nil {
		return nil, err
	}
	e.pending = nil

	var evs []events.Event
	if state.Status == timer.StatusRunning {
		evs = append(evs, events.Event{Kind: events.KindResumed, Timestamp: now})
	}
	if save {
		if err := e.saveLocked(); err != nil {
			evs = append(evs, e.saveError(err))
		}
	}
	e.updateGauges()

	e.logger.Info().
		Str("policy", string(policy)).
		Str("status", string(state.Status)).
		Int64("elapsed_seconds", state.ElapsedSeconds).
		Msg("Applied session recovery")
	return evs, nil
}

func (e *Engine) updateGauges() {
	s := e.machine.State()
	running := 0.0
	if s.Status == timer.StatusRunning {
		running = 1
	}
	metrics.TimerRunning.Set(running)
	metrics.ElapsedSeconds.Set(float64(s.ElapsedSeconds))
	metrics.TotalElapsedSeconds.Set(float64(s.TotalElapsedSeconds))
}

func (e *Engine) publish(evs ...events.Event) {
	for _, ev := range evs {
		metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
		e.bus.Publish(ev)
	}
}
