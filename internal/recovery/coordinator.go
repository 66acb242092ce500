// Package recovery decides, once per process start, what to do with timer
// state persisted by an earlier session.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/timeflow/internal/clock"
	"github.com/goodtune/timeflow/internal/persistence"
	"github.com/goodtune/timeflow/internal/timer"
)

// DefaultWindow is the largest gap after which a running session is still
// offered for recovery.
const DefaultWindow = time.Hour

// Decision is the coordinator's verdict on the persisted state.
type Decision string

const (
	// DecisionNone means nothing usable was persisted.
	DecisionNone Decision = "none"
	// DecisionSameSession means the state was written by this session.
	DecisionSameSession Decision = "same_session"
	// DecisionAdopt means a non-running state should be taken over as is.
	DecisionAdopt Decision = "adopt"
	// DecisionOffer means an interrupted running session can be resumed.
	DecisionOffer Decision = "offer"
	// DecisionStale means a running session was interrupted too long ago
	// and is closed at its persisted elapsed value.
	DecisionStale Decision = "stale"
)

// Loader reads the persisted snapshot.
type Loader interface {
	Load(ctx context.Context) (persistence.Snapshot, string, error)
}

// Offer describes an interrupted running session.
type Offer struct {
	PreviousSessionID string
	Gap               time.Duration
	// State is the running state as it was persisted.
	State timer.State
	// AccurateAt is the interrupted session's last verified-accurate
	// instant. The gap is measured from it.
	AccurateAt time.Time
	DetectedAt time.Time
}

// GapSeconds returns the gap in whole seconds.
func (o Offer) GapSeconds() int64 {
	return int64(o.Gap / time.Second)
}

// Outcome is the result of Recover. State is the state the engine should
// adopt for every decision except DecisionNone and DecisionSameSession.
type Outcome struct {
	Decision          Decision
	Tier              string
	PreviousSessionID string
	State             timer.State
	Offer             *Offer
}

// Coordinator runs recovery at most once.
type Coordinator struct {
	loader    Loader
	clock     clock.Clock
	sessionID string
	window    time.Duration
	logger    zerolog.Logger

	once    sync.Once
	outcome Outcome
}

// NewCoordinator creates a coordinator for the session sessionID.
func NewCoordinator(loader Loader, c clock.Clock, sessionID string, window time.Duration, logger zerolog.Logger) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		loader:    loader,
		clock:     c,
		sessionID: sessionID,
		window:    window,
		logger:    logger.With().Str("component", "recovery").Logger(),
	}
}

// Recover inspects the persisted state. Only the first call does any work;
// later calls return the same outcome. Read failures count as no state.
func (c *Coordinator) Recover(ctx context.Context) Outcome {
	c.once.Do(func() {
		c.outcome = c.recover(ctx)
	})
	return c.outcome
}

func (c *Coordinator) recover(ctx context.Context) Outcome {
	snap, tier, err := c.loader.Load(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("No persisted timer state to recover")
		return Outcome{Decision: DecisionNone}
	}

	out := Outcome{Tier: tier, PreviousSessionID: snap.SessionID}

	if snap.SessionID == c.sessionID {
		out.Decision = DecisionSameSession
		return out
	}

	// An offer nobody decided on outlives the session that made it.
	if o := snap.Offer; o != nil {
		out.PreviousSessionID = o.SessionID
		return c.interrupted(out, o.SessionID, o.State, o.LastAccurateAt)
	}

	if snap.State.Status != timer.StatusRunning {
		out.Decision = DecisionAdopt
		out.State = snap.State.Clone()
		c.logger.Info().
			Str("previous_session", snap.SessionID).
			Str("status", string(snap.State.Status)).
			Str("tier", tier).
			Msg("Adopted persisted timer state")
		return out
	}

	return c.interrupted(out, snap.SessionID, snap.State, snap.AccurateAt())
}

// interrupted offers or closes a running state left behind by session.
func (c *Coordinator) interrupted(out Outcome, session string, state timer.State, accurateAt time.Time) Outcome {
	now := c.clock.Now()
	gap := now.Sub(accurateAt)
	if gap < 0 {
		gap = 0
	}

	if gap >= c.window {
		out.Decision = DecisionStale
		out.State = Close(state, accurateAt)
		c.logger.Info().
			Str("previous_session", session).
			Dur("gap", gap).
			Msg("Interrupted session is stale, closing it")
		return out
	}

	out.Decision = DecisionOffer
	out.Offer = &Offer{
		PreviousSessionID: session,
		Gap:               gap,
		State:             state.Clone(),
		AccurateAt:        accurateAt,
		DetectedAt:        now,
	}
	out.State = Freeze(state)
	c.logger.Info().
		Str("previous_session", session).
		Dur("gap", gap).
		Int64("elapsed_seconds", state.ElapsedSeconds).
		Msg("Interrupted session can be recovered")
	return out
}
