// Package persistence mirrors timer snapshots to a fast primary tier and a
// durable secondary tier, and reads them back at startup.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/timeflow/internal/storage"
)

// Tier names used in results and notifications.
const (
	TierPrimary   = "primary"
	TierSecondary = "secondary"
)

// DefaultWriteTimeout bounds a single tier write when none is configured.
const DefaultWriteTimeout = 5 * time.Second

// ResultFunc is called after every tier write with the tier name and the
// write error, nil on success. Secondary results arrive on the writer
// goroutine.
type ResultFunc func(tier string, err error)

// Options configures a Gateway.
type Options struct {
	Key          string
	WriteTimeout time.Duration
	OnResult     ResultFunc
}

// Gateway is the only writer of timer state to the storage tiers.
type Gateway struct {
	primary   storage.Tier
	secondary storage.Tier
	key       string
	timeout   time.Duration
	onResult  ResultFunc
	logger    zerolog.Logger

	// Secondary writes go through a one-slot mailbox: pending holds the
	// newest blob and signal wakes the writer.
	mu      sync.Mutex
	pending []byte
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

// NewGateway creates a gateway over the given tiers. secondary may be nil.
func NewGateway(primary, secondary storage.Tier, opts Options, logger zerolog.Logger) *Gateway {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	g := &Gateway{
		primary:   primary,
		secondary: secondary,
		key:       opts.Key,
		timeout:   opts.WriteTimeout,
		onResult:  opts.OnResult,
		logger:    logger.With().Str("component", "persistence").Logger(),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if secondary != nil {
		go g.runSecondary()
	} else {
		close(g.done)
	}
	return g
}

// SetResultFunc replaces the write result callback. It must be called before
// the first Save.
func (g *Gateway) SetResultFunc(fn ResultFunc) {
	g.onResult = fn
}

// Save writes the snapshot to the primary tier and queues it for the
// secondary tier. Only a primary failure is returned; secondary failures are
// reported through the result callback.
func (g *Gateway) Save(ctx context.Context, s Snapshot) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}

	g.enqueue(data)

	writeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err = g.primary.Set(writeCtx, g.key, data)
	g.report(TierPrimary, err)
	if err != nil {
		return fmt.Errorf("save to primary tier: %w", err)
	}

	g.logger.Debug().
		Str("session_id", s.SessionID).
		Str("status", string(s.State.Status)).
		Int64("elapsed_seconds", s.State.ElapsedSeconds).
		Msg("Saved timer state")
	return nil
}

func (g *Gateway) enqueue(data []byte) {
	if g.secondary == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.pending = data
	select {
	case g.signal <- struct{}{}:
	default:
		// Writer already signalled; it will pick up the newer blob.
	}
}

func (g *Gateway) runSecondary() {
	defer close(g.done)

	for range g.signal {
		g.flushSecondary()
	}
	// Signal closed; write whatever arrived last.
	g.flushSecondary()
}

func (g *Gateway) flushSecondary() {
	g.mu.Lock()
	data := g.pending
	g.pending = nil
	g.mu.Unlock()

	if data == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	err := g.secondary.Set(ctx, g.key, data)
	g.report(TierSecondary, err)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to mirror timer state to secondary tier")
	}
}

func (g *Gateway) report(tier string, err error) {
	if g.onResult != nil {
		g.onResult(tier, err)
	}
}

// Load returns the stored snapshot and the tier that served it. The primary
// tier is tried first; a miss, read error or corrupt blob falls back to the
// secondary. storage.ErrNotFound is returned when neither tier has a usable
// snapshot.
func (g *Gateway) Load(ctx context.Context) (Snapshot, string, error) {
	if s, ok := g.loadFrom(ctx, TierPrimary, g.primary); ok {
		return s, TierPrimary, nil
	}
	if g.secondary != nil {
		if s, ok := g.loadFrom(ctx, TierSecondary, g.secondary); ok {
			return s, TierSecondary, nil
		}
	}
	return Snapshot{}, "", storage.ErrNotFound
}

func (g *Gateway) loadFrom(ctx context.Context, name string, tier storage.Tier) (Snapshot, bool) {
	data, err := tier.Get(ctx, g.key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			g.logger.Warn().Err(err).Str("tier", name).Msg("Failed to read timer state")
		}
		return Snapshot{}, false
	}

	s, err := Decode(data)
	if err != nil {
		g.logger.Warn().Err(err).Str("tier", name).Msg("Ignoring corrupt timer state")
		return Snapshot{}, false
	}
	return s, true
}

// Close flushes any pending secondary write, waits for the writer and
// closes both tiers. Callers must stop saving first. Close is idempotent.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.signal)
	g.mu.Unlock()

	<-g.done

	var errs []error
	if err := g.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close primary tier: %w", err))
	}
	if g.secondary != nil {
		if err := g.secondary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close secondary tier: %w", err))
		}
	}
	return errors.Join(errs...)
}
