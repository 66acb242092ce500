package engine

import (
	"context"
	"errors"
	"time"
)

// startLoops launches the tick, auto-save and accuracy loops. They stop
// when ctx is cancelled; Dispose waits for them.
func (e *Engine) startLoops(ctx context.Context) {
	e.wg.Add(3)
	go e.loop(ctx, "tick", e.cfg.TickInterval, func() error {
		_, err := e.Tick()
		return err
	})
	go e.loop(ctx, "save", e.cfg.SaveInterval, e.Save)
	go e.loop(ctx, "accuracy", e.cfg.AccuracyInterval, func() error {
		_, err := e.CheckAccuracy()
		return err
	})
}

func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, fn func() error) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := fn()
			if errors.Is(err, ErrDisposed) {
				return
			}
			if err != nil {
				// Save failures are already logged and published.
				e.logger.Debug().Err(err).Str("loop", name).Msg("Periodic task failed")
			}
		}
	}
}
