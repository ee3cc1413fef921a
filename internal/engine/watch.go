package engine

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
)

// consumeChanges applies writes made by other processes sharing the store:
// removed cached reads are dropped from memory. Version tokens are never
// taken from other processes.
func (e *Engine) consumeChanges(ctx context.Context, changes <-chan scopestore.Change) {
	reads := e.scope.Sub("reads")

	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}

			e.applyChange(ctx, reads, ch)
		}
	}
}

func (e *Engine) applyChange(ctx context.Context, reads *scopestore.Scoped, ch scopestore.Change) {
	if key, ok := reads.Relative(ch.Key); ok {
		if ch.Removed {
			e.cache.Invalidate(ctx, key)
		}

		return
	}

	e.logger.Debug("shared store changed", slog.String("key", ch.Key), slog.Bool("removed", ch.Removed))
}
