package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/occ"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

// saveFailure is the last terminal failure for a key.
type saveFailure struct {
	err error
	seq uint64
}

// saveStep is the queue's SaveFunc: stamp, send, check the version, then
// invalidate reads the write affected.
func (e *Engine) saveStep(ctx context.Context, item autosave.Item) error {
	id, step := item.Key.ResourceID, item.Key.Step

	req, err := transport.NewRequest(http.MethodPut, transport.StepPath(id, step), item.Payload)
	if err != nil {
		return err
	}

	stamped := e.versions.Stamp(id, req)
	resp, sendErr := e.sender.Send(ctx, stamped)

	err = e.versions.OnResponse(ctx, id, stamped, resp, sendErr)

	switch {
	case err == nil, errors.Is(err, occ.ErrConflict):
		e.cache.Invalidate(ctx, readKey(transport.StepPath(id, step)))
		e.cache.Invalidate(ctx, readKey(transport.ProgressPath(id)))
	case errors.Is(err, transport.ErrNetworkUnreachable):
		e.connectivityLost(ctx)
	}

	return err
}

// refetchVersion is the queue's conflict hook. It reads the step bypassing
// the cache and records the server's version so the retry is stamped with
// it. Local values are not touched; the queued payload still wins.
func (e *Engine) refetchVersion(ctx context.Context, key autosave.Key) error {
	doc, err := e.fetchStep(ctx, key.ResourceID, key.Step, 0)
	if err != nil {
		return err
	}

	if doc.Version > 0 {
		e.versions.Observe(ctx, key.ResourceID, doc.Version)
	}

	e.logger.Info("refetched version after conflict",
		slog.String("key", key.String()),
		slog.Int64("version", doc.Version),
	)

	return nil
}

// onSaveResult feeds terminal queue outcomes into progress.
func (e *Engine) onSaveResult(res autosave.Result) {
	t := e.tracker(res.Key.ResourceID)

	if res.Err == nil {
		e.mu.Lock()
		delete(e.failures, res.Key)
		e.mu.Unlock()

		if err := t.MarkSaved(res.Key.Step); err != nil {
			e.logger.Warn("cannot record save", slog.String("key", res.Key.String()), slog.String("error", err.Error()))
		}

		return
	}

	e.mu.Lock()
	e.failSeq++
	e.failures[res.Key] = saveFailure{err: res.Err, seq: e.failSeq}
	e.mu.Unlock()

	if err := t.MarkSaveFailed(res.Key.Step, res.Err); err != nil {
		e.logger.Warn("cannot record save failure", slog.String("key", res.Key.String()), slog.String("error", err.Error()))
	}
}

// SaveFailures returns the last unresolved failure per key.
func (e *Engine) SaveFailures() map[autosave.Key]error {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[autosave.Key]error, len(e.failures))
	for k, f := range e.failures {
		out[k] = f.err
	}

	return out
}
