package autosave

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Start runs the scheduler until Stop or ctx cancellation. Calling Start on
// a running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	go q.run(ctx, q.done)

	q.logger.Info("auto-save scheduler started",
		slog.Duration("debounce", q.cfg.Debounce),
		slog.Int("batch_size", q.cfg.BatchSize),
		slog.Int("concurrency", q.cfg.Concurrency),
	)
}

// Stop halts the scheduler and waits for the current batch to finish.
// Unsent items stay queued and mirrored.
func (q *Queue) Stop() {
	q.mu.Lock()

	if !q.running {
		q.mu.Unlock()
		return
	}

	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	<-done

	q.mu.Lock()
	q.running = false
	q.notifyLocked()
	q.mu.Unlock()
}

// Flush sends every pending item without waiting for debounce and returns
// once nothing is pending or in flight. Items that fail are retried after
// their backoff until they succeed or are dropped; drops are reported
// through OnResult. Flush returns ErrOffline while offline and items are
// held.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	q.forcing++
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.forcing--
		q.mu.Unlock()
	}()

	q.signal()

	for {
		q.mu.Lock()

		if !q.online && len(q.pending)+len(q.offline) > 0 {
			n := len(q.pending) + len(q.offline)
			q.mu.Unlock()

			return fmt.Errorf("%w (%d items)", ErrOffline, n)
		}

		if len(q.pending) == 0 && len(q.inflight) == 0 {
			q.mu.Unlock()
			return nil
		}

		changed, running := q.changed, q.running
		q.mu.Unlock()

		var timer *time.Timer

		if !running {
			sent, wait := q.dispatchInline(ctx)
			if sent {
				continue
			}

			if wait > 0 {
				timer = time.NewTimer(wait)
			}
		}

		if err := waitForChange(ctx, changed, timer); err != nil {
			return err
		}
	}
}

// waitForChange blocks until the queue changes, timer fires (when set) or
// ctx is done.
func waitForChange(ctx context.Context, changed <-chan struct{}, timer *time.Timer) error {
	var fired <-chan time.Time
	if timer != nil {
		fired = timer.C
		defer timer.Stop()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("autosave: flush interrupted: %w", ctx.Err())
	case <-changed:
	case <-fired:
	}

	return nil
}

// dispatchInline sends one batch from the caller's goroutine. It reports
// whether anything was sent and, if not, how long until an item is due.
func (q *Queue) dispatchInline(ctx context.Context) (bool, time.Duration) {
	q.inlineMu.Lock()
	defer q.inlineMu.Unlock()

	batch, wait := q.takeBatch(q.nowFunc())
	if len(batch) == 0 {
		return false, wait
	}

	q.dispatch(ctx, batch)

	return true, 0
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		batch, wait := q.takeBatch(q.nowFunc())
		if len(batch) > 0 {
			q.dispatch(ctx, batch)
			continue
		}

		if wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
		case <-timer.C:
		}

		timer.Stop()
	}
}

// debounceLocked picks the quiet period for the current queue contents.
func (q *Queue) debounceLocked() time.Duration {
	top := 0
	for _, it := range q.pending {
		top = max(top, it.Priority)
	}

	switch {
	case top >= q.cfg.HighPriority || len(q.pending) >= q.cfg.BatchSize:
		return q.cfg.FastDebounce
	case top >= PriorityElevated:
		return q.cfg.Debounce / 2
	default:
		return q.cfg.Debounce
	}
}

// takeBatch moves the next batch of due items to the in-flight set. A batch
// holds at most one item per resource and none for a resource that already
// has a write in flight. When nothing is due it returns how long until the
// earliest item will be; zero means wait for a signal.
func (q *Queue) takeBatch(now time.Time) ([]*Item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.online {
		return nil, 0
	}

	debounce := q.debounceLocked()

	busy := make(map[string]bool, len(q.inflight))
	for k := range q.inflight {
		busy[k.ResourceID] = true
	}

	var (
		due  []*Item
		next time.Time
	)

	for k, it := range q.pending {
		if busy[k.ResourceID] {
			continue
		}

		// Flushing and reconnecting skip the debounce, never the backoff.
		at := it.dueAt(debounce)
		if q.forcing > 0 || it.forced {
			at = it.NextAttemptAt
		}

		if !at.After(now) {
			due = append(due, it)
			continue
		}

		if next.IsZero() || at.Before(next) {
			next = at
		}
	}

	if len(due) == 0 {
		if next.IsZero() {
			return nil, 0
		}

		return nil, next.Sub(now)
	}

	slices.SortFunc(due, func(a, b *Item) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}

		return a.EnqueuedAt.Compare(b.EnqueuedAt)
	})

	batch := make([]*Item, 0, min(len(due), q.cfg.BatchSize))
	picked := make(map[string]bool, len(due))
	size := 0

	for _, it := range due {
		if len(batch) == q.cfg.BatchSize {
			break
		}

		if picked[it.Key.ResourceID] {
			continue
		}

		if len(batch) > 0 && size+it.SizeBytes > q.cfg.MaxBatchBytes {
			break
		}

		batch = append(batch, it)
		picked[it.Key.ResourceID] = true
		size += it.SizeBytes
	}

	for _, it := range batch {
		delete(q.pending, it.Key)
		q.inflight[it.Key] = it
	}

	q.notifyLocked()

	return batch, 0
}

// dispatch sends a batch with bounded fan-out. Sends are detached from ctx
// so stopping the scheduler never abandons a request mid-flight.
func (q *Queue) dispatch(ctx context.Context, batch []*Item) {
	sendCtx := context.WithoutCancel(ctx)

	q.logger.Debug("dispatching save batch", slog.Int("items", len(batch)))

	var g errgroup.Group
	g.SetLimit(q.cfg.Concurrency)

	for _, it := range batch {
		g.Go(func() error {
			q.send(sendCtx, it)
			return nil
		})
	}

	_ = g.Wait()
}

func (q *Queue) send(ctx context.Context, it *Item) {
	var (
		err       error
		refetched bool
	)

	if it.NeedsRefetch && q.refetch != nil {
		if rerr := q.refetch(ctx, it.Key); rerr != nil {
			err = fmt.Errorf("autosave: refetching %s: %w", it.Key, rerr)
		} else {
			refetched = true
		}
	}

	if err == nil {
		err = q.save(ctx, *it.clone())
	}

	res := q.complete(it, err, refetched)

	if syncErr := q.syncMirror(ctx, it.Key); syncErr != nil {
		q.logger.Warn("failed to update save mirror",
			slog.String("key", it.Key.String()),
			slog.String("error", syncErr.Error()),
		)
	}

	if res != nil && q.onResult != nil {
		q.onResult(*res)
	}

	q.signal()
}

// complete applies the outcome of one send and returns a Result when the
// item reached a terminal state.
func (q *Queue) complete(it *Item, err error, refetched bool) *Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.notifyLocked()

	delete(q.inflight, it.Key)

	if refetched {
		it.NeedsRefetch = false
	}

	newer := q.offline[it.Key]
	if newer == nil {
		newer = q.pending[it.Key]
	}

	attempts := it.RetryCount + 1
	key := slog.String("key", it.Key.String())

	if err == nil {
		q.logger.Debug("step saved", key, slog.Int("attempts", attempts))

		return &Result{Key: it.Key, Payload: it.Payload, Attempts: attempts}
	}

	class := classify(err)

	switch class {
	case classFatal:
		q.logger.Error("dropping step save",
			key,
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)

		return &Result{Key: it.Key, Payload: it.Payload, Attempts: attempts, Err: err}

	case classRequeue:
		if newer == nil {
			it.forced = false
			q.pending[it.Key] = it
		}

		return nil
	}

	if class == classConflict {
		it.NeedsRefetch = true
	}

	if newer != nil {
		newer.NeedsRefetch = newer.NeedsRefetch || it.NeedsRefetch

		q.logger.Debug("failed save superseded by newer payload",
			key,
			slog.String("error", err.Error()),
		)

		return nil
	}

	it.RetryCount++
	it.LastError = err.Error()

	if it.RetryCount >= q.cfg.MaxAttempts {
		q.logger.Error("dropping step save after repeated failures",
			key,
			slog.Int("attempts", it.RetryCount),
			slog.String("error", err.Error()),
		)

		return &Result{
			Key:      it.Key,
			Payload:  it.Payload,
			Attempts: it.RetryCount,
			Err:      &ExhaustedError{Key: it.Key, Attempts: it.RetryCount, Err: err},
		}
	}

	wait := q.backoff(it.RetryCount-1, retryAfter(err))
	it.NextAttemptAt = q.nowFunc().Add(wait)
	it.forced = false
	q.pending[it.Key] = it

	q.logger.Warn("step save failed, will retry",
		key,
		slog.String("class", class.String()),
		slog.Int("attempt", it.RetryCount),
		slog.Int("max_attempts", q.cfg.MaxAttempts),
		slog.Duration("backoff", wait),
		slog.String("error", err.Error()),
	)

	return nil
}

// Close stops the scheduler after flushing what it can within ctx.
func (q *Queue) Close(ctx context.Context) error {
	err := q.Flush(ctx)
	q.Stop()

	if errors.Is(err, ErrOffline) {
		return nil
	}

	return err
}
