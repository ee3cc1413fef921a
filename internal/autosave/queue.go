// Package autosave implements the step auto-save queue: per-key coalescing,
// adaptive debounce, priority batching, bounded concurrent dispatch, retry
// with exponential backoff, an offline holding queue and a durable mirror
// of every unsent item.
//
// A single scheduler goroutine decides when items are due. Items for the
// same key are never in flight twice; a newer payload enqueued while the
// previous one is being sent waits in the pending set and replaces any
// failed predecessor.
package autosave

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
	"github.com/tonimelisma/onboard-sync/internal/stepcontract"
)

// Sentinel errors.
var (
	ErrOffline    = errors.New("autosave: offline, items held until connectivity returns")
	ErrInvalidKey = errors.New("autosave: invalid key")
)

// Key identifies one logical write target.
type Key struct {
	ResourceID string `json:"resource_id"`
	Step       int    `json:"step"`
}

func (k Key) String() string {
	return k.ResourceID + "/" + strconv.Itoa(k.Step)
}

// Item is one queued save. Payload is owned by the queue and never mutated.
type Item struct {
	Key           Key                      `json:"key"`
	Payload       stepcontract.StepPayload `json:"payload"`
	Priority      int                      `json:"priority"`
	EnqueuedAt    time.Time                `json:"enqueued_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
	RetryCount    int                      `json:"retry_count"`
	SizeBytes     int                      `json:"size_bytes"`
	NextAttemptAt time.Time                `json:"next_attempt_at,omitzero"`
	NeedsRefetch  bool                     `json:"needs_refetch,omitempty"`
	Offline       bool                     `json:"offline,omitempty"`
	LastError     string                   `json:"last_error,omitempty"`

	forced bool
}

func (it *Item) dueAt(debounce time.Duration) time.Time {
	at := it.UpdatedAt.Add(debounce)
	if it.NextAttemptAt.After(at) {
		return it.NextAttemptAt
	}

	return at
}

func (it *Item) clone() *Item {
	out := *it
	out.Payload.Fields = it.Payload.Fields.Clone()

	return &out
}

// SaveFunc sends one item. The error is classified to decide between
// success, retry, refetch-then-retry and drop.
type SaveFunc func(ctx context.Context, item Item) error

// RefetchFunc refreshes the version token for key after a conflict.
type RefetchFunc func(ctx context.Context, key Key) error

// Result is the terminal outcome of one item: success, or a drop with Err.
type Result struct {
	Key      Key
	Payload  stepcontract.StepPayload
	Attempts int
	Err      error
}

// Status is a point-in-time view of the queue.
type Status struct {
	Pending   int  `json:"pending"`
	Offline   int  `json:"offline"`
	InFlight  int  `json:"in_flight"`
	IsSyncing bool `json:"is_syncing"`
	Online    bool `json:"online"`
}

// Unsynced is the number of items not yet accepted by the server.
func (s Status) Unsynced() int {
	return s.Pending + s.Offline + s.InFlight
}

// Options configures a Queue. Save is required.
type Options struct {
	Config   Config
	Save     SaveFunc
	Refetch  RefetchFunc
	OnResult func(Result)
	// Mirror, when set, holds a durable copy of every unsent item.
	Mirror *scopestore.Scoped
	Logger *slog.Logger
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg        Config
	save       SaveFunc
	refetch    RefetchFunc
	onResult   func(Result)
	mirror     *scopestore.Scoped
	logger     *slog.Logger
	nowFunc    func() time.Time
	jitterFunc func() float64

	// mirrorMu orders mirror writes so the stored copy is always the latest.
	mirrorMu sync.Mutex
	// inlineMu serializes Flush-driven dispatch when no scheduler runs.
	inlineMu sync.Mutex

	mu       sync.Mutex
	pending  map[Key]*Item
	offline  map[Key]*Item
	inflight map[Key]*Item
	online   bool
	forcing  int
	changed  chan struct{}
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	wake chan struct{}
}

// New creates a stopped queue. Call Start to run the scheduler.
func New(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		cfg:        opts.Config.withDefaults(),
		save:       opts.Save,
		refetch:    opts.Refetch,
		onResult:   opts.OnResult,
		mirror:     opts.Mirror,
		logger:     logger,
		nowFunc:    time.Now,
		jitterFunc: randomJitter,
		pending:    make(map[Key]*Item),
		offline:    make(map[Key]*Item),
		inflight:   make(map[Key]*Item),
		online:     true,
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue queues payload for key, replacing any unsent payload for the same
// key. The replacement keeps the original age and the higher priority and
// starts with a fresh retry count. The returned error only concerns the
// durable mirror; the item is queued in memory regardless.
func (q *Queue) Enqueue(ctx context.Context, key Key, payload stepcontract.StepPayload, priority int) error {
	if key.ResourceID == "" || key.Step <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.String())
	}

	if payload.Step != key.Step {
		return fmt.Errorf("%w: payload for step %d queued under %s", ErrInvalidKey, payload.Step, key)
	}

	payload.Fields = payload.Fields.Clone()
	now := q.nowFunc()

	item := &Item{
		Key:        key,
		Payload:    payload,
		Priority:   clampPriority(priority),
		EnqueuedAt: now,
		UpdatedAt:  now,
		SizeBytes:  payload.SizeBytes(),
	}

	q.mu.Lock()

	prev := q.offline[key]
	if prev == nil {
		prev = q.pending[key]
	}

	if prev != nil {
		item.EnqueuedAt = prev.EnqueuedAt
		item.Priority = max(prev.Priority, item.Priority)
		item.NeedsRefetch = prev.NeedsRefetch
	}

	if q.online {
		q.pending[key] = item
	} else {
		item.Offline = true
		delete(q.pending, key)
		q.offline[key] = item
	}

	q.notifyLocked()
	q.mu.Unlock()

	q.logger.Debug("queued step save",
		slog.String("key", key.String()),
		slog.Int("priority", item.Priority),
		slog.Int("size_bytes", item.SizeBytes),
		slog.Bool("coalesced", prev != nil),
		slog.Bool("offline", item.Offline),
	)

	q.signal()

	return q.syncMirror(ctx, key)
}

// SetOnline switches connectivity state. Going offline pauses dispatch and
// routes new enqueues to the offline queue. Coming back merges the offline
// queue into the pending set and sends everything without waiting for
// debounce.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()

	if q.online == online {
		q.mu.Unlock()
		return
	}

	q.online = online

	var merged []Key

	if online {
		for k, it := range q.offline {
			it.Offline = false
			q.pending[k] = it
			merged = append(merged, k)
		}

		clear(q.offline)

		for _, it := range q.pending {
			it.forced = true
		}
	}

	q.notifyLocked()
	q.mu.Unlock()

	if online {
		q.logger.Info("connectivity restored, flushing queued saves", slog.Int("merged", len(merged)))
	} else {
		q.logger.Info("connectivity lost, holding saves")
	}

	for _, k := range merged {
		if err := q.syncMirror(ctx, k); err != nil {
			q.logger.Warn("failed to update save mirror", slog.String("key", k.String()), slog.String("error", err.Error()))
		}
	}

	q.signal()
}

// Online reports the current connectivity state.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.online
}

// Status returns counts for the pending, offline and in-flight sets.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Status{
		Pending:   len(q.pending),
		Offline:   len(q.offline),
		InFlight:  len(q.inflight),
		IsSyncing: len(q.inflight) > 0,
		Online:    q.online,
	}
}

// Items returns copies of every unsent item ordered by key.
func (q *Queue) Items() []Item {
	q.mu.Lock()

	out := make([]Item, 0, len(q.pending)+len(q.offline)+len(q.inflight))
	for _, set := range []map[Key]*Item{q.inflight, q.pending, q.offline} {
		for _, it := range set {
			out = append(out, *it.clone())
		}
	}

	q.mu.Unlock()

	slices.SortFunc(out, func(a, b Item) int {
		if c := cmp.Compare(a.Key.ResourceID, b.Key.ResourceID); c != 0 {
			return c
		}

		return cmp.Compare(a.Key.Step, b.Key.Step)
	})

	return out
}

// Restore reloads mirrored items after a restart. Items already queued in
// memory win over their mirrored copies. Unreadable records are deleted.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.mirror == nil {
		return 0, nil
	}

	keys, err := q.mirror.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("autosave: listing mirror: %w", err)
	}

	restored := 0

	for _, stored := range keys {
		var it Item

		ok, err := q.mirror.GetJSON(ctx, stored, &it)
		if err != nil || !ok || it.Key.ResourceID == "" || it.Payload.Step != it.Key.Step {
			q.logger.Warn("discarding unreadable save mirror record", slog.String("key", stored))
			q.deleteMirror(ctx, stored)

			continue
		}

		q.mu.Lock()

		if q.lookupLocked(it.Key) != nil {
			q.mu.Unlock()
			continue
		}

		if q.online {
			it.Offline = false
			q.pending[it.Key] = &it
		} else {
			it.Offline = true
			q.offline[it.Key] = &it
		}

		q.notifyLocked()
		q.mu.Unlock()

		restored++

		if stored != it.Key.String() {
			q.deleteMirror(ctx, stored)
		}

		if err := q.syncMirror(ctx, it.Key); err != nil {
			q.logger.Warn("failed to update save mirror", slog.String("key", it.Key.String()), slog.String("error", err.Error()))
		}
	}

	if restored > 0 {
		q.logger.Info("restored unsent saves", slog.Int("count", restored))
		q.signal()
	}

	return restored, nil
}

// lookupLocked returns the newest unsent item for key.
func (q *Queue) lookupLocked(key Key) *Item {
	if it := q.offline[key]; it != nil {
		return it
	}

	if it := q.pending[key]; it != nil {
		return it
	}

	return q.inflight[key]
}

// syncMirror writes the newest unsent state for key, or removes the record
// when nothing is left.
func (q *Queue) syncMirror(ctx context.Context, key Key) error {
	if q.mirror == nil {
		return nil
	}

	q.mirrorMu.Lock()
	defer q.mirrorMu.Unlock()

	q.mu.Lock()

	var snapshot *Item
	if it := q.lookupLocked(key); it != nil {
		snapshot = it.clone()
	}

	q.mu.Unlock()

	if snapshot == nil {
		if err := q.mirror.Delete(ctx, key.String()); err != nil {
			return fmt.Errorf("autosave: removing mirrored %s: %w", key, err)
		}

		return nil
	}

	if err := q.mirror.SetJSON(ctx, key.String(), snapshot); err != nil {
		return fmt.Errorf("autosave: mirroring %s: %w", key, err)
	}

	return nil
}

func (q *Queue) deleteMirror(ctx context.Context, stored string) {
	if err := q.mirror.Delete(ctx, stored); err != nil {
		q.logger.Warn("failed to delete save mirror record",
			slog.String("key", stored),
			slog.String("error", err.Error()),
		)
	}
}

// notifyLocked wakes every Flush waiting for a state change.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// signal wakes the scheduler without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
