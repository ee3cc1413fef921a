// Package engine wires the onboarding sync components into the single
// facade the UI layer talks to: session resolution, step edits, progress,
// auto-save, cached reads and connectivity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/netwatch"
	"github.com/tonimelisma/onboard-sync/internal/occ"
	"github.com/tonimelisma/onboard-sync/internal/progress"
	"github.com/tonimelisma/onboard-sync/internal/readcache"
	"github.com/tonimelisma/onboard-sync/internal/scopestore"
	"github.com/tonimelisma/onboard-sync/internal/session"
	"github.com/tonimelisma/onboard-sync/internal/stepcontract"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

const (
	defaultCacheTTL = 30 * time.Second
	rootNamespace   = "onboard"
)

// ErrNoSession is returned by step operations before a session is resolved.
var ErrNoSession = errors.New("engine: no active onboarding session")

// Config holds the options for New. Uses a struct because the collaborator
// list is too long for positional parameters.
type Config struct {
	Contract *stepcontract.Contract // nil uses the default villa contract
	Sender   transport.Sender
	// Store is the durable backend shared across processes. The engine
	// does not close it.
	Store scopestore.Store
	// Tab holds per-process state; nil uses a fresh memory store.
	Tab     scopestore.Store
	OwnerID string

	Autosave autosave.Config
	CacheTTL time.Duration
	// ProbeInterval enables the connectivity monitor when positive.
	ProbeInterval time.Duration

	Logger *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	contract *stepcontract.Contract
	sender   transport.Sender
	store    scopestore.Store
	ownerID  string
	cacheTTL time.Duration
	interval time.Duration
	logger   *slog.Logger

	scope    *scopestore.Scoped
	resolver *session.Resolver
	versions *occ.Controller
	cache    *readcache.Cache
	queue    *autosave.Queue
	monitor  *netwatch.Monitor

	mu       stdsync.Mutex
	trackers map[string]*progress.Tracker
	failures map[autosave.Key]saveFailure
	failSeq  uint64

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New builds an engine over the configured stores, loading persisted
// version tokens, cached reads and unsent saves.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg.Sender == nil || cfg.Store == nil {
		return nil, errors.New("engine: sender and store are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	contract := cfg.Contract
	if contract == nil {
		contract = stepcontract.DefaultContract()
	}

	tab := cfg.Tab
	if tab == nil {
		tab = scopestore.NewMemoryStore()
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	version := "v" + strconv.Itoa(contract.Version())
	scope := scopestore.Namespace(cfg.Store, rootNamespace, version)

	e := &Engine{
		contract: contract,
		sender:   cfg.Sender,
		store:    cfg.Store,
		ownerID:  cfg.OwnerID,
		cacheTTL: ttl,
		interval: cfg.ProbeInterval,
		logger:   logger,
		scope:    scope,
		trackers: make(map[string]*progress.Tracker),
		failures: make(map[autosave.Key]saveFailure),
	}

	tabScope := scopestore.Namespace(tab, rootNamespace, version, "tab")

	e.resolver = session.NewResolver(tabScope, scope.Sub("identity"), logger)
	e.versions = occ.NewController(tabScope.Sub("versions"), logger)
	e.cache = readcache.New(scope.Sub("reads"), logger)
	e.queue = autosave.New(autosave.Options{
		Config:   cfg.Autosave,
		Save:     e.saveStep,
		Refetch:  e.refetchVersion,
		OnResult: e.onSaveResult,
		Mirror:   scope.Sub("queue"),
		Logger:   logger,
	})

	if err := e.versions.Load(ctx); err != nil {
		return nil, fmt.Errorf("engine: loading versions: %w", err)
	}

	if _, err := e.cache.Load(ctx); err != nil {
		return nil, fmt.Errorf("engine: loading read cache: %w", err)
	}

	n, err := e.queue.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: restoring queue: %w", err)
	}

	e.hydrateFromQueue()

	logger.Info("onboarding engine ready",
		slog.String("namespace", scope.Prefix()),
		slog.Int("restored_saves", n),
	)

	return e, nil
}

// Start runs the auto-save scheduler and, when configured, the connectivity
// monitor and the cross-process store watch.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.interval > 0 {
		e.monitor = netwatch.New(e.sender, e.interval, func(online bool) {
			e.queue.SetOnline(ctx, online)
		}, e.logger)
	}
	e.mu.Unlock()

	e.queue.Start(ctx)

	if e.monitor != nil {
		e.wg.Add(1)

		go func() {
			defer e.wg.Done()

			_ = e.monitor.Run(ctx)
		}()
	}

	if w, ok := e.store.(scopestore.Watcher); ok {
		changes, err := w.Watch(ctx)
		if err != nil {
			e.logger.Warn("store watch unavailable", slog.String("error", err.Error()))
			return
		}

		e.wg.Add(1)

		go func() {
			defer e.wg.Done()

			e.consumeChanges(ctx, changes)
		}()
	}
}

// Close flushes pending saves within ctx and stops background work. Items
// that could not be sent stay mirrored for the next start.
func (e *Engine) Close(ctx context.Context) error {
	err := e.queue.Close(ctx)

	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.wg.Wait()

	if err != nil {
		return fmt.Errorf("engine: closing: %w", err)
	}

	return nil
}

// Contract returns the step contract in use.
func (e *Engine) Contract() *stepcontract.Contract {
	return e.contract
}

// SetOnline overrides connectivity, e.g. from an OS network notification.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.queue.SetOnline(ctx, online)
}

// GetQueueStatus reports unsent work.
func (e *Engine) GetQueueStatus() autosave.Status {
	return e.queue.Status()
}

// PendingSaves lists unsent items.
func (e *Engine) PendingSaves() []autosave.Item {
	return e.queue.Items()
}

// CacheStats reports read-cache counters.
func (e *Engine) CacheStats() readcache.Stats {
	return e.cache.Stats()
}

// tracker returns the progress tracker for a resource, creating it.
func (e *Engine) tracker(resourceID string) *progress.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.trackers[resourceID]
	if !ok {
		t = progress.NewTracker(e.contract, e.logger.With(slog.String("resource_id", resourceID)))
		e.trackers[resourceID] = t
	}

	return t
}

// hydrateFromQueue replays unsent saves into progress so a restarted
// process resumes where the previous one stopped.
func (e *Engine) hydrateFromQueue() {
	for _, it := range e.queue.Items() {
		// Mirrored lists decode as []any; canonicalizing restores their types.
		fields, err := e.contract.Canonicalize(it.Key.Step, it.Payload.Fields)
		if err == nil {
			err = e.tracker(it.Key.ResourceID).Hydrate(it.Key.Step, fields, it.Payload.Completed)
		}

		if err != nil {
			e.logger.Warn("cannot replay unsent save into progress",
				slog.String("key", it.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// connectivityLost pauses dispatch until the monitor sees the server again.
// Without a monitor nothing would resume the queue, so saves keep retrying.
func (e *Engine) connectivityLost(ctx context.Context) {
	e.mu.Lock()
	monitor := e.monitor
	e.mu.Unlock()

	if monitor == nil {
		return
	}

	e.queue.SetOnline(ctx, false)
	monitor.MarkOffline()
}
