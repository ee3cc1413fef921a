// Package readcache caches read responses for a bounded time and coalesces
// concurrent identical reads into one upstream call. Writers invalidate the
// keys they affect so a reader never sees data older than the writer's own
// last accepted write.
package readcache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/onboard-sync/internal/scopestore"
)

// Fetch performs the upstream read for a key.
type Fetch func(ctx context.Context) ([]byte, error)

// Entry is one cached response.
type Entry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

func (e *Entry) fresh(now time.Time) bool {
	return e.TTL > 0 && now.Before(e.FetchedAt.Add(e.TTL))
}

// Stats are cumulative counters, for status output and tests.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Shared  int64 `json:"shared"`
	Entries int   `json:"entries"`
}

// Cache is safe for concurrent use.
type Cache struct {
	durable *scopestore.Scoped // optional
	logger  *slog.Logger
	nowFunc func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry
	// gens counts invalidations of a key and inflight its running fetches.
	// Both are dropped once no fetch for the key is running.
	gens     map[string]uint64
	inflight map[string]int

	// mirrorMu orders mirror writes against the deletes of invalidations.
	mirrorMu sync.Mutex

	hits, misses, shared atomic.Int64
}

// New creates a Cache. durable may be nil; when set, successful responses
// are mirrored there and Load restores the fresh ones.
func New(durable *scopestore.Scoped, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		durable: durable,
		logger:  logger,
		nowFunc: time.Now,
		entries:  make(map[string]*Entry),
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
	}
}

// Get returns the cached value for key if younger than ttl. Otherwise it
// joins an in-flight fetch for the same key or starts one. Only successful
// fetches are cached. A ttl of zero always fetches but still coalesces.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, fetch Fetch) ([]byte, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok && ttl > 0 && c.nowFunc().Before(e.FetchedAt.Add(ttl)) {
		c.mu.Unlock()
		c.hits.Add(1)

		return e.Value, nil
	}

	gen := c.gens[key]
	c.mu.Unlock()

	c.misses.Add(1)

	// The generation is part of the flight key so a read that starts after
	// an invalidation never joins a fetch that started before it.
	flightKey := key + "#" + strconv.FormatUint(gen, 10)

	ch := c.group.DoChan(flightKey, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		fctx := context.WithoutCancel(ctx)

		c.begin(key)
		defer c.end(key)

		value, err := fetch(fctx)
		if err != nil {
			return nil, err
		}

		c.store(fctx, key, gen, value, ttl)

		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}

		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.([]byte), nil
	}
}

func (c *Cache) begin(key string) {
	c.mu.Lock()
	c.inflight[key]++
	c.mu.Unlock()
}

func (c *Cache) end(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight[key]--
	if c.inflight[key] > 0 {
		return
	}

	delete(c.inflight, key)
	delete(c.gens, key)
}

// bumpLocked invalidates in-flight fetches of key. Without any, there is
// nothing to invalidate and the generation is dropped.
func (c *Cache) bumpLocked(key string) {
	if c.inflight[key] == 0 {
		delete(c.gens, key)
		return
	}

	c.gens[key]++
}

func (c *Cache) store(ctx context.Context, key string, gen uint64, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	e := &Entry{Key: key, Value: value, FetchedAt: c.nowFunc(), TTL: ttl}

	// Held across the mirror write: an Invalidate after the generation check
	// below deletes the mirrored copy only once it has landed.
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	c.mu.Lock()
	if c.gens[key] != gen {
		c.mu.Unlock()
		c.logger.Debug("discarding read invalidated while in flight", slog.String("key", key))

		return
	}

	c.entries[key] = e
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.durable.SetJSON(ctx, key, e); err != nil {
			c.logger.Warn("failed to mirror cached read",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Invalidate drops key and prevents any in-flight fetch for it from being
// cached.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.bumpLocked(key)
	c.mu.Unlock()

	c.dropDurable(ctx, key)
}

// InvalidatePrefix invalidates every key starting with prefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	var keys []string

	c.mu.Lock()

	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	for k := range c.inflight {
		if strings.HasPrefix(k, prefix) {
			if _, ok := c.entries[k]; !ok {
				keys = append(keys, k)
			}
		}
	}

	for _, k := range keys {
		delete(c.entries, k)
		c.bumpLocked(k)
	}

	c.mu.Unlock()

	if c.durable == nil {
		return
	}

	stored, err := c.durable.Keys(ctx)
	if err != nil {
		c.logger.Warn("failed to list mirrored reads", slog.String("error", err.Error()))
		return
	}

	for _, k := range stored {
		if strings.HasPrefix(k, prefix) {
			c.dropDurable(ctx, k)
		}
	}
}

func (c *Cache) dropDurable(ctx context.Context, key string) {
	if c.durable == nil {
		return
	}

	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()

	if err := c.durable.Delete(ctx, key); err != nil {
		c.logger.Warn("failed to drop mirrored read",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Load restores fresh entries from the durable mirror and deletes expired
// or unreadable ones.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.durable == nil {
		return 0, nil
	}

	keys, err := c.durable.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("readcache: listing mirror: %w", err)
	}

	now := c.nowFunc()
	loaded := 0

	for _, k := range keys {
		var e Entry

		ok, err := c.durable.GetJSON(ctx, k, &e)
		if err != nil || !ok || e.Key != k || !e.fresh(now) {
			c.dropDurable(ctx, k)
			continue
		}

		c.mu.Lock()
		if _, have := c.entries[k]; !have {
			c.entries[k] = &e
			loaded++
		}
		c.mu.Unlock()
	}

	return loaded, nil
}

// Stats returns cumulative counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Shared:  c.shared.Load(),
		Entries: n,
	}
}
