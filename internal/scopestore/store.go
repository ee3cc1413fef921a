// Package scopestore provides the durable key-value "scoped stores" that
// replace browser storage. Every component that persists local state
// (session identity, pending writes, version tokens, cached reads) owns one
// namespace and reaches storage only through it, so any backend can be
// swapped in without touching engine logic.
//
// Backends: MemoryStore (tab scope, tests), FileStore (one JSON file per
// key, watchable), SQLiteStore (default durable backend), RedisStore
// (shared backend for several engine processes).
package scopestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("scopestore: store closed")

// Store is a flat byte-oriented key-value store. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Change describes a modification made to a watchable store, typically by
// another process sharing the same backing files.
type Change struct {
	Key     string
	Removed bool
}

// Watcher is implemented by stores that can report changes made outside
// this process.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend  string
	Path     string // file: directory; sqlite: database file
	RedisURL string
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(opts.Path, logger), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, opts.Path, logger)
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisURL, logger)
	default:
		return nil, fmt.Errorf("scopestore: unknown backend %q", opts.Backend)
	}
}

// Scoped is a namespaced view of a Store. Keys passed to its methods are
// relative to the namespace prefix.
type Scoped struct {
	store  Store
	prefix string
}

// Namespace returns a view of store whose keys live under the joined parts,
// e.g. Namespace(s, "onboard", "v1", "identity").
func Namespace(store Store, parts ...string) *Scoped {
	return &Scoped{store: store, prefix: joinPrefix("", parts)}
}

// Sub returns a nested namespace.
func (s *Scoped) Sub(parts ...string) *Scoped {
	return &Scoped{store: s.store, prefix: joinPrefix(s.prefix, parts)}
}

// Prefix returns the absolute key prefix of this namespace.
func (s *Scoped) Prefix() string {
	return s.prefix
}

// Relative strips the namespace prefix from an absolute key. ok is false
// when the key lies outside the namespace.
func (s *Scoped) Relative(absKey string) (string, bool) {
	return strings.CutPrefix(absKey, s.prefix)
}

// Get reads a raw value.
func (s *Scoped) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.store.Get(ctx, s.prefix+key)
}

// Set writes a raw value.
func (s *Scoped) Set(ctx context.Context, key string, value []byte) error {
	return s.store.Set(ctx, s.prefix+key, value)
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Scoped) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.prefix+key)
}

// Keys lists relative keys in this namespace, sorted.
func (s *Scoped) Keys(ctx context.Context) ([]string, error) {
	abs, err := s.store.Keys(ctx, s.prefix)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(abs))
	for _, k := range abs {
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}

	return out, nil
}

// GetJSON decodes the value at key into v. ok is false if the key is absent.
func (s *Scoped) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("scopestore: decoding %s%s: %w", s.prefix, key, err)
	}

	return true, nil
}

// SetJSON encodes v and stores it at key.
func (s *Scoped) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("scopestore: encoding %s%s: %w", s.prefix, key, err)
	}

	return s.Set(ctx, key, data)
}

// Clear deletes every key in the namespace.
func (s *Scoped) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}

	var errs []error

	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func joinPrefix(base string, parts []string) string {
	var b strings.Builder
	b.WriteString(base)

	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}

		b.WriteString(p)
		b.WriteByte('/')
	}

	return b.String()
}
