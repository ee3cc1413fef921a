package scopestore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrCorruptRecord is returned when a record file cannot be parsed as JSON.
// The corrupt file is deleted automatically.
var ErrCorruptRecord = errors.New("scopestore: corrupt record file")

// Record files can hold bearer-adjacent identity data, so they are owner-only.
const (
	recordFilePerms = 0o600
	recordDirPerms  = 0o700
	recordExt       = ".json"
)

// Watch error backoff, mirroring the local observer loop.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FileRecord is the on-disk JSON format of one key.
type FileRecord struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore persists each key as its own JSON file named by the sha256 of
// the key. Writes go through a temp file and rename so readers never see a
// partial record. Several processes may share one directory; Watch reports
// what the others change.
type FileStore struct {
	dir     string
	logger  *slog.Logger
	nowFunc func() time.Time

	mu    sync.Mutex
	names map[string]string // file name -> key, for reporting removals
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// lazily on first write.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{
		dir:     dir,
		logger:  logger,
		nowFunc: time.Now,
		names:   make(map[string]string),
	}
}

// Dir returns the directory holding the record files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	rec, err := s.readRecord(recordName(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}

		return nil, false, err
	}

	return rec.Value, true, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	if err := os.MkdirAll(s.dir, recordDirPerms); err != nil {
		return fmt.Errorf("scopestore: creating store dir: %w", err)
	}

	data, err := json.Marshal(FileRecord{Key: key, Value: value, UpdatedAt: s.nowFunc().UTC()})
	if err != nil {
		return fmt.Errorf("scopestore: marshaling record: %w", err)
	}

	name := recordName(key)
	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, recordFilePerms); err != nil {
		return fmt.Errorf("scopestore: writing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // best-effort cleanup
		return fmt.Errorf("scopestore: renaming temp file: %w", err)
	}

	s.remember(name, key)

	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	path := filepath.Join(s.dir, recordName(key))

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scopestore: deleting record file: %w", err)
	}

	return nil
}

func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("scopestore: reading store dir: %w", err)
	}

	var keys []string

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}

		rec, err := s.readRecord(e.Name())
		if err != nil {
			// Corrupt or concurrently removed; already logged.
			continue
		}

		if strings.HasPrefix(rec.Key, prefix) {
			keys = append(keys, rec.Key)
		}
	}

	slices.Sort(keys)

	return keys, nil
}

// Close is a no-op; FileStore holds no open handles between calls.
func (s *FileStore) Close() error {
	return nil
}

// Watch reports changes to record files, including those made by other
// processes sharing the directory. The channel closes when ctx is done.
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	if err := os.MkdirAll(s.dir, recordDirPerms); err != nil {
		return nil, fmt.Errorf("scopestore: creating store dir: %w", err)
	}

	// Prime the name index so removals of pre-existing keys can be reported.
	if _, err := s.Keys(ctx, ""); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("scopestore: creating watcher: %w", err)
	}

	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("scopestore: watching %s: %w", s.dir, err)
	}

	out := make(chan Change, 64)

	go func() {
		defer close(out)
		defer watcher.Close()

		s.watchLoop(ctx, watcher, out)
	}()

	return out, nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- Change) {
	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}

			if change, ok := s.translate(ev); ok {
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}

			s.logger.Warn("store watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			t := time.NewTimer(errBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)
		}
	}
}

func (s *FileStore) translate(ev fsnotify.Event) (Change, bool) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, recordExt) {
		return Change{}, false
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		s.mu.Lock()
		key, ok := s.names[name]
		delete(s.names, name)
		s.mu.Unlock()

		return Change{Key: key, Removed: true}, ok

	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		rec, err := s.readRecord(name)
		if err != nil {
			return Change{}, false
		}

		return Change{Key: rec.Key}, true

	default:
		return Change{}, false
	}
}

func (s *FileStore) readRecord(name string) (*FileRecord, error) {
	path := filepath.Join(s.dir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}

		return nil, fmt.Errorf("scopestore: reading record file: %w", err)
	}

	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Key == "" {
		if err == nil {
			err = errors.New("missing key")
		}

		s.logger.Warn("corrupt record file, deleting",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove corrupt record file",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	s.remember(name, rec.Key)

	return &rec, nil
}

func (s *FileStore) remember(name, key string) {
	s.mu.Lock()
	s.names[name] = key
	s.mu.Unlock()
}

// recordName produces a deterministic file name for a key.
func recordName(key string) string {
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x%s", h, recordExt)
}
