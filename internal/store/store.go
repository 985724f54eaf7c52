// Package store implements the durable entry store for the pdf cache: a
// directory of decoded artifacts plus a persisted metadata index, with
// atomic publication, TTL expiry, and size-bound LRU reclamation.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/go/pdfcache/internal/logging"
)

// Store is the durable identifier-to-entry mapping backed by a cache
// directory and a JSON-lines index. All mutations of cache membership and
// the size aggregate are serialized under a single mutex; reads of distinct
// identifiers proceed concurrently.
type Store struct {
	storage *Storage
	index   *Index
	logger  *logging.Logger

	// mu serializes membership mutations (put, remove, evict, clear) so
	// that size accounting is never read-then-written concurrently.
	mu sync.Mutex
}

// Open initializes the store at rootPath: it creates the directory layout,
// sweeps temp files left over from interrupted decodes, loads the index,
// and prunes entries whose backing file has gone missing.
func Open(ctx context.Context, fsys core.FS, rootPath string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	storage, err := NewStorage(fsys, rootPath)
	if err != nil {
		return nil, err
	}

	if err := storage.CleanupTemp(ctx); err != nil {
		return nil, fmt.Errorf("failed to sweep temp files: %w", err)
	}

	index := NewIndex(fsys, filepath.Join(rootPath, IndexFileName))
	skipped, err := index.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}
	if skipped > 0 {
		logger.Warn(ctx, "skipped unreadable index entries", "count", skipped)
	}

	s := &Store{
		storage: storage,
		index:   index,
		logger:  logger,
	}

	if pruned := s.pruneMissingFiles(ctx); pruned > 0 {
		logger.Warn(ctx, "pruned entries with missing files", "count", pruned)
		if err := index.Persist(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// pruneMissingFiles drops index entries whose artifact is gone from disk.
func (s *Store) pruneMissingFiles(ctx context.Context) int {
	pruned := 0
	for _, entry := range s.index.Entries() {
		exists, err := s.storage.Exists(ctx, entry.FilePath)
		if err != nil || exists {
			continue
		}
		if s.index.Delete(entry.Identifier) {
			pruned++
		}
	}
	return pruned
}

// Root returns the cache root path.
func (s *Store) Root() string {
	return s.storage.Root()
}

// FullPath resolves an entry's relative path to its absolute location.
func (s *Store) FullPath(entry *Entry) string {
	return s.storage.FullPath(entry.FilePath)
}

// NewTempWriter starts a streaming write of decoded output.
func (s *Store) NewTempWriter(ctx context.Context) (*TempWriter, error) {
	return s.storage.NewTempWriter(ctx)
}

// Put publishes a completed temp write under the given entry and runs the
// size-bound LRU sweep. The entry's Oversized flag is set when its size
// alone exceeds maxSize. Returns the stored entry and any entries evicted
// to make room.
func (s *Store) Put(ctx context.Context, tw *TempWriter, entry *Entry, maxSize int64) (*Entry, []*Entry, error) {
	entry = entry.Clone()
	entry.FileSizeBytes = tw.Size()
	entry.Checksum = tw.Digest().String()
	entry.Oversized = maxSize > 0 && entry.FileSizeBytes > maxSize

	if err := tw.Commit(entry.FilePath); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Put(entry)

	var evicted []*Entry
	if maxSize > 0 {
		evicted = SelectForEviction(s.index.Entries(), entry, maxSize, entry.CreatedAt)
		for _, victim := range evicted {
			if err := s.removeLocked(ctx, victim.Identifier); err != nil {
				s.logger.Warn(ctx, "failed to evict entry",
					"identifier", victim.Identifier, "error", err)
				continue
			}
			logging.LogEviction(ctx, s.logger, victim.Identifier,
				victim.FileSizeBytes, "size_limit_exceeded")
		}
	}

	if err := s.index.Persist(); err != nil {
		return nil, nil, err
	}
	return entry, evicted, nil
}

// Get returns the live entry for the identifier, refreshing its access
// metadata. Expired entries are treated as absent even before a sweep runs.
// An entry whose file has gone missing is pruned and reported absent.
func (s *Store) Get(ctx context.Context, identifier string, now time.Time) (*Entry, bool) {
	return s.lookup(ctx, identifier, now, true)
}

// Peek is Get without the access-metadata refresh, for existence checks
// that must not disturb LRU ordering.
func (s *Store) Peek(ctx context.Context, identifier string, now time.Time) (*Entry, bool) {
	return s.lookup(ctx, identifier, now, false)
}

func (s *Store) lookup(ctx context.Context, identifier string, now time.Time, touch bool) (*Entry, bool) {
	entry, ok := s.index.Get(identifier)
	if !ok {
		return nil, false
	}
	if entry.IsExpired(now) {
		return nil, false
	}

	exists, err := s.storage.Exists(ctx, entry.FilePath)
	if err != nil {
		s.logger.Warn(ctx, "failed to check entry file",
			"identifier", identifier, "error", err)
		return nil, false
	}
	if !exists {
		s.mu.Lock()
		s.index.Delete(identifier)
		s.mu.Unlock()
		s.logger.Warn(ctx, "entry file missing, pruned",
			"identifier", identifier, "path", entry.FilePath)
		return nil, false
	}

	if touch {
		s.index.Touch(identifier, now)
		entry.LastAccessedAt = now
		entry.AccessCount++
	}
	return entry, true
}

// Remove deletes an entry and its file. Returns false when the identifier
// is absent; removing an absent entry is not an error.
func (s *Store) Remove(ctx context.Context, identifier string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.Get(identifier); !ok {
		return false, nil
	}
	if err := s.removeLocked(ctx, identifier); err != nil {
		return false, err
	}
	return true, s.index.Persist()
}

// removeLocked deletes the entry file and its index record. Callers hold mu.
func (s *Store) removeLocked(ctx context.Context, identifier string) error {
	entry, ok := s.index.Get(identifier)
	if !ok {
		return nil
	}
	if err := s.storage.Remove(ctx, entry.FilePath); err != nil {
		return err
	}
	s.index.Delete(identifier)
	return nil
}

// Clear removes every entry and its file, then the persisted index.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.index.Entries() {
		if err := s.removeLocked(ctx, entry.Identifier); err != nil {
			return err
		}
	}
	return s.index.RemovePersisted()
}

// ClearExpired removes all entries strictly past expiry and returns the
// number removed. Entries that expire mid-sweep are caught by the next one.
func (s *Store) ClearExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	expired := s.index.ExpiredEntries(now)
	removed := 0
	var freed int64
	for _, entry := range expired {
		if err := s.removeLocked(ctx, entry.Identifier); err != nil {
			s.logger.Warn(ctx, "failed to remove expired entry",
				"identifier", entry.Identifier, "error", err)
			continue
		}
		removed++
		freed += entry.FileSizeBytes
	}

	if removed > 0 {
		if err := s.index.Persist(); err != nil {
			return removed, err
		}
		logging.LogCleanup(ctx, s.logger, "ttl_sweep", removed, freed, time.Since(start))
	}
	return removed, nil
}

// TotalSize returns the summed size of live entries.
func (s *Store) TotalSize(now time.Time) int64 {
	return s.index.TotalSize(now)
}

// Count returns the number of live entries.
func (s *Store) Count(now time.Time) int {
	return s.index.Count(now)
}

// Persist flushes the index, capturing access-metadata updates that are
// otherwise written back lazily.
func (s *Store) Persist() error {
	return s.index.Persist()
}
