package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/go/pdfcache/internal/validate"
)

// IndexFileName is the name of the metadata index file under the cache root.
const IndexFileName = "index.jsonl"

// Index is the in-memory entry map with JSON-lines persistence. Every line
// of the index file is one serialized Entry; unreadable lines are skipped on
// load so a corrupt index never prevents the cache from starting.
type Index struct {
	mu      sync.RWMutex
	fs      core.FS
	path    string
	entries map[string]*Entry
}

// NewIndex creates an index persisted at the given path.
func NewIndex(fsys core.FS, path string) *Index {
	return &Index{
		fs:      fsys,
		path:    path,
		entries: make(map[string]*Entry),
	}
}

// Load reads the index from disk. Missing index files yield an empty index.
// Corrupt or key-less lines are counted and skipped.
func (idx *Index) Load(ctx context.Context) (skipped int, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	exists, err := idx.fs.Exists(idx.path)
	if err != nil {
		return 0, fmt.Errorf("failed to check index file: %w", err)
	}
	if !exists {
		return 0, nil
	}

	file, err := idx.fs.Open(idx.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			skipped++
			continue
		}
		if entry.Identifier == "" || entry.FilePath == "" {
			skipped++
			continue
		}
		// The index is untrusted on load; a path that escapes the cache
		// root must never reach the filesystem layer.
		if !validate.IsEntryPathSafe(entry.FilePath) {
			skipped++
			continue
		}
		idx.entries[entry.Identifier] = &entry

		if lineNum%1000 == 0 {
			select {
			case <-ctx.Done():
				return skipped, fmt.Errorf("index load interrupted: %w", ctx.Err())
			default:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, fmt.Errorf("error reading index file: %w", err)
	}

	return skipped, nil
}

// Get returns a copy of the entry for the identifier, if present. Expiry is
// the caller's concern; Get reports raw index state.
func (idx *Index) Get(identifier string) (*Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entry, ok := idx.entries[identifier]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// Put stores or replaces an entry.
func (idx *Index) Put(entry *Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[entry.Identifier] = entry.Clone()
}

// Touch refreshes the access metadata for an entry. Returns false if the
// entry is absent.
func (idx *Index) Touch(identifier string, now time.Time) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, ok := idx.entries[identifier]
	if !ok {
		return false
	}
	entry.LastAccessedAt = now
	entry.AccessCount++
	return true
}

// Delete removes an entry, reporting whether it existed.
func (idx *Index) Delete(identifier string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, ok := idx.entries[identifier]
	delete(idx.entries, identifier)
	return ok
}

// Entries returns copies of all entries.
func (idx *Index) Entries() []*Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]*Entry, 0, len(idx.entries))
	for _, entry := range idx.entries {
		out = append(out, entry.Clone())
	}
	return out
}

// ExpiredEntries returns copies of all entries strictly past expiry at the
// given instant.
func (idx *Index) ExpiredEntries(now time.Time) []*Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []*Entry
	for _, entry := range idx.entries {
		if entry.IsExpired(now) {
			out = append(out, entry.Clone())
		}
	}
	return out
}

// TotalSize returns the summed size of all live (non-expired) entries.
func (idx *Index) TotalSize(now time.Time) int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var total int64
	for _, entry := range idx.entries {
		if !entry.IsExpired(now) {
			total += entry.FileSizeBytes
		}
	}
	return total
}

// Count returns the number of live (non-expired) entries.
func (idx *Index) Count(now time.Time) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count := 0
	for _, entry := range idx.entries {
		if !entry.IsExpired(now) {
			count++
		}
	}
	return count
}

// Persist writes the index to disk atomically via a temp file and rename.
// Writes are serialized under the index lock so two persists never race on
// the temp file.
func (idx *Index) Persist() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.persist()
}

// persist assumes the lock is held.
func (idx *Index) persist() error {
	tempPath := idx.path + ".tmp"
	file, err := idx.fs.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}

	writer := bufio.NewWriter(file)

	// Sorted output keeps the file diffable and the tests deterministic.
	keys := make([]string, 0, len(idx.entries))
	for key := range idx.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		data, err := json.Marshal(idx.entries[key])
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to marshal index entry: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			file.Close()
			return fmt.Errorf("failed to write index entry: %w", err)
		}
		if _, err := writer.WriteString("\n"); err != nil {
			file.Close()
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush index file: %w", err)
	}
	if syncer, ok := file.(core.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to sync index file: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close index file: %w", err)
	}

	if err := idx.fs.Rename(tempPath, idx.path); err != nil {
		_ = idx.fs.Remove(tempPath)
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	return nil
}

// RemovePersisted deletes the index file itself, used by full cache resets.
func (idx *Index) RemovePersisted() error {
	if err := idx.fs.Remove(idx.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove index file: %w", err)
	}
	return nil
}
