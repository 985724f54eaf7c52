package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/jmgilman/go/fs/core"
	"github.com/opencontainers/go-digest"
)

// tempDirName is the directory under the cache root holding in-flight decode
// output. Files here are never visible through the index and are swept on
// startup.
const tempDirName = ".tmp"

// Storage provides atomic filesystem operations for the entry store. Decoded
// content is streamed to a temporary file and published with a rename, so a
// reader can never observe a partially written artifact at its final path.
// It uses core.FS for filesystem abstraction, supporting both OS-backed and
// in-memory filesystems.
type Storage struct {
	fs        core.FS
	rootPath  string
	tempDir   string
	fileLocks sync.Map // map[string]*sync.Mutex, keyed by final path
}

// NewStorage creates a storage instance rooted at rootPath, creating the
// root and temp directories as needed.
func NewStorage(fsys core.FS, rootPath string) (*Storage, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if rootPath == "" {
		return nil, fmt.Errorf("root path cannot be empty")
	}

	if err := fsys.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	tempDir := filepath.Join(rootPath, tempDirName)
	if err := fsys.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &Storage{
		fs:       fsys,
		rootPath: rootPath,
		tempDir:  tempDir,
	}, nil
}

// Root returns the cache root path.
func (s *Storage) Root() string {
	return s.rootPath
}

// FullPath resolves an entry-relative path to its absolute location.
func (s *Storage) FullPath(rel string) string {
	return filepath.Join(s.rootPath, rel)
}

// lock returns the mutex guarding the given final path, creating one on
// first use.
func (s *Storage) lock(path string) *sync.Mutex {
	l, _ := s.fileLocks.LoadOrStore(path, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Exists reports whether an entry file exists.
func (s *Storage) Exists(ctx context.Context, rel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.fs.Exists(s.FullPath(rel))
}

// FileSize returns the byte length of an entry file.
func (s *Storage) FileSize(ctx context.Context, rel string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(s.FullPath(rel))
	if err != nil {
		return 0, fmt.Errorf("failed to stat %q: %w", rel, err)
	}
	return info.Size(), nil
}

// Remove deletes an entry file. Removing a file that does not exist is not
// an error.
func (s *Storage) Remove(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full := s.FullPath(rel)
	lock := s.lock(full)
	lock.Lock()
	defer lock.Unlock()

	if err := s.fs.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", full, err)
	}
	return nil
}

// CleanupTemp removes leftover temporary files from decodes that did not
// complete, typically after a crash.
func (s *Storage) CleanupTemp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := s.fs.ReadDir(s.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temp directory: %w", err)
	}

	for _, entry := range entries {
		path := filepath.Join(s.tempDir, entry.Name())
		if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove temp file %q: %w", path, err)
		}
	}
	return nil
}

// TempWriter streams decoded output to a temporary file and publishes it
// atomically on Commit. Abort discards the partial output. Exactly one of
// Commit or Abort must be called.
type TempWriter struct {
	storage  *Storage
	tempPath string
	file     core.File
	digester digest.Digester
	size     int64
	done     bool
}

// NewTempWriter creates a writer backed by a uniquely named file in the temp
// directory.
func (s *Storage) NewTempWriter(ctx context.Context) (*TempWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempPath := filepath.Join(s.tempDir, "decode-"+uuid.NewString())
	file, err := s.fs.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file %q: %w", tempPath, err)
	}

	return &TempWriter{
		storage:  s,
		tempPath: tempPath,
		file:     file,
		digester: digest.SHA256.Digester(),
	}, nil
}

// Write appends decoded bytes to the temporary file.
func (tw *TempWriter) Write(p []byte) (int, error) {
	n, err := tw.file.Write(p)
	if n > 0 {
		tw.digester.Hash().Write(p[:n])
		tw.size += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("failed to write temp file: %w", err)
	}
	return n, nil
}

// Size returns the number of decoded bytes written so far.
func (tw *TempWriter) Size() int64 {
	return tw.size
}

// Digest returns the digest of everything written so far.
func (tw *TempWriter) Digest() digest.Digest {
	return tw.digester.Digest()
}

// Commit syncs and closes the temporary file, then renames it to the final
// entry-relative path. The rename is atomic on POSIX filesystems, so readers
// observe either no file or the complete file.
func (tw *TempWriter) Commit(rel string) error {
	if tw.done {
		return fmt.Errorf("temp writer already finalized")
	}
	tw.done = true

	if syncer, ok := tw.file.(core.Syncer); ok {
		if err := syncer.Sync(); err != nil {
			tw.discard()
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
	}
	if err := tw.file.Close(); err != nil {
		tw.remove()
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	full := tw.storage.FullPath(rel)
	lock := tw.storage.lock(full)
	lock.Lock()
	defer lock.Unlock()

	if dir := filepath.Dir(full); dir != tw.storage.rootPath {
		if err := tw.storage.fs.MkdirAll(dir, 0o755); err != nil {
			tw.remove()
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}

	if err := tw.storage.fs.Rename(tw.tempPath, full); err != nil {
		tw.remove()
		return fmt.Errorf("failed to publish %q: %w", full, err)
	}
	return nil
}

// Abort closes and removes the temporary file. It is safe to call after a
// failed Commit.
func (tw *TempWriter) Abort() error {
	if tw.done {
		return nil
	}
	tw.done = true
	tw.discard()
	return nil
}

func (tw *TempWriter) discard() {
	_ = tw.file.Close()
	tw.remove()
}

func (tw *TempWriter) remove() {
	// Failures are tolerated; leftovers are swept by CleanupTemp on the
	// next startup.
	_ = tw.storage.fs.Remove(tw.tempPath)
}

// walkSize sums the sizes of all regular files under the cache root,
// excluding the temp directory. Used for consistency checks in tests.
func (s *Storage) walkSize() (int64, error) {
	var total int64
	err := s.fs.Walk(s.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == s.tempDir {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk cache root: %w", err)
	}
	return total, nil
}
