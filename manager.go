// Package pdfcache provides persistent, size-bounded caching of decoded
// PDF content.
// This file contains the Manager, the main entry point for cache operations.
package pdfcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/jmgilman/go/pdfcache/internal/base64stream"
	"github.com/jmgilman/go/pdfcache/internal/logging"
	"github.com/jmgilman/go/pdfcache/internal/progress"
	"github.com/jmgilman/go/pdfcache/internal/store"
)

// ProgressEvent describes decode progress for a single identifier.
// See Manager.Subscribe.
type ProgressEvent = progress.Event

// CacheInfo describes a stored entry as returned by Store and Fetch.
type CacheInfo struct {
	// Identifier is the content identifier for the entry.
	Identifier string

	// Path is the absolute path of the decoded file on the cache
	// filesystem. The file is valid until the entry is evicted, expires,
	// or is removed.
	Path string

	// SizeBytes is the decoded file size.
	SizeBytes int64

	// CreatedAt is when the entry was decoded and stored.
	CreatedAt time.Time

	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time

	// Checksum is the digest of the decoded content.
	Checksum string

	// Oversized reports that the entry alone exceeds the cache size
	// budget. Oversized entries are stored and served but will be the
	// first evicted when any newer entry arrives.
	Oversized bool

	// Hit reports whether the operation was served from the cache
	// without decoding.
	Hit bool
}

// StoreResult carries the outcome of an asynchronous store. Exactly one of
// Info and Err is set.
type StoreResult struct {
	Info *CacheInfo
	Err  error
}

// Manager is a persistent content cache for decoded PDF payloads. It
// streams base64 input to disk in fixed-size chunks, deduplicates by
// content identifier, and bounds total disk usage with TTL expiry and
// least-recently-used eviction.
//
// All methods are safe for concurrent use. Create a Manager with New and
// release it with Close.
type Manager struct {
	opts    *ManagerOptions
	store   *store.Store
	logger  *logging.Logger
	metrics *metrics
	broker  *progress.Broker

	// group coalesces concurrent stores of the same identifier so the
	// payload is decoded once.
	group singleflight.Group

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	sweeperWG sync.WaitGroup

	// now allows tests to control time.
	now func() time.Time
}

// New creates a Manager rooted at the given directory. The directory and
// its internal layout are created if missing; an existing cache is
// reloaded, interrupted writes are swept, and entries whose files have
// gone missing are pruned.
func New(rootPath string, options ...ManagerOption) (*Manager, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("cache root path must not be empty")
	}

	opts := DefaultManagerOptions()
	for _, option := range options {
		option(opts)
	}
	if opts.FS == nil {
		opts.FS = billy.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.MaxSizeBytes <= 0 {
		opts.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if opts.DefaultMaxAge <= 0 {
		opts.DefaultMaxAge = DefaultMaxAge
	}
	if opts.ChunkSize < 4 {
		opts.ChunkSize = base64stream.DefaultChunkSize
	}

	st, err := store.Open(context.Background(), opts.FS, rootPath, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	m := &Manager{
		opts:    opts,
		store:   st,
		logger:  opts.Logger,
		metrics: newMetrics(),
		broker:  &progress.Broker{},
		done:    make(chan struct{}),
		now:     time.Now,
	}

	if opts.SweepInterval > 0 {
		m.sweeperWG.Add(1)
		go m.sweepLoop(opts.SweepInterval)
	}

	return m, nil
}

// sweepLoop periodically removes expired entries until Close.
func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.sweeperWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if _, err := m.ClearExpired(context.Background()); err != nil {
				m.logger.Warn(context.Background(), "background sweep failed", "error", err)
			}
		}
	}
}

// Store decodes a base64 payload from r into the cache and returns the
// stored entry. The payload may carry a data URI header and whitespace;
// both are tolerated.
//
// The content identifier is taken from WithIdentifier when given, and
// otherwise derived by fingerprinting r, which requires r to implement
// io.ReadSeeker. When a live entry already exists for the identifier the
// payload is not read and the existing entry is returned with Hit set.
//
// Concurrent stores of the same identifier share a single decode: all
// callers block until it completes and receive the same result.
func (m *Manager) Store(ctx context.Context, r io.Reader, options ...StoreOption) (*CacheInfo, error) {
	const op = "store"

	if m.closed.Load() {
		return nil, NewCacheError(op, "", ErrCacheClosed)
	}

	opts := DefaultStoreOptions()
	for _, option := range options {
		option(opts)
	}

	identifier := opts.Identifier
	totalEncoded := opts.TotalEncodedSize
	if seeker, ok := r.(io.ReadSeeker); ok {
		if totalEncoded == 0 {
			if size, err := encodedSize(seeker); err == nil {
				totalEncoded = size
			}
		}
		if identifier == "" {
			derived, err := Fingerprint(seeker)
			if err != nil {
				return nil, NewCacheError(op, "", err)
			}
			identifier = derived
		}
	}
	if identifier == "" {
		return nil, NewCacheError(op, "", ErrIdentifierRequired)
	}

	// Fast path: a live entry already exists, skip the decode entirely.
	if entry, ok := m.store.Get(ctx, identifier, m.now()); ok {
		m.metrics.recordHit()
		logging.LogHit(ctx, m.logger, identifier, entry.FileSizeBytes)
		return m.entryInfo(entry, true), nil
	}

	result, err, _ := m.group.Do(identifier, func() (any, error) {
		return m.decodeAndStore(ctx, r, identifier, totalEncoded, opts)
	})
	if err != nil {
		return nil, err
	}
	return result.(*CacheInfo), nil
}

// decodeAndStore runs the miss path for Store under the singleflight
// group. Callers that lost the race to an in-flight decode see its result
// through the re-check.
func (m *Manager) decodeAndStore(
	ctx context.Context,
	r io.Reader,
	identifier string,
	totalEncoded int64,
	opts *StoreOptions,
) (*CacheInfo, error) {
	const op = "store"

	// Re-check under the flight: another caller may have completed the
	// decode between our miss and acquiring the flight.
	if entry, ok := m.store.Get(ctx, identifier, m.now()); ok {
		m.metrics.recordHit()
		logging.LogHit(ctx, m.logger, identifier, entry.FileSizeBytes)
		return m.entryInfo(entry, true), nil
	}

	m.metrics.recordMiss()
	logging.LogMiss(ctx, m.logger, identifier, "decode_required")

	start := m.now()

	tw, err := m.store.NewTempWriter(ctx)
	if err != nil {
		m.metrics.recordError()
		return nil, NewCacheError(op, identifier, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}

	decodeOpts := base64stream.Options{
		ChunkSize: m.opts.ChunkSize,
		Progress:  m.progressFunc(identifier, totalEncoded, opts.ProgressCallback),
	}

	if _, err := base64stream.Decode(ctx, tw, r, decodeOpts); err != nil {
		tw.Abort()
		m.metrics.recordError()
		mapped := mapDecodeError(err)
		logging.LogOperation(ctx, m.logger, op, m.now().Sub(start), false, 0, mapped)
		return nil, NewCacheError(op, identifier, mapped)
	}

	now := m.now()
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = m.opts.DefaultMaxAge
	}
	entry := &store.Entry{
		Identifier:     identifier,
		FilePath:       entryFileName(identifier),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(maxAge),
		AccessCount:    1,
	}

	stored, evicted, err := m.store.Put(ctx, tw, entry, m.opts.MaxSizeBytes)
	if err != nil {
		m.metrics.recordError()
		return nil, NewCacheError(op, identifier, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}

	if len(evicted) > 0 {
		m.metrics.recordEvictions(len(evicted))
	}
	if stored.Oversized {
		m.logger.Warn(ctx, "entry exceeds cache size budget",
			"identifier", identifier,
			"size", stored.FileSizeBytes,
			"max_size", m.opts.MaxSizeBytes)
	}

	duration := m.now().Sub(start)
	m.metrics.recordDecode(duration)
	logging.LogOperation(ctx, m.logger, op, duration, true, stored.FileSizeBytes, nil)

	return m.entryInfo(stored, false), nil
}

// progressFunc builds the decoder progress hook that fans events out to
// subscribers and the per-call callback.
func (m *Manager) progressFunc(
	identifier string,
	totalEncoded int64,
	callback func(processed, total int64),
) func(int64) {
	return func(processed int64) {
		fraction := -1.0
		reportedTotal := int64(-1)
		if totalEncoded > 0 {
			reportedTotal = totalEncoded
			fraction = float64(processed) / float64(totalEncoded)
			if fraction > 1 {
				fraction = 1
			}
		}
		m.broker.Publish(progress.Event{
			Identifier:     identifier,
			BytesProcessed: processed,
			TotalBytes:     max(reportedTotal, 0),
			Fraction:       fraction,
		})
		if callback != nil {
			callback(processed, reportedTotal)
		}
	}
}

// StoreBytes decodes an in-memory base64 payload into the cache.
// See Store.
func (m *Manager) StoreBytes(ctx context.Context, payload []byte, options ...StoreOption) (*CacheInfo, error) {
	return m.Store(ctx, bytes.NewReader(payload), options...)
}

// StoreAsync starts a store in the background and returns a channel that
// receives the single result and is then closed. Cancel via ctx.
func (m *Manager) StoreAsync(ctx context.Context, r io.Reader, options ...StoreOption) <-chan StoreResult {
	ch := make(chan StoreResult, 1)
	go func() {
		defer close(ch)
		info, err := m.Store(ctx, r, options...)
		ch <- StoreResult{Info: info, Err: err}
	}()
	return ch
}

// Fetch returns the entry for the identifier, refreshing its access
// metadata. A miss is reported through the bool, not an error: expired
// entries and unknown identifiers both return (nil, false, nil). The
// error is reserved for a closed cache.
func (m *Manager) Fetch(ctx context.Context, identifier string) (*CacheInfo, bool, error) {
	const op = "fetch"

	if m.closed.Load() {
		return nil, false, NewCacheError(op, identifier, ErrCacheClosed)
	}

	entry, ok := m.store.Get(ctx, identifier, m.now())
	if !ok {
		m.metrics.recordMiss()
		logging.LogMiss(ctx, m.logger, identifier, "not_found")
		return nil, false, nil
	}

	m.metrics.recordHit()
	logging.LogHit(ctx, m.logger, identifier, entry.FileSizeBytes)
	return m.entryInfo(entry, true), true, nil
}

// Has reports whether a live entry exists for the identifier. It is a
// pure inspection by choice: unlike Fetch it does not refresh access
// metadata or count toward hit rate, so polling Has cannot keep an
// entry alive or skew the stats.
func (m *Manager) Has(ctx context.Context, identifier string) bool {
	if m.closed.Load() {
		return false
	}
	_, ok := m.store.Peek(ctx, identifier, m.now())
	return ok
}

// Remove deletes the entry and its file. The bool reports whether an
// entry existed; removing an absent identifier is not an error.
func (m *Manager) Remove(ctx context.Context, identifier string) (bool, error) {
	const op = "remove"

	if m.closed.Load() {
		return false, NewCacheError(op, identifier, ErrCacheClosed)
	}

	removed, err := m.store.Remove(ctx, identifier)
	if err != nil {
		return false, NewCacheError(op, identifier, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	if removed {
		m.logger.Info(ctx, "cache entry removed", "identifier", identifier)
	}
	return removed, nil
}

// ClearAll removes every entry and its file.
func (m *Manager) ClearAll(ctx context.Context) error {
	const op = "clear_all"

	if m.closed.Load() {
		return NewCacheError(op, "", ErrCacheClosed)
	}

	if err := m.store.Clear(ctx); err != nil {
		return NewCacheError(op, "", fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	m.logger.Info(ctx, "cache cleared")
	return nil
}

// ClearExpired removes all entries past expiry and returns the number
// removed.
func (m *Manager) ClearExpired(ctx context.Context) (int, error) {
	const op = "clear_expired"

	if m.closed.Load() {
		return 0, NewCacheError(op, "", ErrCacheClosed)
	}

	removed, err := m.store.ClearExpired(ctx, m.now())
	if removed > 0 {
		m.metrics.recordExpired(removed)
	}
	if err != nil {
		return removed, NewCacheError(op, "", fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	return removed, nil
}

// Stats returns a snapshot of cache state and lifetime counters.
func (m *Manager) Stats() Stats {
	stats := m.metrics.snapshot()
	now := m.now()
	stats.TotalSizeBytes = m.store.TotalSize(now)
	stats.EntryCount = m.store.Count(now)
	return stats
}

// Subscribe registers for decode progress events. Events are dropped
// rather than delivered late when the subscriber's buffer is full.
// The returned cancel function releases the subscription; it is also
// released by Close.
func (m *Manager) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	return m.broker.Subscribe(buffer)
}

// Close stops the background sweep, flushes access metadata to the index,
// and closes all progress subscriptions. The cached files remain on disk
// for the next Manager opened at the same root. Close is idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
		m.sweeperWG.Wait()
		err = m.store.Persist()
		m.broker.Close()
	})
	return err
}

// entryInfo converts a store entry to the public CacheInfo.
func (m *Manager) entryInfo(entry *store.Entry, hit bool) *CacheInfo {
	return &CacheInfo{
		Identifier: entry.Identifier,
		Path:       m.store.FullPath(entry),
		SizeBytes:  entry.FileSizeBytes,
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
		Checksum:   entry.Checksum,
		Oversized:  entry.Oversized,
		Hit:        hit,
	}
}

// mapDecodeError translates decoder failures into the package error
// taxonomy. Context cancellation passes through so callers can match
// context.Canceled and context.DeadlineExceeded directly; source read
// failures are returned unmapped.
func mapDecodeError(err error) error {
	var invalid *base64stream.InvalidByteError
	var write *base64stream.WriteError
	switch {
	case errors.As(err, &invalid):
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	case errors.As(err, &write):
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return err
	}
}

// encodedSize reports the remaining length of a seekable payload and
// restores the original offset.
func encodedSize(r io.ReadSeeker) (int64, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end - cur, nil
}

// entryFileName maps an identifier to a safe on-disk file name.
// Identifiers derived by Fingerprint are already safe; caller-supplied
// identifiers may contain arbitrary bytes, so anything outside a
// conservative character set is replaced and a digest suffix is added to
// keep distinct identifiers from colliding.
func entryFileName(identifier string) string {
	safe := true
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			safe = false
			return '-'
		}
	}, identifier)

	if safe && mapped != "" && mapped[0] != '.' {
		return mapped + ".pdf"
	}

	suffix := digest.FromString(identifier).Encoded()[:12]
	mapped = strings.TrimLeft(mapped, ".")
	if len(mapped) > 64 {
		mapped = mapped[:64]
	}
	return mapped + "-" + suffix + ".pdf"
}
