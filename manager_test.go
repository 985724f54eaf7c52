package pdfcache

import (
	"context"
	"encoding/base64"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "/cache"

func newTestManager(t *testing.T, options ...ManagerOption) (*Manager, core.FS) {
	t.Helper()
	fsys := billy.NewMemory()
	options = append([]ManagerOption{WithFilesystem(fsys)}, options...)
	m, err := New(testRoot, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, fsys
}

func readCachedFile(t *testing.T, fsys core.FS, path string) []byte {
	t.Helper()
	f, err := fsys.Open(path)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	payload := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(payload)
	require.NoError(t, err)
	return payload
}

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestManager_StoreRoundTrip(t *testing.T) {
	m, fsys := newTestManager(t)
	ctx := context.Background()

	payload := randomPayload(t, 50*1024)
	encoded := base64.StdEncoding.EncodeToString(payload)

	info, err := m.Store(ctx, strings.NewReader(encoded))
	require.NoError(t, err)
	assert.False(t, info.Hit)
	assert.True(t, strings.HasPrefix(info.Identifier, "pdf-"))
	assert.Equal(t, int64(len(payload)), info.SizeBytes)
	assert.NotEmpty(t, info.Checksum)
	assert.True(t, info.ExpiresAt.After(info.CreatedAt))

	// The decoded file on disk is byte-identical to the original payload.
	assert.Equal(t, payload, readCachedFile(t, fsys, info.Path))
}

func TestManager_StoreDataURIPayload(t *testing.T) {
	m, fsys := newTestManager(t)

	payload := []byte("%PDF-1.7 tiny document")
	input := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(payload)

	info, err := m.Store(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, payload, readCachedFile(t, fsys, info.Path))
}

func TestManager_StoreIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	payload := randomPayload(t, 10*1024)
	encoded := base64.StdEncoding.EncodeToString(payload)

	first, err := m.Store(ctx, strings.NewReader(encoded))
	require.NoError(t, err)
	second, err := m.Store(ctx, strings.NewReader(encoded))
	require.NoError(t, err)

	// Identical payloads deduplicate to one entry.
	assert.False(t, first.Hit)
	assert.True(t, second.Hit)
	assert.Equal(t, first.Identifier, second.Identifier)
	assert.Equal(t, first.Path, second.Path)

	stats := m.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(len(payload)), stats.TotalSizeBytes)
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
}

func TestManager_StoreWithExplicitIdentifier(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("content"))
	info, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier("invoice-2026-08"))
	require.NoError(t, err)
	assert.Equal(t, "invoice-2026-08", info.Identifier)

	assert.True(t, m.Has(ctx, "invoice-2026-08"))
}

func TestManager_StoreNonSeekableRequiresIdentifier(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("content"))
	nonSeekable := io.MultiReader(strings.NewReader(encoded))

	_, err := m.Store(ctx, nonSeekable)
	require.ErrorIs(t, err, ErrIdentifierRequired)

	// The same reader works once an identifier is supplied.
	nonSeekable = io.MultiReader(strings.NewReader(encoded))
	info, err := m.Store(ctx, nonSeekable, WithIdentifier("named"))
	require.NoError(t, err)
	assert.Equal(t, "named", info.Identifier)
}

func TestManager_StoreInvalidEncoding(t *testing.T) {
	m, fsys := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, strings.NewReader("not!!valid@@base64"), WithIdentifier("bad"))
	require.ErrorIs(t, err, ErrInvalidEncoding)

	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "store", cacheErr.Op)
	assert.Equal(t, "bad", cacheErr.Identifier)
	assert.True(t, cacheErr.IsEncodingError())

	// Nothing was published and the partial output was cleaned up.
	assert.False(t, m.Has(ctx, "bad"))
	tempEntries, err := fsys.ReadDir(filepath.Join(testRoot, ".tmp"))
	require.NoError(t, err)
	assert.Empty(t, tempEntries)
	assert.Equal(t, int64(1), m.Stats().ErrorCount)
}

func TestManager_StoreCancellation(t *testing.T) {
	m, fsys := newTestManager(t, WithChunkSize(256))
	ctx, cancel := context.WithCancel(context.Background())

	encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 256*1024))
	r := &cancelAfterReader{r: strings.NewReader(encoded), after: 4096, cancel: cancel}

	_, err := m.Store(ctx, r, WithIdentifier("cancelled"))
	require.ErrorIs(t, err, context.Canceled)

	// No entry and no stray files remain for the cancelled decode.
	assert.False(t, m.Has(context.Background(), "cancelled"))
	tempEntries, err := fsys.ReadDir(filepath.Join(testRoot, ".tmp"))
	require.NoError(t, err)
	assert.Empty(t, tempEntries)
}

// cancelAfterReader cancels its context once a number of bytes have been
// read, simulating a caller abandoning a long decode.
type cancelAfterReader struct {
	r      io.Reader
	after  int
	read   int
	cancel context.CancelFunc
}

func (c *cancelAfterReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	if c.read >= c.after {
		c.cancel()
	}
	return n, err
}

func TestManager_ConcurrentStoresCoalesce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 64*1024))

	var consumed atomic.Int32
	const callers = 8

	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Non-seekable so only the decode consumes the reader.
			r := &countingReader{r: strings.NewReader(encoded), consumed: &consumed}
			info, err := m.Store(ctx, r, WithIdentifier("shared"))
			errs[i] = err
			if info != nil {
				paths[i] = info.Path
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}

	// Exactly one caller's payload was decoded; the rest shared the result.
	assert.Equal(t, int32(1), consumed.Load())
	assert.Equal(t, 1, m.Stats().EntryCount)
}

type countingReader struct {
	r        io.Reader
	consumed *atomic.Int32
	counted  bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	if !c.counted {
		c.counted = true
		c.consumed.Add(1)
	}
	return c.r.Read(p)
}

func TestManager_EvictionUnderSizeBudget(t *testing.T) {
	// Three 4KB documents against a 10KB budget: storing the third must
	// evict the least recently used and keep the other two.
	m, _ := newTestManager(t, WithMaxSize(10*1024))
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 4*1024))
		_, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier(id))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	assert.False(t, m.Has(ctx, "doc-a"))
	assert.True(t, m.Has(ctx, "doc-b"))
	assert.True(t, m.Has(ctx, "doc-c"))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.EvictionCount)
	assert.Equal(t, 2, stats.EntryCount)
	assert.LessOrEqual(t, stats.TotalSizeBytes, int64(10*1024))
}

func TestManager_FetchRefreshesRecency(t *testing.T) {
	m, _ := newTestManager(t, WithMaxSize(10*1024))
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b"} {
		encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 4*1024))
		_, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier(id))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	// Touch doc-a so doc-b becomes the eviction candidate.
	_, ok, err := m.Fetch(ctx, "doc-a")
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 4*1024))
	_, err = m.Store(ctx, strings.NewReader(encoded), WithIdentifier("doc-c"))
	require.NoError(t, err)

	assert.True(t, m.Has(ctx, "doc-a"))
	assert.False(t, m.Has(ctx, "doc-b"))
	assert.True(t, m.Has(ctx, "doc-c"))
}

func TestManager_OversizedEntry(t *testing.T) {
	m, _ := newTestManager(t, WithMaxSize(4*1024))
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 32*1024))
	info, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier("huge"))
	require.NoError(t, err)

	// Oversized content is stored and flagged, not rejected.
	assert.True(t, info.Oversized)
	assert.True(t, m.Has(ctx, "huge"))
}

func TestManager_FetchNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	// A miss is reported through the bool, never as an error.
	info, ok, err := m.Fetch(context.Background(), "pdf-missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, info)
	assert.Equal(t, int64(1), m.Stats().MissCount)
}

func TestManager_HasDoesNotCountTowardHitRate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("content"))
	_, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier("doc"))
	require.NoError(t, err)

	before := m.Stats()
	assert.True(t, m.Has(ctx, "doc"))
	assert.False(t, m.Has(ctx, "absent"))
	after := m.Stats()

	assert.Equal(t, before.HitCount, after.HitCount)
	assert.Equal(t, before.MissCount, after.MissCount)
}

func TestManager_TTLExpiry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("short lived"))
	_, err := m.Store(ctx, strings.NewReader(encoded),
		WithIdentifier("ephemeral"), WithMaxAge(time.Millisecond))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	// Expired entries are invisible before any sweep runs.
	assert.False(t, m.Has(ctx, "ephemeral"))
	_, ok, err := m.Fetch(ctx, "ephemeral")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := m.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(1), m.Stats().ExpiredCount)
}

func TestManager_Remove(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("content"))
	_, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier("doc"))
	require.NoError(t, err)

	removed, err := m.Remove(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, m.Has(ctx, "doc"))

	// Removing an absent identifier is not an error, but it reports false.
	removed, err = m.Remove(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestManager_ClearAll(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		encoded := base64.StdEncoding.EncodeToString([]byte("content " + id))
		_, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier(id))
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Stats().EntryCount)

	require.NoError(t, m.ClearAll(ctx))
	assert.Equal(t, 0, m.Stats().EntryCount)
	assert.Equal(t, int64(0), m.Stats().TotalSizeBytes)
}

func TestManager_RestartRestoresCache(t *testing.T) {
	fsys := billy.NewMemory()
	ctx := context.Background()

	payload := randomPayload(t, 20*1024)
	encoded := base64.StdEncoding.EncodeToString(payload)

	first, err := New(testRoot, WithFilesystem(fsys))
	require.NoError(t, err)
	info, err := first.Store(ctx, strings.NewReader(encoded))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A new manager over the same root serves the entry without decoding.
	second, err := New(testRoot, WithFilesystem(fsys))
	require.NoError(t, err)
	defer second.Close()

	fetched, ok, err := second.Fetch(ctx, info.Identifier)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info.Path, fetched.Path)
	assert.Equal(t, payload, readCachedFile(t, fsys, fetched.Path))

	// Re-storing the same payload is a hit, not a decode.
	again, err := second.Store(ctx, strings.NewReader(encoded))
	require.NoError(t, err)
	assert.True(t, again.Hit)
}

func TestManager_ProgressEvents(t *testing.T) {
	m, _ := newTestManager(t, WithChunkSize(256))
	ctx := context.Background()

	events, cancel := m.Subscribe(64)
	defer cancel()

	var callbackCalls atomic.Int32
	encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 32*1024))
	_, err := m.Store(ctx, strings.NewReader(encoded),
		WithIdentifier("watched"),
		WithProgress(func(processed, total int64) {
			callbackCalls.Add(1)
			assert.Equal(t, int64(len(encoded)), total)
			assert.LessOrEqual(t, processed, total)
		}))
	require.NoError(t, err)
	assert.Greater(t, callbackCalls.Load(), int32(0))

	// At least one event reached the subscriber with a sane fraction.
	select {
	case ev := <-events:
		assert.Equal(t, "watched", ev.Identifier)
		assert.GreaterOrEqual(t, ev.Fraction, 0.0)
		assert.LessOrEqual(t, ev.Fraction, 1.0)
		assert.Equal(t, int64(len(encoded)), ev.TotalBytes)
	case <-time.After(time.Second):
		t.Fatal("no progress event received")
	}
}

func TestManager_StoreAsync(t *testing.T) {
	m, fsys := newTestManager(t)

	payload := randomPayload(t, 8*1024)
	encoded := base64.StdEncoding.EncodeToString(payload)

	results := m.StoreAsync(context.Background(), strings.NewReader(encoded))

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Info)
		assert.Equal(t, payload, readCachedFile(t, fsys, res.Info.Path))
	case <-time.After(5 * time.Second):
		t.Fatal("async store did not complete")
	}

	// The channel is closed after the single result.
	_, ok := <-results
	assert.False(t, ok)
}

func TestManager_Close(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("content"))
	_, err := m.Store(ctx, strings.NewReader(encoded), WithIdentifier("doc"))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	// Close is idempotent.
	require.NoError(t, m.Close())

	_, err = m.Store(ctx, strings.NewReader(encoded), WithIdentifier("doc2"))
	assert.ErrorIs(t, err, ErrCacheClosed)
	_, _, err = m.Fetch(ctx, "doc")
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.False(t, m.Has(ctx, "doc"))
	_, err = m.Remove(ctx, "doc")
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.ErrorIs(t, m.ClearAll(ctx), ErrCacheClosed)
	_, err = m.ClearExpired(ctx)
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestManager_BackgroundSweep(t *testing.T) {
	m, _ := newTestManager(t, WithSweepInterval(10*time.Millisecond))
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString([]byte("short lived"))
	_, err := m.Store(ctx, strings.NewReader(encoded),
		WithIdentifier("ephemeral"), WithMaxAge(time.Millisecond))
	require.NoError(t, err)

	// The sweeper removes the expired entry without an explicit call.
	require.Eventually(t, func() bool {
		return m.Stats().EntryCount == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManager_StatsAverageDecodeTime(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	encoded := base64.StdEncoding.EncodeToString(randomPayload(t, 16*1024))
	_, err := m.Store(ctx, strings.NewReader(encoded))
	require.NoError(t, err)

	stats := m.Stats()
	assert.GreaterOrEqual(t, stats.AvgDecodeTime, time.Duration(0))
	assert.Greater(t, stats.Uptime, time.Duration(0))
	assert.InDelta(t, 0.0, stats.HitRate(), 0.001)
}

func TestStats_HitRate(t *testing.T) {
	assert.Equal(t, 0.0, Stats{}.HitRate())
	assert.InDelta(t, 0.75, Stats{HitCount: 3, MissCount: 1}.HitRate(), 0.001)
}

func TestEntryFileName(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		wantSuffix bool
	}{
		{"derived identifier", "pdf-0123456789abcdef01234567", false},
		{"plain name", "invoice-2026-08", false},
		{"path separators", "../../etc/passwd", true},
		{"spaces and unicode", "my report ä", true},
		{"leading dot", ".hidden", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := entryFileName(tt.identifier)
			assert.True(t, strings.HasSuffix(name, ".pdf"))
			assert.NotContains(t, name, "/")
			assert.False(t, strings.HasPrefix(name, "."))
			if tt.wantSuffix {
				// Unsafe identifiers carry a digest suffix so distinct
				// inputs cannot collide after sanitization.
				assert.NotEqual(t, tt.identifier+".pdf", name)
			}
		})
	}

	// Two identifiers that sanitize to the same text stay distinct.
	assert.NotEqual(t, entryFileName("a/b"), entryFileName("a?b"))
}

func TestManager_StoreBytes(t *testing.T) {
	m, fsys := newTestManager(t)

	payload := []byte("in memory payload")
	encoded := []byte(base64.StdEncoding.EncodeToString(payload))

	info, err := m.StoreBytes(context.Background(), encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, readCachedFile(t, fsys, info.Path))
}
