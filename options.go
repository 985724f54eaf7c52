// Package pdfcache provides persistent, size-bounded caching of decoded
// PDF content.
// This file contains functional options for configuration.
package pdfcache

import (
	"time"

	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/go/pdfcache/internal/base64stream"
	"github.com/jmgilman/go/pdfcache/internal/logging"
)

// Default cache limits. These mirror the behavior of treating the cache as
// a best-effort working set: large enough for realistic document batches,
// small enough to avoid unbounded disk growth.
const (
	// DefaultMaxSizeBytes is the default cache size budget (500MB).
	DefaultMaxSizeBytes = 500 * 1024 * 1024

	// DefaultMaxAge is the default time-to-live for cache entries (30 days).
	DefaultMaxAge = 30 * 24 * time.Hour

	// DefaultSweepInterval is how often the background TTL sweep runs.
	DefaultSweepInterval = time.Hour
)

// ManagerOptions contains configuration options for the Manager.
type ManagerOptions struct {
	// FS provides filesystem operations for cache storage.
	// If nil, a default OS-backed filesystem will be used.
	FS core.FS

	// Logger receives structured operational logs.
	// If nil, logging is disabled.
	Logger *logging.Logger

	// MaxSizeBytes is the maximum total size of decoded content in bytes.
	// Defaults to 500MB if not specified.
	MaxSizeBytes int64

	// DefaultMaxAge is the default time-to-live for cache entries.
	// Defaults to 30 days if not specified.
	DefaultMaxAge time.Duration

	// ChunkSize is the encoded chunk size used by the streaming decoder,
	// in bytes. It is rounded down to a multiple of 4.
	// Defaults to 8192 if not specified.
	ChunkSize int

	// SweepInterval is how often expired entries are swept in the
	// background. Set to 0 to disable the background sweep; expired
	// entries are still filtered on read and removable via ClearExpired.
	SweepInterval time.Duration
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*ManagerOptions)

// WithFilesystem injects a custom filesystem implementation used by the cache.
// This is primarily used for testing with in-memory filesystems.
func WithFilesystem(fsys core.FS) ManagerOption {
	return func(opts *ManagerOptions) {
		opts.FS = fsys
	}
}

// WithLogger sets the structured logger for cache operations.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(opts *ManagerOptions) {
		opts.Logger = logger
	}
}

// WithMaxSize sets the maximum total size of decoded content in bytes.
// Values <= 0 fall back to the default.
func WithMaxSize(maxSizeBytes int64) ManagerOption {
	return func(opts *ManagerOptions) {
		opts.MaxSizeBytes = maxSizeBytes
	}
}

// WithDefaultMaxAge sets the default time-to-live for new entries.
// Values <= 0 fall back to the default.
func WithDefaultMaxAge(maxAge time.Duration) ManagerOption {
	return func(opts *ManagerOptions) {
		opts.DefaultMaxAge = maxAge
	}
}

// WithChunkSize sets the encoded chunk size for the streaming decoder.
// The value is rounded down to a multiple of 4; values < 4 fall back to
// the default.
func WithChunkSize(chunkSize int) ManagerOption {
	return func(opts *ManagerOptions) {
		opts.ChunkSize = chunkSize
	}
}

// WithSweepInterval sets how often the background TTL sweep runs.
// A negative value disables the background sweep.
func WithSweepInterval(interval time.Duration) ManagerOption {
	return func(opts *ManagerOptions) {
		opts.SweepInterval = interval
	}
}

// DefaultManagerOptions returns the default manager options.
func DefaultManagerOptions() *ManagerOptions {
	return &ManagerOptions{
		FS:            nil, // Filled by constructor if unset
		Logger:        nil, // Logging disabled by default
		MaxSizeBytes:  DefaultMaxSizeBytes,
		DefaultMaxAge: DefaultMaxAge,
		ChunkSize:     base64stream.DefaultChunkSize,
		SweepInterval: DefaultSweepInterval,
	}
}

// StoreOptions contains options for Store operations.
type StoreOptions struct {
	// Identifier explicitly names the content being stored. When set, it
	// takes precedence over fingerprint derivation. Required when the
	// input does not support seeking.
	Identifier string

	// MaxAge overrides the manager's default TTL for this entry.
	MaxAge time.Duration

	// TotalEncodedSize is the encoded payload length in bytes, used for
	// progress fractions when the input does not support seeking.
	// Set to 0 when unknown.
	TotalEncodedSize int64

	// ProgressCallback is called during decode to report progress.
	// It receives encoded bytes processed and the total encoded size
	// (-1 when unknown).
	ProgressCallback func(processed, total int64)
}

// StoreOption is a functional option for configuring Store operations.
type StoreOption func(*StoreOptions)

// WithIdentifier explicitly sets the content identifier for a store
// operation, bypassing fingerprint derivation.
func WithIdentifier(identifier string) StoreOption {
	return func(opts *StoreOptions) {
		opts.Identifier = identifier
	}
}

// WithMaxAge overrides the default TTL for this entry.
func WithMaxAge(maxAge time.Duration) StoreOption {
	return func(opts *StoreOptions) {
		opts.MaxAge = maxAge
	}
}

// WithTotalEncodedSize declares the encoded payload length for progress
// reporting when the input cannot be sized by seeking.
func WithTotalEncodedSize(size int64) StoreOption {
	return func(opts *StoreOptions) {
		opts.TotalEncodedSize = size
	}
}

// WithProgress sets a callback for decode progress reporting.
func WithProgress(callback func(processed, total int64)) StoreOption {
	return func(opts *StoreOptions) {
		opts.ProgressCallback = callback
	}
}

// DefaultStoreOptions returns the default store options.
func DefaultStoreOptions() *StoreOptions {
	return &StoreOptions{
		Identifier:       "",
		MaxAge:           0, // Use manager default
		TotalEncodedSize: 0,
		ProgressCallback: nil,
	}
}
