// Package pdfcache provides persistent caching of base64-encoded PDF content.
//
// This package decodes large base64 payloads to disk in fixed-size chunks,
// keeping memory usage independent of payload size, and manages the decoded
// files as a bounded cache. Key features:
//   - Streaming base64 decoding (data URI headers and whitespace tolerated)
//   - Content fingerprinting for automatic deduplication
//   - TTL expiry and least-recently-used eviction under a size budget
//   - Crash-safe publication (partial writes are never visible)
//   - Decode progress events for UI consumption
//   - Filesystem abstraction for testing and custom storage
//
// Basic usage:
//
//	cache, err := pdfcache.New("/var/cache/pdfs")
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	// Decode and store a payload
//	info, err := cache.Store(ctx, payloadReader)
//
//	// Retrieve it later by identifier
//	cached, ok, err := cache.Fetch(ctx, info.Identifier)
//	f, err := os.Open(cached.Path)
//
//	// Watch decode progress
//	events, cancel := cache.Subscribe(16)
//	defer cancel()
//
// See the examples directory for complete runnable programs.
package pdfcache
