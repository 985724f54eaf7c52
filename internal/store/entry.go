package store

import "time"

// Entry is the durable record of one decoded artifact on disk. Entries are
// serialized as JSON lines in the index file and must survive process
// restarts.
type Entry struct {
	// Identifier is the unique cache key for this entry.
	Identifier string `json:"identifier"`

	// FilePath is the location of the decoded artifact, relative to the
	// cache root. The store owns this file until the entry is removed.
	FilePath string `json:"file_path"`

	// FileSizeBytes is the size of the decoded content.
	FileSizeBytes int64 `json:"file_size_bytes"`

	// CreatedAt is when the decode that produced this entry completed.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt is refreshed on every successful fetch and drives
	// LRU eviction ordering.
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// ExpiresAt is CreatedAt plus the entry's max age.
	ExpiresAt time.Time `json:"expires_at"`

	// AccessCount tracks how many times this entry has been fetched.
	AccessCount int64 `json:"access_count"`

	// Oversized marks an entry whose size alone exceeds the cache budget.
	// Such entries are stored anyway and flagged rather than rejected.
	Oversized bool `json:"oversized,omitempty"`

	// Checksum is the digest of the decoded content, recorded for
	// diagnostics.
	Checksum string `json:"checksum,omitempty"`
}

// IsExpired reports whether the entry is strictly past its expiry at the
// given instant.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Clone returns a copy of the entry so that callers cannot mutate indexed
// state.
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}
