// Package pdfcache provides persistent, size-bounded caching of decoded
// PDF content.
// This file contains in-process metrics collection for cache operations.
package pdfcache

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of cache state and counters.
// Counters accumulate over the lifetime of a Manager and reset on
// construction, not on restart of the underlying store.
type Stats struct {
	// TotalSizeBytes is the summed size of live decoded entries.
	TotalSizeBytes int64

	// EntryCount is the number of live entries.
	EntryCount int

	// HitCount is the number of lookups served from the cache.
	HitCount int64

	// MissCount is the number of lookups that required a decode or
	// found nothing.
	MissCount int64

	// EvictionCount is the number of entries removed to satisfy the
	// size budget.
	EvictionCount int64

	// ExpiredCount is the number of entries removed by TTL sweeps.
	ExpiredCount int64

	// ErrorCount is the number of failed operations.
	ErrorCount int64

	// AvgDecodeTime is the mean wall-clock duration of completed decodes.
	AvgDecodeTime time.Duration

	// Uptime is the time elapsed since the Manager was created.
	Uptime time.Duration
}

// HitRate returns the fraction of lookups served from the cache, or 0
// when no lookups have occurred.
func (s Stats) HitRate() float64 {
	total := s.HitCount + s.MissCount
	if total == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(total)
}

// metrics accumulates operation counters. All methods are safe for
// concurrent use.
type metrics struct {
	mu sync.Mutex

	hits      int64
	misses    int64
	evictions int64
	expired   int64
	errors    int64

	// decodeTimes holds recent decode durations for averaging, capped to
	// bound memory on long-lived managers.
	decodeTimes []time.Duration

	startTime time.Time
}

const maxDecodeSamples = 10000

func newMetrics() *metrics {
	return &metrics{startTime: time.Now()}
}

func (m *metrics) recordHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *metrics) recordMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *metrics) recordEvictions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions += int64(n)
}

func (m *metrics) recordExpired(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired += int64(n)
}

func (m *metrics) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func (m *metrics) recordDecode(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decodeTimes = append(m.decodeTimes, d)
	if len(m.decodeTimes) > maxDecodeSamples {
		// Keep the newer half.
		m.decodeTimes = m.decodeTimes[len(m.decodeTimes)-maxDecodeSamples/2:]
	}
}

// snapshot fills the counter fields of a Stats. Size and entry count are
// filled by the caller from the store.
func (m *metrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if len(m.decodeTimes) > 0 {
		var total time.Duration
		for _, d := range m.decodeTimes {
			total += d
		}
		avg = total / time.Duration(len(m.decodeTimes))
	}

	return Stats{
		HitCount:      m.hits,
		MissCount:     m.misses,
		EvictionCount: m.evictions,
		ExpiredCount:  m.expired,
		ErrorCount:    m.errors,
		AvgDecodeTime: avg,
		Uptime:        time.Since(m.startTime),
	}
}
