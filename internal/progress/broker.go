// Package progress delivers decode progress events to subscribers without
// ever blocking the publisher. Slow subscribers miss intermediate events
// rather than stalling a decode in flight.
package progress

import (
	"sync"
)

// Event describes decode progress for a single cache identifier. Listeners
// receiving events for multiple identifiers should filter on Identifier.
type Event struct {
	// Identifier is the cache identifier the decode belongs to.
	Identifier string

	// BytesProcessed is the number of encoded input bytes consumed so far.
	BytesProcessed int64

	// TotalBytes is the total encoded input size, or zero when unknown.
	TotalBytes int64

	// Fraction is the completed fraction in [0, 1], or -1 when the total
	// input size is unknown.
	Fraction float64
}

// Broker fans out progress events to any number of subscribers.
// The zero value is ready to use.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// Subscribe registers a new listener and returns its event channel together
// with a cancel function. The channel is buffered with the given capacity
// (minimum one); events that would overflow the buffer are dropped for that
// subscriber only. The cancel function closes the channel and is safe to
// call more than once.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber that has buffer room.
// It never blocks.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; drop rather than block the decode.
		}
	}
}

// Close closes all subscriber channels. Publish and Subscribe remain safe to
// call afterwards; subsequent subscriptions receive a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
