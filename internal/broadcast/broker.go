// Package broadcast fans state snapshots out to streaming subscribers.
package broadcast

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. When a
// subscriber falls this far behind, its oldest pending snapshot is dropped
// so the newest one still lands; stale intermediate states are worthless
// once a fresher one exists.
const subscriberBufferSize = 8

// Broker delivers encoded state snapshots to an arbitrary number of
// subscribers. It is safe for concurrent use.
//
// Once Shutdown is called the broker stays closed: subscriber channels are
// closed and late subscribers receive an already-closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan []byte)}
}

// Subscribe returns a channel carrying every snapshot published after this
// call, plus an unsubscribe function. If the broker has already shut down,
// the returned channel is immediately closed.
func (b *Broker) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish sends a snapshot to all subscribers. For a subscriber with a full
// buffer the oldest queued snapshot is discarded first, so the channel
// always ends up holding the most recent state.
func (b *Broker) Publish(snapshot []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// Full buffer: evict one, then retry. The subscriber may have
		// drained concurrently, in which case the eviction is a harmless
		// extra drop.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Shutdown closes all subscriber channels and marks the broker closed.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
