// Package statsbus fans periodic pipeline telemetry out to multiple
// observers (a console printer, an optional MQTT publisher) without
// letting a slow observer slow down the pipeline it is watching.
//
// # Core philosophy
//
// "Drop samples, never queue." A stats observer that falls behind gets
// a gap in its series, not a growing backlog: Publish never blocks,
// even with subscribers stalled indefinitely.
package statsbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSubscriberExists is returned by Subscribe for a duplicate id.
	ErrSubscriberExists = errors.New("statsbus: subscriber id already exists")
	// ErrSubscriberNotFound is returned by Unsubscribe for an unknown id.
	ErrSubscriberNotFound = errors.New("statsbus: subscriber id not found")
	// ErrBusClosed is returned by Subscribe/Unsubscribe on a closed bus.
	ErrBusClosed = errors.New("statsbus: bus is closed")
)

// Sample is one periodic telemetry snapshot published to the bus.
// Source names which component produced it (e.g. "pool:decode",
// "producer", "consumer").
type Sample struct {
	Source    string
	Timestamp time.Time
	Fields    map[string]uint64
}

// Stats is a point-in-time snapshot of the bus's own counters.
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// SubscriberStats tracks one subscriber's delivery counters.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriberStats struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes Samples to subscribers, dropping for any whose
// channel is currently full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- Sample
	stats       map[string]*subscriberStats
	closed      bool

	totalPublished atomic.Uint64
}

// New returns an empty, open Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan<- Sample),
		stats:       make(map[string]*subscriberStats),
	}
}

// Subscribe registers ch to receive every Sample published after this
// call, under id.
func (b *Bus) Subscribe(id string, ch chan<- Sample) error {
	if ch == nil {
		return errors.New("statsbus: subscriber channel cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = ch
	b.stats[id] = &subscriberStats{}
	return nil
}

// Unsubscribe removes id. The subscriber's channel is not closed; that
// remains the subscriber's responsibility.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	delete(b.stats, id)
	return nil
}

// Publish fans sample out to every subscriber without blocking,
// dropping it for any subscriber whose channel is currently full. It
// is a no-op, not a panic, once the bus is closed — telemetry must
// never be able to crash the pipeline it observes.
func (b *Bus) Publish(sample Sample) {
	b.totalPublished.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- sample:
			b.stats[id].sent.Add(1)
		default:
			b.stats[id].dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of the bus's delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.stats)),
	}
	var sent, dropped uint64
	for id, s := range b.stats {
		ss := SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
		out.Subscribers[id] = ss
		sent += ss.Sent
		dropped += ss.Dropped
	}
	out.TotalSent = sent
	out.TotalDropped = dropped
	return out
}

// Close marks the bus closed; further Subscribe/Unsubscribe calls
// return ErrBusClosed and Publish becomes a no-op. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
