// Package events provides the event publishing contract used by the store's
// background subsystems. Publishers are injected at construction; there is no
// process-global bus.
package events

import "time"

// Event is a lifecycle notification emitted by the store.
type Event struct {
	// Type names the event, e.g. "memory.stored", "memory.evicted",
	// "gc.cycle".
	Type string

	// NodeID is the affected memory node, when the event concerns one.
	NodeID string

	// SpiralID is the affected spiral, when the event concerns one.
	SpiralID string

	// TenantID scopes the event, when the event concerns tenant data.
	TenantID string

	// At is the emission time.
	At time.Time

	// Fields carries event-specific numeric details (counts, priorities).
	Fields map[string]float64
}

// Publisher receives store lifecycle events. Implementations must be safe
// for concurrent use and must never block the caller for long; slow
// consumers drop events rather than stall the write path.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher discards all events. It is the default when no publisher is
// injected.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}

// ChannelPublisher forwards events to a buffered channel, dropping when the
// buffer is full so publishers never block.
type ChannelPublisher struct {
	ch chan Event
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	if buffer < 1 {
		buffer = 64
	}
	return &ChannelPublisher{ch: make(chan Event, buffer)}
}

// Publish implements Publisher. Events are dropped when the buffer is full.
func (p *ChannelPublisher) Publish(ev Event) {
	select {
	case p.ch <- ev:
	default:
	}
}

// Events exposes the receive side of the buffer.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}
