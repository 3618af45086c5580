// Package bus provides the process-wide event broadcast channel. Producers
// (registry, effect runtime, API handlers) publish typed events; the push
// hub fans them out to connected clients. Slow subscribers never block
// producers: each subscription has a bounded buffer that drops its oldest
// entry on overflow and is flagged as lagging.
package bus

import (
	"sync"
	"sync/atomic"
)

// Event types carried over the push channel.
const (
	TypeDeviceDiscovered      = "device_discovered"
	TypeDeviceStatus          = "device_status"
	TypeLightEffectTriggered  = "light_effect_triggered"
	TypeSoundPlayed           = "sound_played"
	TypeSceneApplied          = "scene_applied"
)

// DefaultBufferSize is the per-subscriber event buffer size.
const DefaultBufferSize = 64

// Event is a typed notification with a JSON-serialisable payload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus     *Bus
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	lagging atomic.Bool
}

// Events returns the subscription's receive channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lagging reports whether this subscriber has ever dropped an event.
func (s *Subscription) Lagging() bool {
	return s.lagging.Load()
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest entry to make room.
	s.lagging.Store(true)
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Bus is a multi-subscriber broadcast channel.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
}

// New creates a bus with the given per-subscriber buffer size.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, b.bufSize),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}
