// Package bus routes inbound channel events to any number of independent
// consumers. Unlike a single-handler dispatcher, several handlers may be
// registered for the same event name and each registration is released on its
// own.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler receives the raw payload of an event.
type Handler func(data json.RawMessage)

// Subscription is the capability returned by On. Releasing it removes exactly
// the handler it was created for.
type Subscription struct {
	ID    uuid.UUID
	Event string

	bus      *Bus
	handler  Handler
	released atomic.Bool
}

// Release removes the handler from the bus. Only the first call has an
// effect.
func (s *Subscription) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.bus.remove(s)
}

// Released reports whether the subscription has been released.
func (s *Subscription) Released() bool {
	return s.released.Load()
}

// Bus is an in-process registry of event name -> ordered handlers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// On registers handler for event. Handlers fire in registration order.
func (b *Bus) On(event string, handler Handler) *Subscription {
	s := &Subscription{
		ID:      uuid.New(),
		Event:   event,
		bus:     b,
		handler: handler,
	}
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], s)
	b.mu.Unlock()
	return s
}

// Off releases the given subscriptions for event, or every handler for event
// when none are given. Subscriptions registered for a different event are
// left alone.
func (b *Bus) Off(event string, subs ...*Subscription) {
	if len(subs) > 0 {
		for _, s := range subs {
			if s != nil && s.bus == b && s.Event == event {
				s.Release()
			}
		}
		return
	}

	b.mu.Lock()
	all := b.subs[event]
	delete(b.subs, event)
	b.mu.Unlock()

	for _, s := range all {
		s.released.Store(true)
	}
}

// Clear releases every handler on the bus.
func (b *Bus) Clear() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, list := range all {
		for _, s := range list {
			s.released.Store(true)
		}
	}
}

// Publish delivers data to every handler registered for event, synchronously
// and in registration order. Handlers added during delivery are first called
// on the next Publish; handlers released during delivery are skipped.
func (b *Bus) Publish(event string, data json.RawMessage) int {
	b.mu.RLock()
	list := b.subs[event]
	snapshot := make([]*Subscription, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		if s.released.Load() {
			continue
		}
		s.handler(data)
		delivered++
	}
	return delivered
}

// Count returns the number of live handlers for event.
func (b *Bus) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.Event]
	for i, other := range list {
		if other == s {
			b.subs[s.Event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.Event]) == 0 {
		delete(b.subs, s.Event)
	}
}

// ---------------------------------------------------------------------------
// Scope
// ---------------------------------------------------------------------------

// Scope groups the subscriptions owned by one consumer so they can be
// released together when the consumer goes away.
type Scope struct {
	bus *Bus

	mu   sync.Mutex
	subs []*Subscription
}

// Scope returns a new, empty scope bound to the bus.
func (b *Bus) Scope() *Scope {
	return &Scope{bus: b}
}

// On registers handler through the scope.
func (sc *Scope) On(event string, handler Handler) *Subscription {
	s := sc.bus.On(event, handler)
	sc.mu.Lock()
	sc.subs = append(sc.subs, s)
	sc.mu.Unlock()
	return s
}

// Release releases every subscription registered through the scope.
func (sc *Scope) Release() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = nil
	sc.mu.Unlock()

	for _, s := range subs {
		s.Release()
	}
}

// Len returns the number of subscriptions held by the scope.
func (sc *Scope) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.subs)
}
