package events

import (
	"sync"
	"sync/atomic"

	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
)

// Handler receives one Event value. Implementations type-switch on Kind (or
// on the concrete Go type) to reach the payload they care about.
type Handler func(evt any)

// slot is one installed handler, tagged with the plugin that owns it so
// Uninstall can remove every handler a plugin registered without the plugin
// having to track its own subscription handles.
type slot struct {
	owner   string
	handler Handler
}

// Bus is a typed callback-slot registry keyed by event Kind. Plugins install
// handlers when they start and every slot they own is removed when they
// stop, mirroring the kernel's start/stop lifecycle rather than exposing a
// generic long-lived subscribe/unsubscribe API.
type Bus struct {
	mu      sync.RWMutex
	slots   map[Kind][]slot
	emitted atomic.Int64
}

// NewBus constructs an empty registry.
func NewBus() *Bus {
	return &Bus{slots: make(map[Kind][]slot)}
}

// Install registers handler under owner for the given kind. A plugin may
// install more than one handler for the same kind; all fire in registration
// order.
func (b *Bus) Install(owner string, kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[kind] = append(b.slots[kind], slot{owner: owner, handler: handler})
}

// Uninstall removes every slot owner installed, across all kinds. Called
// when a plugin stops or is disabled.
func (b *Bus) Uninstall(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, slots := range b.slots {
		kept := slots[:0:0]
		for _, s := range slots {
			if s.owner != owner {
				kept = append(kept, s)
			}
		}
		b.slots[kind] = kept
	}
}

// Publish dispatches evt to every handler installed for kind, in
// registration order. Handlers run synchronously on the caller's goroutine;
// callers that capture on a hot path should keep handlers cheap or hand off
// internally.
func (b *Bus) Publish(kind Kind, evt any) {
	b.mu.RLock()
	slots := append([]slot(nil), b.slots[kind]...)
	b.mu.RUnlock()

	b.emitted.Add(1)
	for _, s := range slots {
		b.dispatch(s, kind, evt)
	}
}

// dispatch invokes one handler with a recover boundary: a panicking handler
// is logged and dropped rather than unwinding into the host's capture path
// (an HTTP round trip, a WS frame send) and taking down code that has
// nothing to do with the plugin that installed it.
func (b *Bus) dispatch(s slot, kind Kind, evt any) {
	defer func() {
		if r := recover(); r != nil {
			logging.For("events").Error().
				Str("owner", s.owner).
				Str("kind", string(kind)).
				Interface("panic", r).
				Msg("event handler panicked, dropping")
		}
	}()
	s.handler(evt)
}

// HandlerCount reports how many handlers are installed for kind, used by
// tests and the diagnostics endpoint.
func (b *Bus) HandlerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots[kind])
}

// EventsEmitted reports the total number of Publish calls observed so far,
// used by the stats plugin to derive a per-interval throughput figure.
func (b *Bus) EventsEmitted() int64 {
	return b.emitted.Load()
}
