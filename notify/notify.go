// Package notify is a small in-process notification bus for UI-facing
// hints. It decouples the idle and problem analyzers from any specific
// UI: consumers register a callback instead of listening for a DOM
// event.
package notify

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
)

// Hint is a UI-facing nudge. It is not itself a network call; the
// matching telemetry event is emitted separately by the producer.
type Hint struct {
	// Message is the user-visible text.
	Message string
	// Source names the producer, e.g. "idle" or "problem".
	Source string
	// IdleFor is how long the user had been inactive when the hint
	// fired. Zero for non-idle hints.
	IdleFor time.Duration
}

// Bus fans a published hint out to all subscribers, synchronously and
// in subscription order. A panicking subscriber is isolated so it
// cannot take down the producer or starve other subscribers.
type Bus struct {
	log slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Hint)
	order  []int
}

func NewBus(log slog.Logger) *Bus {
	return &Bus{
		log:  log.Named("notify"),
		subs: make(map[int]func(Hint)),
	}
}

// Subscribe registers fn and returns its unsubscribe function, which
// is idempotent.
func (b *Bus) Subscribe(fn func(Hint)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers h to every current subscriber.
func (b *Bus) Publish(h Hint) {
	b.mu.Lock()
	fns := make([]func(Hint), 0, len(b.subs))
	for _, id := range b.order {
		if fn, ok := b.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(fn, h)
	}
}

func (b *Bus) deliver(fn func(Hint), h Hint) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(context.Background(), "hint subscriber panicked",
				slog.F("source", h.Source),
				slog.F("panic", r),
			)
		}
	}()
	fn(h)
}
