package aggregate

import (
	"os"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/quartz"
)

const (
	// DefaultMaxBatchSize is the buffer length that forces an
	// immediate flush.
	DefaultMaxBatchSize = 50
	// DefaultFlushInterval is the time-triggered flush window, counted
	// from the moment the buffer becomes non-empty.
	DefaultFlushInterval = 10 * time.Second
	// DefaultHotFlushInterval is the shortened window used once a
	// hot-matching item is buffered.
	DefaultHotFlushInterval = 2 * time.Second
)

// Batcher buffers items and flushes them as one snapshot when the
// buffer reaches its size cap or when the flush window elapses,
// whichever happens first. A flush synchronously swaps the buffer for
// a fresh one before handing the snapshot to the sink, so items
// arriving during an in-flight send are neither lost nor
// double-counted. Within one Batcher, items are flushed in arrival
// order.
type Batcher[T any] struct {
	log         slog.Logger
	clock       quartz.Clock
	maxSize     int
	interval    time.Duration
	hotInterval time.Duration
	hot         func(T) bool
	sink        func(items []T, final bool)

	mu       sync.Mutex
	buf      []T
	timer    *quartz.Timer
	timerHot bool
}

type BatchOption[T any] func(*Batcher[T])

// WithLog sets the batcher's logger.
func WithLog[T any](log slog.Logger) BatchOption[T] {
	return func(b *Batcher[T]) {
		b.log = log
	}
}

// WithClock replaces the wall clock, for testing.
func WithClock[T any](clock quartz.Clock) BatchOption[T] {
	return func(b *Batcher[T]) {
		b.clock = clock
	}
}

// WithMaxSize sets the size cap that triggers an immediate flush.
func WithMaxSize[T any](n int) BatchOption[T] {
	return func(b *Batcher[T]) {
		b.maxSize = n
	}
}

// WithInterval sets the time-triggered flush window.
func WithInterval[T any](d time.Duration) BatchOption[T] {
	return func(b *Batcher[T]) {
		b.interval = d
	}
}

// WithHot designates hot items and their shortened flush window. When
// a hot item is enqueued while a slower timer is already pending, the
// timer is rescheduled to the shorter window so hot traffic is never
// delayed by a batch mixed with cold traffic.
func WithHot[T any](match func(T) bool, d time.Duration) BatchOption[T] {
	return func(b *Batcher[T]) {
		b.hot = match
		b.hotInterval = d
	}
}

// NewBatcher creates a batcher delivering snapshots to sink. The sink
// is always invoked outside the batcher's lock.
func NewBatcher[T any](sink func(items []T, final bool), opts ...BatchOption[T]) (*Batcher[T], error) {
	if sink == nil {
		return nil, xerrors.New("no sink configured for batcher")
	}
	b := &Batcher[T]{
		log:         slog.Make(sloghuman.Sink(os.Stderr)).Named("batcher"),
		clock:       quartz.NewReal(),
		maxSize:     DefaultMaxBatchSize,
		interval:    DefaultFlushInterval,
		hotInterval: DefaultHotFlushInterval,
		sink:        sink,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxSize <= 0 {
		return nil, xerrors.Errorf("invalid max batch size %d", b.maxSize)
	}
	if b.interval <= 0 {
		return nil, xerrors.Errorf("invalid flush interval %v", b.interval)
	}
	b.buf = make([]T, 0, b.maxSize)
	return b, nil
}

// Add buffers one item. Reaching the size cap flushes synchronously.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.buf = append(b.buf, item)

	if len(b.buf) >= b.maxSize {
		items := b.detachLocked()
		b.mu.Unlock()
		b.sink(items, false)
		return
	}

	isHot := b.hot != nil && b.hot(item)
	switch {
	case b.timer == nil:
		d := b.interval
		if isHot {
			d = b.hotInterval
		}
		b.timerHot = isHot
		b.timer = b.clock.AfterFunc(d, b.timerFired, "batch")
	case isHot && !b.timerHot:
		b.timerHot = true
		b.timer.Reset(b.hotInterval)
	}
	b.mu.Unlock()
}

// Len reports the current buffer length.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush drains the buffer immediately. final marks an end-of-session
// drain (page hidden, unload) so the sink can distinguish it from a
// routine flush. Flushing an empty buffer is a no-op.
func (b *Batcher[T]) Flush(final bool) {
	b.mu.Lock()
	items := b.detachLocked()
	b.mu.Unlock()
	if len(items) == 0 {
		return
	}
	b.sink(items, final)
}

// Stop cancels any pending flush timer without draining. Buffered
// items remain for a later Flush.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
}

func (b *Batcher[T]) timerFired() {
	b.mu.Lock()
	b.timer = nil
	b.timerHot = false
	items := b.buf
	b.buf = make([]T, 0, b.maxSize)
	b.mu.Unlock()
	if len(items) == 0 {
		return
	}
	b.sink(items, false)
}

// detachLocked swaps the buffer for a fresh one and cancels the
// pending timer. The caller must hold b.mu.
func (b *Batcher[T]) detachLocked() []T {
	items := b.buf
	b.buf = make([]T, 0, b.maxSize)
	b.stopTimerLocked()
	return items
}

func (b *Batcher[T]) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.timerHot = false
	}
}
