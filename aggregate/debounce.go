// Package aggregate implements the two temporal coalescing strategies
// of the pipeline: quiet-period debouncing and size/time-triggered
// batch buffering.
package aggregate

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Debouncer collapses a burst of same-key calls into a single
// invocation fired quiet-period after the last call in the burst. The
// function of the most recent call wins.
type Debouncer struct {
	clock quartz.Clock
	quiet time.Duration

	mu      sync.Mutex
	pending map[string]*debounced
}

type debounced struct {
	timer *quartz.Timer
	f     func()
}

func NewDebouncer(clock quartz.Clock, quiet time.Duration) *Debouncer {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Debouncer{
		clock:   clock,
		quiet:   quiet,
		pending: make(map[string]*debounced),
	}
}

// Call schedules f to run after the quiet period. A pending timer for
// the same key is reset rather than duplicated, so each burst fires
// exactly once.
func (d *Debouncer) Call(key string, f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.f = f
		p.timer.Reset(d.quiet)
		return
	}
	p := &debounced{f: f}
	p.timer = d.clock.AfterFunc(d.quiet, func() {
		d.fire(key)
	}, "debounce", key)
	d.pending[key] = p
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		p.f()
	}
}

// Flush fires a pending call for key immediately, if any. Used on
// page hide so a trailing edit is not lost to the quiet period.
func (d *Debouncer) Flush(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
		p.timer.Stop()
	}
	d.mu.Unlock()
	if ok {
		p.f()
	}
}

// FlushAll fires every pending call immediately.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		fns = append(fns, p.f)
		delete(d.pending, key)
	}
	d.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// Stop cancels a pending call for key without firing it.
func (d *Debouncer) Stop(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// StopAll cancels every pending call without firing.
func (d *Debouncer) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
