// Package editcycle classifies raw content-length signals from editor
// surfaces into meaningful edits, delete-then-rewrite cycles, and
// repeated-struggle problem episodes.
package editcycle

import (
	"context"
	"os"
	"sync"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/quartz"
)

// Severity grades a problem episode by the consecutive-edit count at
// cycle completion.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityFor maps a consecutive-edit count to a severity grade.
func SeverityFor(consecutiveEdits int) Severity {
	switch {
	case consecutiveEdits >= 10:
		return SeverityHigh
	case consecutiveEdits >= 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Kind classifies a significant edit.
type Kind string

const (
	// KindAddition is a forward-progress edit: content grew past the
	// magnitude threshold while the surface was not mid-delete.
	KindAddition Kind = "addition"
	// KindEditCycle is a completed delete-then-rewrite sequence.
	KindEditCycle Kind = "edit_cycle"
)

// SignificantEdit is one recorded meaningful edit on a surface.
type SignificantEdit struct {
	Surface          string
	Kind             Kind
	At               time.Time
	NetChange        int
	AbsChange        int
	Duration         time.Duration
	ResultingLength  int
	ConsecutiveEdits int
}

// Problem is the struggle heuristic: the surface completed an edit
// cycle with at least the threshold number of consecutive edits.
type Problem struct {
	Surface          string
	ConsecutiveEdits int
	Severity         Severity
	NetChange        int
	Duration         time.Duration
	At               time.Time
}

// Config tunes the analyzer. Zero values take the defaults.
type Config struct {
	// MinChangeThreshold is the magnitude below which an edit or
	// net cycle change is noise.
	MinChangeThreshold int
	// MeaningfulEditTimeout guards against treating fast continuous
	// typing as many separate meaningful additions.
	MeaningfulEditTimeout time.Duration
	// ProblemThreshold is the consecutive-edit count at which a
	// completed cycle becomes a problem episode.
	ProblemThreshold int
	// LargeChangeThreshold is the single-addition magnitude that
	// bypasses batching.
	LargeChangeThreshold int
	// BatchSize is how many unsent significant edits accumulate
	// before a batch is handed to the sink.
	BatchSize int
	// HistoryLimit bounds the retained edit history, oldest evicted.
	HistoryLimit int
	// BufferCap bounds each surface's raw edit ring buffer.
	BufferCap int
}

func (c Config) withDefaults() Config {
	if c.MinChangeThreshold == 0 {
		c.MinChangeThreshold = 10
	}
	if c.MeaningfulEditTimeout == 0 {
		c.MeaningfulEditTimeout = 2 * time.Second
	}
	if c.ProblemThreshold == 0 {
		c.ProblemThreshold = 3
	}
	if c.LargeChangeThreshold == 0 {
		c.LargeChangeThreshold = 50
	}
	if c.BatchSize == 0 {
		c.BatchSize = 5
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 100
	}
	if c.BufferCap == 0 {
		c.BufferCap = 50
	}
	return c
}

// rawEdit is one observed length delta, kept in the per-surface ring
// buffer for later analysis and export.
type rawEdit struct {
	At     time.Time
	Delta  int
	Length int
}

// surfaceState is the per-surface machine: Idle or Deleting.
type surfaceState struct {
	lastLength           int
	lastMeaningfulEditAt time.Time
	isDeleting           bool
	deleteStartAt        time.Time
	deleteStartLength    int
	consecutiveEdits     int
	buf                  []rawEdit
}

// Sinks receive the analyzer's classified output. A nil sink disables
// that emission. Sinks are always invoked outside the analyzer's lock,
// after the state transition completed.
type Sinks struct {
	// Batch receives the most recent unsent significant edits whenever
	// BatchSize of them accumulate.
	Batch func(edits []SignificantEdit)
	// Large receives single additions whose magnitude crosses
	// LargeChangeThreshold. These bypass batching.
	Large func(edit SignificantEdit)
	// Problem receives struggle episodes. Problems are time-sensitive
	// for any consumer offering help and must be delivered
	// immediately, never batched.
	Problem func(p Problem)
}

// Analyzer owns all per-surface edit state. It is safe for concurrent
// use; each signal is processed in full before the next mutates the
// same surface.
type Analyzer struct {
	log   slog.Logger
	clock quartz.Clock
	cfg   Config
	sinks Sinks

	mu       sync.Mutex
	surfaces map[string]*surfaceState
	history  []SignificantEdit
	unsent   int
}

func New(cfg Config, sinks Sinks, opts ...Option) *Analyzer {
	a := &Analyzer{
		log:      slog.Make(sloghuman.Sink(os.Stderr)).Named("editcycle"),
		clock:    quartz.NewReal(),
		cfg:      cfg.withDefaults(),
		sinks:    sinks,
		surfaces: make(map[string]*surfaceState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type Option func(*Analyzer)

// WithLogger sets the analyzer's logger.
func WithLogger(log slog.Logger) Option {
	return func(a *Analyzer) {
		a.log = log
	}
}

// WithClock replaces the wall clock, for testing.
func WithClock(clock quartz.Clock) Option {
	return func(a *Analyzer) {
		a.clock = clock
	}
}

// Observe processes one raw length signal for a surface. The first
// observation of a surface is measured against an empty baseline.
func (a *Analyzer) Observe(surface string, newLength int) {
	now := a.clock.Now()

	a.mu.Lock()
	s, ok := a.surfaces[surface]
	if !ok {
		s = &surfaceState{}
		a.surfaces[surface] = s
	}

	delta := newLength - s.lastLength
	s.lastLength = newLength
	s.pushRaw(rawEdit{At: now, Delta: delta, Length: newLength}, a.cfg.BufferCap)

	var (
		edit    *SignificantEdit
		problem *Problem
	)
	switch {
	case delta < 0:
		if !s.isDeleting {
			s.isDeleting = true
			s.deleteStartAt = now
			s.deleteStartLength = newLength - delta
			s.consecutiveEdits++
		}
	case delta > 0 && s.isDeleting:
		// Delete-then-rewrite cycle completed.
		s.isDeleting = false
		net := newLength - s.deleteStartLength
		dur := now.Sub(s.deleteStartAt)
		if abs(net) >= a.cfg.MinChangeThreshold {
			edit = &SignificantEdit{
				Surface:          surface,
				Kind:             KindEditCycle,
				At:               now,
				NetChange:        net,
				AbsChange:        abs(net),
				Duration:         dur,
				ResultingLength:  newLength,
				ConsecutiveEdits: s.consecutiveEdits,
			}
			s.lastMeaningfulEditAt = now
		}
		if s.consecutiveEdits >= a.cfg.ProblemThreshold {
			problem = &Problem{
				Surface:          surface,
				ConsecutiveEdits: s.consecutiveEdits,
				Severity:         SeverityFor(s.consecutiveEdits),
				NetChange:        net,
				Duration:         dur,
				At:               now,
			}
		}
	case delta > 0:
		if delta >= a.cfg.MinChangeThreshold &&
			(s.lastMeaningfulEditAt.IsZero() || now.Sub(s.lastMeaningfulEditAt) > a.cfg.MeaningfulEditTimeout) {
			edit = &SignificantEdit{
				Surface:         surface,
				Kind:            KindAddition,
				At:              now,
				NetChange:       delta,
				AbsChange:       delta,
				ResultingLength: newLength,
			}
			s.lastMeaningfulEditAt = now
			// Forward progress ends a struggle streak.
			s.consecutiveEdits = 0
		}
	}

	var (
		batch []SignificantEdit
		large *SignificantEdit
	)
	if edit != nil {
		batch, large = a.recordLocked(*edit)
	}
	a.mu.Unlock()

	// Emissions happen outside the lock so sinks may call back into
	// the analyzer. The problem goes out first: it is the
	// time-sensitive signal.
	if problem != nil {
		a.log.Debug(context.Background(), "problem episode detected",
			slog.F("surface", surface),
			slog.F("consecutive_edits", problem.ConsecutiveEdits),
			slog.F("severity", problem.Severity),
		)
		if a.sinks.Problem != nil {
			a.sinks.Problem(*problem)
		}
	}
	if large != nil && a.sinks.Large != nil {
		a.sinks.Large(*large)
	}
	if len(batch) > 0 && a.sinks.Batch != nil {
		a.sinks.Batch(batch)
	}
}

// recordLocked appends an edit to the bounded history and applies the
// submission policy: large additions bypass batching entirely, and a
// batch of the most recent unsent edits is cut once BatchSize of them
// accumulate. Caller holds a.mu.
func (a *Analyzer) recordLocked(edit SignificantEdit) (batch []SignificantEdit, large *SignificantEdit) {
	a.history = append(a.history, edit)
	if len(a.history) > a.cfg.HistoryLimit {
		drop := len(a.history) - a.cfg.HistoryLimit
		a.history = a.history[drop:]
		if a.unsent > len(a.history) {
			a.unsent = len(a.history)
		}
	}

	if edit.Kind == KindAddition && edit.AbsChange >= a.cfg.LargeChangeThreshold {
		e := edit
		return nil, &e
	}

	a.unsent++
	if a.unsent >= a.cfg.BatchSize {
		batch = a.takeUnsentLocked(a.cfg.BatchSize)
	}
	return batch, nil
}

// takeUnsentLocked cuts the most recent n unsent edits from history.
func (a *Analyzer) takeUnsentLocked(n int) []SignificantEdit {
	if n > a.unsent {
		n = a.unsent
	}
	if n > len(a.history) {
		n = len(a.history)
	}
	if n == 0 {
		return nil
	}
	batch := make([]SignificantEdit, n)
	copy(batch, a.history[len(a.history)-n:])
	a.unsent -= n
	return batch
}

// Drain returns all unsent significant edits, marking them sent. Used
// for the final flush on page hide or forced drain.
func (a *Analyzer) Drain() []SignificantEdit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeUnsentLocked(a.unsent)
}

// Reset clears all per-surface state and recorded history. Idempotent.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.surfaces = make(map[string]*surfaceState)
	a.history = nil
	a.unsent = 0
}

// SurfaceStats is a read-only view of one surface's machine.
type SurfaceStats struct {
	LastLength       int
	ConsecutiveEdits int
	IsDeleting       bool
	BufferedSignals  int
}

// Snapshot is a read-only aggregate of the analyzer's state, for UI
// display.
type Snapshot struct {
	Surfaces    map[string]SurfaceStats
	HistoryLen  int
	UnsentEdits int
}

func (a *Analyzer) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		Surfaces:    make(map[string]SurfaceStats, len(a.surfaces)),
		HistoryLen:  len(a.history),
		UnsentEdits: a.unsent,
	}
	for name, s := range a.surfaces {
		snap.Surfaces[name] = SurfaceStats{
			LastLength:       s.lastLength,
			ConsecutiveEdits: s.consecutiveEdits,
			IsDeleting:       s.isDeleting,
			BufferedSignals:  len(s.buf),
		}
	}
	return snap
}

func (s *surfaceState) pushRaw(e rawEdit, capacity int) {
	if len(s.buf) >= capacity {
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = e
		return
	}
	s.buf = append(s.buf, e)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
