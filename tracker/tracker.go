// Package tracker wires the behavioral-telemetry pipeline together:
// raw UI signals in, well-formed reliably-delivered analytics events
// out. It owns one instance of every pipeline component so hosts and
// tests construct isolated trackers instead of sharing module state.
//
// Nothing in this package ever raises into the host's control flow:
// identity absence, transport failure, and malformed collaborators all
// degrade to a logged warning.
package tracker

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/quartz"

	"github.com/superludanman/behaviortrack/aggregate"
	"github.com/superludanman/behaviortrack/delivery"
	"github.com/superludanman/behaviortrack/editcycle"
	"github.com/superludanman/behaviortrack/event"
	"github.com/superludanman/behaviortrack/identity"
	"github.com/superludanman/behaviortrack/idle"
	"github.com/superludanman/behaviortrack/notify"
)

const (
	DefaultEditDebounce       = 2 * time.Second
	DefaultIncludeTextMaxLen  = 100
	DefaultProblemHintMessage = "Looks like this part is giving you trouble. Want to review the example?"
	// DefaultProblemHintCooldown spaces out struggle hints so an
	// escalating episode does not nag on every cycle.
	DefaultProblemHintCooldown = 2 * time.Minute
)

// Options configures a tracker instance. The zero value of every field
// except the endpoint is usable; an endpoint (or an injected Sender)
// is required.
type Options struct {
	Logger     slog.Logger
	Clock      quartz.Clock
	Registerer prometheus.Registerer

	// IdentityProvider resolves the participant id; see
	// identity.Resolver for precedence and failure semantics.
	IdentityProvider      func() (string, error)
	FallbackParticipantID string

	// IngestURL pins the sink endpoint. APIBase and MetaURL feed the
	// delivery layer's endpoint resolution when IngestURL is empty.
	IngestURL string
	APIBase   string
	MetaURL   func() string
	Beacon    delivery.Beacon
	// Sender bypasses the built-in delivery manager entirely. Used by
	// tests and by hosts with their own transport.
	Sender delivery.Sender

	// PageURL stamps page context onto click batches, focus changes
	// and hints.
	PageURL string

	// EditDebounce is the quiet period that coalesces continuous
	// typing into one code_edit event per pause.
	EditDebounce time.Duration

	// Click batching.
	ClickBatchSize        int
	ClickFlushInterval    time.Duration
	HotClickFlushInterval time.Duration
	// HotClick designates high-churn click regions that must not wait
	// for the full flush interval.
	HotClick          func(event.ClickRecord) bool
	IncludeTextMaxLen int

	EditCycle editcycle.Config
	Idle      idle.Config

	ProblemHintMessage  string
	ProblemHintCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.EditDebounce == 0 {
		o.EditDebounce = DefaultEditDebounce
	}
	if o.ClickBatchSize == 0 {
		o.ClickBatchSize = aggregate.DefaultMaxBatchSize
	}
	if o.ClickFlushInterval == 0 {
		o.ClickFlushInterval = aggregate.DefaultFlushInterval
	}
	if o.HotClickFlushInterval == 0 {
		o.HotClickFlushInterval = aggregate.DefaultHotFlushInterval
	}
	if o.IncludeTextMaxLen == 0 {
		o.IncludeTextMaxLen = DefaultIncludeTextMaxLen
	}
	if o.ProblemHintMessage == "" {
		o.ProblemHintMessage = DefaultProblemHintMessage
	}
	if o.ProblemHintCooldown == 0 {
		o.ProblemHintCooldown = DefaultProblemHintCooldown
	}
	return o
}

// Tracker is one pipeline instance, typically one per page.
type Tracker struct {
	log     slog.Logger
	clock   quartz.Clock
	opts    Options
	builder *event.Builder
	sender  delivery.Sender
	// ownSender is set when the tracker constructed its own delivery
	// manager and therefore owns its shutdown.
	ownSender *delivery.Manager
	debounce  *aggregate.Debouncer
	clicks    *aggregate.Batcher[event.ClickRecord]
	analyzer  *editcycle.Analyzer
	monitor   *idle.Monitor
	bus       *notify.Bus
	metrics   *Metrics

	sent    atomic.Uint64
	dropped atomic.Uint64

	identityWarn sync.Once
	surfaceWarn  sync.Once

	mu                sync.Mutex
	closed            bool
	lastProblemHintAt time.Time
}

func New(opts Options) (*Tracker, error) {
	opts = opts.withDefaults()

	log := opts.Logger
	if opts.Registerer == nil {
		// Metrics stay functional without a host registry.
		opts.Registerer = prometheus.NewRegistry()
	}

	t := &Tracker{
		log:     log,
		clock:   opts.Clock,
		opts:    opts,
		metrics: NewMetrics(opts.Registerer),
		bus:     notify.NewBus(log),
	}

	resolver := &identity.Resolver{
		Provider: opts.IdentityProvider,
		Fallback: opts.FallbackParticipantID,
	}
	t.builder = event.NewBuilder(resolver, opts.Clock)

	t.sender = opts.Sender
	if t.sender == nil {
		mgr, err := delivery.New(
			delivery.WithLogger(log.Named("delivery")),
			delivery.WithURL(opts.IngestURL),
			delivery.WithAPIBase(opts.APIBase),
			delivery.WithMetaURL(opts.MetaURL),
			delivery.WithBeacon(opts.Beacon),
		)
		if err != nil {
			return nil, err
		}
		t.sender = mgr
		t.ownSender = mgr
	}

	t.debounce = aggregate.NewDebouncer(opts.Clock, opts.EditDebounce)

	var batchOpts []aggregate.BatchOption[event.ClickRecord]
	batchOpts = append(batchOpts,
		aggregate.WithLog[event.ClickRecord](log.Named("clicks")),
		aggregate.WithClock[event.ClickRecord](opts.Clock),
		aggregate.WithMaxSize[event.ClickRecord](opts.ClickBatchSize),
		aggregate.WithInterval[event.ClickRecord](opts.ClickFlushInterval),
	)
	if opts.HotClick != nil {
		batchOpts = append(batchOpts, aggregate.WithHot[event.ClickRecord](opts.HotClick, opts.HotClickFlushInterval))
	}
	clicks, err := aggregate.NewBatcher(t.flushClicks, batchOpts...)
	if err != nil {
		return nil, err
	}
	t.clicks = clicks

	t.analyzer = editcycle.New(opts.EditCycle, editcycle.Sinks{
		Batch:   t.flushEdits,
		Large:   t.sendLargeEdit,
		Problem: t.sendProblem,
	},
		editcycle.WithLogger(log.Named("editcycle")),
		editcycle.WithClock(opts.Clock),
	)

	t.monitor = idle.New(opts.Idle, t.bus, idle.Hooks{
		IdleEnd:     t.sendIdleEnd,
		HintShown:   t.sendIdleHint,
		FocusChange: t.sendFocusChange,
	},
		idle.WithLogger(log.Named("idle")),
		idle.WithClock(opts.Clock),
	)

	return t, nil
}

// OnHint registers a UI callback for proactive hints and returns its
// unsubscribe function. Hints are UI-facing notifications, not network
// calls; the matching telemetry events are emitted separately.
func (t *Tracker) OnHint(fn func(notify.Hint)) (unsubscribe func()) {
	return t.bus.Subscribe(fn)
}

// OnEditableContentChanged feeds one editor content snapshot into the
// pipeline. Continuous typing is debounced into one code_edit event
// per pause, while the edit-cycle analyzer sees every signal.
func (t *Tracker) OnEditableContentChanged(surface, content string) {
	if t.isClosed() {
		return
	}
	if surface == "" {
		// A surface without an id cannot be tracked.
		t.surfaceWarn.Do(func() {
			t.log.Warn(context.Background(), "edit signal without surface id, ignoring")
		})
		return
	}
	length := utf8.RuneCountInString(content)

	t.monitor.Activity("code_edit")
	t.analyzer.Observe(surface, length)
	t.debounce.Call("edit:"+surface, func() {
		t.emit(event.TypeCodeEdit, event.CodeEdit{
			EditorName: surface,
			NewLength:  length,
		})
	})
}

// OnClick buffers one normalized click and counts as activity.
func (t *Tracker) OnClick(c Click) {
	if t.isClosed() {
		return
	}
	t.monitor.Activity("click")
	rec := normalizeClick(c, t.clock.Now(), t.opts.IncludeTextMaxLen)
	t.clicks.Add(rec)
}

// OnActivity reports a qualifying activity signal that is neither an
// edit nor a click (scroll, keydown outside an editor, mouse move).
func (t *Tracker) OnActivity() {
	if t.isClosed() {
		return
	}
	t.monitor.Activity("activity")
}

// OnVisibilityChanged reports a page visibility transition. Hiding the
// page forces a final drain of every buffer, since the page may never
// come back.
func (t *Tracker) OnVisibilityChanged(hidden bool) {
	if t.isClosed() {
		return
	}
	t.monitor.VisibilityChanged(hidden)
	if hidden {
		t.drain()
	}
}

// FlushAll force-drains every buffer and closes any open idle session.
// Hosts call it on navigation, before the page is torn down.
func (t *Tracker) FlushAll() {
	if t.isClosed() {
		return
	}
	t.monitor.Flush("flush_all")
	t.drain()
}

// Close drains and permanently stops the tracker. Safe to call more
// than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.monitor.Flush("close")
	t.drain()

	t.monitor.Close()
	t.debounce.StopAll()
	t.clicks.Stop()
	if t.ownSender != nil {
		t.ownSender.Close()
	}
}

// Snapshot is a read-only aggregate of pipeline state for UI display.
type Snapshot struct {
	Edits         editcycle.Snapshot
	PendingClicks int
	EventsSent    uint64
	EventsDropped uint64
}

// AnalysisSnapshot returns read-only aggregate stats.
func (t *Tracker) AnalysisSnapshot() Snapshot {
	return Snapshot{
		Edits:         t.analyzer.Snapshot(),
		PendingClicks: t.clicks.Len(),
		EventsSent:    t.sent.Load(),
		EventsDropped: t.dropped.Load(),
	}
}

// ResetMonitoring clears all per-surface edit state and histories.
func (t *Tracker) ResetMonitoring() {
	t.analyzer.Reset()
}

func (t *Tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// drain flushes the debounced edits, the click buffer and the unsent
// significant-edit history as final payloads.
func (t *Tracker) drain() {
	t.debounce.FlushAll()
	t.clicks.Flush(true)
	if edits := t.analyzer.Drain(); len(edits) > 0 {
		t.sendEditBatch(edits, true)
	}
}

// emit builds and sends one envelope. Identity absence drops the event
// with a single warning; nothing propagates to the caller.
func (t *Tracker) emit(typ event.Type, data any) {
	env, ok := t.builder.Build(typ, data)
	if !ok {
		t.dropped.Add(1)
		t.metrics.EventsDropped.WithLabelValues(ReasonNoIdentity).Inc()
		t.identityWarn.Do(func() {
			t.log.Warn(context.Background(), "no participant identity resolvable, suppressing telemetry",
				slog.F("event_type", typ),
			)
		})
		return
	}
	t.sender.Send(env)
	t.sent.Add(1)
	t.metrics.EventsSent.WithLabelValues(string(typ)).Inc()
}

func (t *Tracker) flushClicks(items []event.ClickRecord, final bool) {
	t.metrics.BatchFlushes.WithLabelValues("clicks", strconv.FormatBool(final)).Inc()
	t.emit(event.TypePageClick, event.ClickBatch{
		Items: items,
		Count: len(items),
		Page:  t.opts.PageURL,
		Final: final,
	})
}

func (t *Tracker) flushEdits(edits []editcycle.SignificantEdit) {
	t.sendEditBatch(edits, false)
}

func (t *Tracker) sendEditBatch(edits []editcycle.SignificantEdit, final bool) {
	t.metrics.BatchFlushes.WithLabelValues("edits", strconv.FormatBool(final)).Inc()
	wire := make([]event.SignificantEdit, len(edits))
	for i, e := range edits {
		wire[i] = wireEdit(e)
	}
	t.emit(event.TypeSignificantEditsBatch, event.SignificantEditsBatch{
		BatchID: uuid.NewString(),
		Count:   len(wire),
		Edits:   wire,
		Final:   final,
	})
}

// sendLargeEdit delivers a single large addition immediately,
// bypassing batching.
func (t *Tracker) sendLargeEdit(e editcycle.SignificantEdit) {
	t.emit(event.TypeSignificantEdit, wireEdit(e))
}

func (t *Tracker) sendProblem(p editcycle.Problem) {
	t.metrics.ProblemsDetected.WithLabelValues(string(p.Severity)).Inc()
	t.emit(event.TypeCodingProblem, event.Problem{
		Editor:           p.Surface,
		ConsecutiveEdits: p.ConsecutiveEdits,
		Severity:         string(p.Severity),
		NetChange:        p.NetChange,
		DurationMS:       p.Duration.Milliseconds(),
	})

	// A struggle episode also nudges the UI, gated by its own
	// cooldown so escalating episodes do not nag on every cycle.
	now := t.clock.Now()
	t.mu.Lock()
	gate := !t.lastProblemHintAt.IsZero() && now.Sub(t.lastProblemHintAt) < t.opts.ProblemHintCooldown
	if !gate {
		t.lastProblemHintAt = now
	}
	t.mu.Unlock()
	if gate {
		return
	}

	t.bus.Publish(notify.Hint{Message: t.opts.ProblemHintMessage, Source: "problem"})
	t.metrics.HintsDisplayed.Inc()
	t.emit(event.TypeProblemHintDisplayed, event.ProblemHint{
		Editor:    p.Surface,
		EditCount: p.ConsecutiveEdits,
		Message:   t.opts.ProblemHintMessage,
	})
}

func (t *Tracker) sendIdleEnd(span idle.Span) {
	t.emit(event.TypeUserIdle, event.UserIdle{
		DurationMS:    span.Duration.Milliseconds(),
		StartedAt:     span.StartedAt,
		EndedAt:       span.EndedAt,
		WasFocused:    span.WasFocused,
		TriggerSource: span.TriggerSource,
	})
}

func (t *Tracker) sendIdleHint(h idle.HintShown) {
	t.metrics.HintsDisplayed.Inc()
	t.emit(event.TypeIdleHintDisplayed, event.IdleHint{
		Message: h.Message,
		IdleMS:  h.IdleFor.Milliseconds(),
		PageURL: t.opts.PageURL,
	})
}

func (t *Tracker) sendFocusChange(hidden bool) {
	t.emit(event.TypePageFocusChange, event.FocusChange{
		Hidden:  hidden,
		PageURL: t.opts.PageURL,
	})
}

func wireEdit(e editcycle.SignificantEdit) event.SignificantEdit {
	return event.SignificantEdit{
		Editor:           e.Surface,
		EditType:         string(e.Kind),
		NetChange:        e.NetChange,
		AbsoluteChange:   e.AbsChange,
		DurationMS:       e.Duration.Milliseconds(),
		ResultingLength:  e.ResultingLength,
		ConsecutiveEdits: e.ConsecutiveEdits,
	}
}

func defaultLogger() slog.Logger {
	return slog.Make(sloghuman.Sink(os.Stderr)).Named("tracker")
}

// NewWithDefaults builds a tracker logging human-readably to stderr,
// for hosts that do not bring their own logger.
func NewWithDefaults(opts Options) (*Tracker, error) {
	opts.Logger = defaultLogger()
	return New(opts)
}
