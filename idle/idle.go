// Package idle tracks last-activity time, converts true idle intervals
// into user_idle telemetry, and fires at most one cooldown-gated
// proactive hint per idle episode.
package idle

import (
	"os"
	"sync"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/quartz"

	"github.com/superludanman/behaviortrack/notify"
)

const (
	DefaultIdleThreshold = 60 * time.Second
	// DefaultHintDelay is measured from idle onset, not from the last
	// activity.
	DefaultHintDelay = 30 * time.Second
	// DefaultCooldown is the minimum spacing between two hints.
	DefaultCooldown = 5 * time.Minute
)

// DefaultMessages is the rotating hint list used when the host
// configures none.
var DefaultMessages = []string{
	"Stuck? Try breaking the problem into smaller steps.",
	"Need a refresher? The lesson notes for this topic may help.",
	"Tip: run your code often to catch problems early.",
}

// Config tunes the monitor. Zero values take the defaults.
type Config struct {
	IdleThreshold time.Duration
	HintDelay     time.Duration
	Cooldown      time.Duration
	Messages      []string
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold == 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.HintDelay == 0 {
		c.HintDelay = DefaultHintDelay
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if len(c.Messages) == 0 {
		c.Messages = DefaultMessages
	}
	return c
}

// Span is one closed idle session. StartedAt is when the inactivity
// timer fired; Duration is the true idle interval measured from the
// last qualifying activity, so it always exceeds the idle threshold.
type Span struct {
	StartedAt     time.Time
	EndedAt       time.Time
	Duration      time.Duration
	WasFocused    bool
	TriggerSource string
}

// HintShown reports that a proactive hint fired.
type HintShown struct {
	Message string
	IdleFor time.Duration
}

// Hooks receive the monitor's output. Nil hooks disable that emission.
// Hooks are invoked outside the monitor's lock.
type Hooks struct {
	IdleEnd     func(Span)
	HintShown   func(HintShown)
	FocusChange func(hidden bool)
}

// Monitor owns the idle state machine. One instance per page.
type Monitor struct {
	log      slog.Logger
	clock    quartz.Clock
	cfg      Config
	notifier *notify.Bus
	hooks    Hooks

	mu             sync.Mutex
	closed         bool
	hidden         bool
	lastActivityAt time.Time
	idleStartedAt  time.Time // zero means not idle
	lastHintAt     time.Time
	msgIdx         int
	idleTimer      *quartz.Timer
	hintTimer      *quartz.Timer
}

type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(log slog.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

// WithClock replaces the wall clock, for testing.
func WithClock(clock quartz.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// New creates a monitor and immediately arms the inactivity timer.
// notifier may be nil when no UI consumes hints.
func New(cfg Config, notifier *notify.Bus, hooks Hooks, opts ...Option) *Monitor {
	m := &Monitor{
		log:      slog.Make(sloghuman.Sink(os.Stderr)).Named("idle"),
		clock:    quartz.NewReal(),
		cfg:      cfg.withDefaults(),
		notifier: notifier,
		hooks:    hooks,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mu.Lock()
	m.lastActivityAt = m.clock.Now()
	m.idleTimer = m.clock.AfterFunc(m.cfg.IdleThreshold, m.idleFired, "idle")
	m.mu.Unlock()
	return m
}

// Activity records a qualifying activity signal: it closes any open
// idle session and re-arms the inactivity timer from now.
func (m *Monitor) Activity(source string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	span := m.closeSessionLocked(source, !m.hidden)
	m.lastActivityAt = m.clock.Now()
	if !m.hidden {
		m.idleTimer.Reset(m.cfg.IdleThreshold)
	}
	m.mu.Unlock()

	if span != nil && m.hooks.IdleEnd != nil {
		m.hooks.IdleEnd(*span)
	}
}

// VisibilityChanged reports a page visibility transition. Hiding the
// page closes any open idle session immediately (the final flush) and
// suspends the timers; becoming visible counts as fresh activity.
func (m *Monitor) VisibilityChanged(hidden bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	wasHidden := m.hidden
	m.hidden = hidden

	var span *Span
	if hidden {
		span = m.closeSessionLocked("page_hidden", false)
		m.idleTimer.Stop()
		m.stopHintTimerLocked()
	} else if wasHidden {
		m.lastActivityAt = m.clock.Now()
		m.idleTimer.Reset(m.cfg.IdleThreshold)
	}
	m.mu.Unlock()

	if m.hooks.FocusChange != nil {
		m.hooks.FocusChange(hidden)
	}
	if span != nil && m.hooks.IdleEnd != nil {
		m.hooks.IdleEnd(*span)
	}
}

// Flush force-closes an open idle session without counting as user
// activity. Used by the forced drain on unload/navigation.
func (m *Monitor) Flush(source string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	span := m.closeSessionLocked(source, !m.hidden)
	if span != nil && !m.hidden {
		// A fresh session may begin one threshold from now.
		m.lastActivityAt = m.clock.Now()
		m.idleTimer.Reset(m.cfg.IdleThreshold)
	}
	m.mu.Unlock()

	if span != nil && m.hooks.IdleEnd != nil {
		m.hooks.IdleEnd(*span)
	}
}

// Close stops all timers. An open idle session is discarded; callers
// wanting a closing user_idle event flush first.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.idleTimer.Stop()
	m.stopHintTimerLocked()
}

// closeSessionLocked converts the open idle session, if any, into a
// Span. Caller holds m.mu.
func (m *Monitor) closeSessionLocked(source string, focused bool) *Span {
	if m.idleStartedAt.IsZero() {
		return nil
	}
	now := m.clock.Now()
	span := &Span{
		StartedAt:     m.idleStartedAt,
		EndedAt:       now,
		Duration:      now.Sub(m.lastActivityAt),
		WasFocused:    focused,
		TriggerSource: source,
	}
	m.idleStartedAt = time.Time{}
	m.stopHintTimerLocked()
	return span
}

func (m *Monitor) stopHintTimerLocked() {
	if m.hintTimer != nil {
		m.hintTimer.Stop()
		m.hintTimer = nil
	}
}

func (m *Monitor) idleFired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.hidden || !m.idleStartedAt.IsZero() {
		return
	}
	m.idleStartedAt = m.clock.Now()
	// The hint delay runs from idle onset, not from the last activity.
	m.hintTimer = m.clock.AfterFunc(m.cfg.HintDelay, m.hintFired, "hint")
}

func (m *Monitor) hintFired() {
	m.mu.Lock()
	if m.closed || m.hidden || m.idleStartedAt.IsZero() {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if !m.lastHintAt.IsZero() && now.Sub(m.lastHintAt) < m.cfg.Cooldown {
		// Cooldown not yet elapsed: this idle episode gets no hint.
		m.mu.Unlock()
		return
	}
	msg := m.cfg.Messages[m.msgIdx%len(m.cfg.Messages)]
	m.msgIdx++
	m.lastHintAt = now
	idleFor := now.Sub(m.lastActivityAt)
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.Publish(notify.Hint{Message: msg, Source: "idle", IdleFor: idleFor})
	}
	if m.hooks.HintShown != nil {
		m.hooks.HintShown(HintShown{Message: msg, IdleFor: idleFor})
	}
}
