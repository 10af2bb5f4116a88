// Package delivery transmits event envelopes to the behavior log
// ingest endpoint. Delivery is fire-and-forget and at-most-once: a
// failed send is logged and dropped, never retried, and never raises
// to the caller.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/superludanman/behaviortrack/buildinfo"
	"github.com/superludanman/behaviortrack/event"
)

// DefaultPath is the ingest path resolved against the API base when
// nothing else configures an endpoint.
const DefaultPath = "/behavior/log"

// Sender is the minimal surface the pipeline needs from a delivery
// layer. Send never blocks on the network and never returns an error.
type Sender interface {
	Send(env *event.Envelope)
}

// Beacon is an unload-safe transport capability supplied by the host
// (e.g. a webview bridge to navigator.sendBeacon). It is preferred over
// HTTP because it is guaranteed to survive page teardown. SendBeacon
// returns false when the payload was not accepted.
type Beacon interface {
	SendBeacon(url string, body []byte) bool
}

var (
	overrideMu  sync.RWMutex
	overrideURL string
)

// SetDefaultURL sets an app-scoped ingest URL used by managers that
// have no per-instance URL configured. It lets the hosting application
// redirect the sink without touching call sites.
func SetDefaultURL(u string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	overrideURL = u
}

func defaultURL() string {
	overrideMu.RLock()
	defer overrideMu.RUnlock()
	return overrideURL
}

// Manager selects a transport and sends envelopes without credentials.
// Participant identity travels only inside the JSON body; the HTTP
// client carries no cookie jar and no auth headers.
type Manager struct {
	log     slog.Logger
	url     string
	apiBase string
	metaURL func() string
	beacon  Beacon
	client  *http.Client

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	inflight  sync.WaitGroup
}

type Option func(*Manager)

// WithLogger sets the logger used for dropped-send diagnostics.
func WithLogger(log slog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithURL pins the ingest endpoint for this instance. It takes
// precedence over every other endpoint source.
func WithURL(u string) Option {
	return func(m *Manager) {
		m.url = u
	}
}

// WithAPIBase sets the base against which DefaultPath is resolved when
// no explicit endpoint is configured.
func WithAPIBase(base string) Option {
	return func(m *Manager) {
		m.apiBase = base
	}
}

// WithMetaURL supplies a page-embedded endpoint declaration (e.g. a
// <meta> lookup). Consulted after the app-scoped override.
func WithMetaURL(f func() string) Option {
	return func(m *Manager) {
		m.metaURL = f
	}
}

// WithBeacon supplies the unload-safe transport capability.
func WithBeacon(b Beacon) Option {
	return func(m *Manager) {
		m.beacon = b
	}
}

// WithHTTPClient replaces the fallback HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.client = c
	}
}

func New(opts ...Option) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:    slog.Make(sloghuman.Sink(os.Stderr)).Named("delivery"),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		// No cookie jar: transport-level session identity must not
		// leak alongside the body.
		m.client = &http.Client{}
	}
	if m.url == "" && m.apiBase == "" && m.metaURL == nil && defaultURL() == "" {
		cancel()
		return nil, xerrors.New("no ingest endpoint configured")
	}
	return m, nil
}

// Endpoint resolves the ingest URL with the documented precedence:
// per-instance URL, app-scoped override, page-embedded declaration,
// then DefaultPath against the API base. It is re-resolved on every
// send so late overrides take effect.
func (m *Manager) Endpoint() string {
	if m.url != "" {
		return m.url
	}
	if u := defaultURL(); u != "" {
		return u
	}
	if m.metaURL != nil {
		if u := m.metaURL(); u != "" {
			return u
		}
	}
	return strings.TrimSuffix(m.apiBase, "/") + DefaultPath
}

// Send transmits one envelope. The beacon transport is tried first; on
// absence or refusal a keep-alive POST is issued on the manager's own
// context so it is not tied to the caller's lifetime. Send returns
// immediately in all cases.
func (m *Manager) Send(env *event.Envelope) {
	select {
	case <-m.closed:
		m.log.Debug(m.ctx, "send after close, dropping", slog.F("event_type", env.Type))
		return
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		m.log.Error(m.ctx, "marshal envelope", slog.F("event_type", env.Type), slog.Error(err))
		return
	}
	url := m.Endpoint()

	if m.beacon != nil && m.beacon.SendBeacon(url, data) {
		return
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.post(url, env.Type, data)
	}()
}

func (m *Manager) post(url string, t event.Type, data []byte) {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		m.log.Debug(m.ctx, "create ingest request", slog.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Version", buildinfo.Version())

	resp, err := m.client.Do(req)
	if err != nil {
		// Best effort. The event is dropped, not retried.
		m.log.Debug(m.ctx, "submit event", slog.F("event_type", t), slog.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		m.log.Debug(m.ctx, "ingest rejected event",
			slog.F("event_type", t),
			slog.F("status_code", resp.StatusCode),
		)
	}
}

// Close stops accepting new envelopes and waits for in-flight sends to
// finish. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.inflight.Wait()
		m.cancel()
	})
}
