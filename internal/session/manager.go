// Package session owns the per-connection orchestrators that bridge a
// browser client to the upstream realtime model: session lifecycle, event
// routing, tool dispatch, transcript capture, and the post-session
// pipeline.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voximetry/voximetry/internal/analysis"
	"github.com/voximetry/voximetry/internal/auth"
	"github.com/voximetry/voximetry/internal/config"
	"github.com/voximetry/voximetry/internal/observe"
	"github.com/voximetry/voximetry/internal/questionnaire"
	"github.com/voximetry/voximetry/internal/store"
	"github.com/voximetry/voximetry/internal/tools"
	"github.com/voximetry/voximetry/internal/voice"
	"github.com/voximetry/voximetry/pkg/live"
)

// Sink receives outbound events for one client connection. The transport
// implements it; the orchestrator never blocks on a slow client, so Send
// must not block.
type Sink interface {
	Send(event string, data map[string]any)
}

// Upstream is the realtime model connection the orchestrator drives.
// *live.Client implements it; tests substitute a scripted fake.
type Upstream interface {
	Connect(ctx context.Context) error
	Events() <-chan live.Event
	SendAudio(pcm []byte) (int64, error)
	SendText(text string) error
	SendToolResponse(id, name string, response map[string]any) error
	Disconnect() error
	Stats() live.Stats
	UpstreamSessionID() string
}

var _ Upstream = (*live.Client)(nil)

// StartParams is what a session:start event carries.
type StartParams struct {
	SessionID       string
	QuestionnaireID string
	VoiceID         string
	Language        string
	UserID          string
	ClientIP        string
}

// Manager owns every running orchestrator and the dependencies they share.
type Manager struct {
	cfg       *config.Config
	store     store.Store
	library   *questionnaire.Library
	resolver  *voice.Resolver
	tokens    *auth.Provider
	baseTools *tools.Registry
	analyzer  analysis.Analyzer
	metrics   *observe.Metrics
	log       *slog.Logger

	newUpstream func(live.Config) Upstream
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Orchestrator
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithMetrics attaches session metrics.
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// WithAnalyzer sets the post-session analyzer. Defaults to analysis.Noop.
func WithAnalyzer(a analysis.Analyzer) ManagerOption {
	return func(m *Manager) { m.analyzer = a }
}

// WithBaseTools registers extra tools (e.g. imported MCP catalogues) that
// every session offers alongside the built-in survey tools.
func WithBaseTools(r *tools.Registry) ManagerOption {
	return func(m *Manager) { m.baseTools = r }
}

// withUpstreamFactory substitutes the upstream constructor for tests.
func withUpstreamFactory(fn func(live.Config) Upstream) ManagerOption {
	return func(m *Manager) { m.newUpstream = fn }
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager.
func NewManager(
	cfg *config.Config,
	st store.Store,
	lib *questionnaire.Library,
	resolver *voice.Resolver,
	tokens *auth.Provider,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    st,
		library:  lib,
		resolver: resolver,
		tokens:   tokens,
		analyzer: analysis.Noop{},
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Orchestrator),
	}
	m.newUpstream = func(lc live.Config) Upstream { return live.New(lc) }
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start creates and launches an orchestrator for one client connection.
func (m *Manager) Start(ctx context.Context, params StartParams, sink Sink) (*Orchestrator, error) {
	if params.SessionID == "" {
		return nil, fmt.Errorf("session: start: session id is required")
	}

	m.mu.Lock()
	if _, ok := m.sessions[params.SessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: start: session %q already running", params.SessionID)
	}
	m.mu.Unlock()

	o, err := m.newOrchestrator(ctx, params, sink)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[params.SessionID] = o
	m.mu.Unlock()

	if err := o.start(ctx); err != nil {
		m.remove(params.SessionID)
		return nil, err
	}
	return o, nil
}

// Get returns the running orchestrator for a session.
func (m *Manager) Get(sessionID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.sessions[sessionID]
	return o, ok
}

// Count returns the number of running sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Shutdown finalizes every running session, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	running := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		running = append(running, o)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range running {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			o.End(ctx, "timeout")
		}(o)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("shutdown deadline hit with sessions still finalizing")
	}
}
