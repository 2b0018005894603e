package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/domscout/driver"
	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/idgen"
	"github.com/hazyhaar/domscout/kit"
	"github.com/hazyhaar/domscout/sched"
	"github.com/hazyhaar/domscout/statestore"
)

var (
	newSessionID = idgen.UUIDv4()
	newContextID = idgen.Prefixed("ctx", idgen.UUIDv7())
)

// CleanupLevel grades the manager's response to resource pressure.
type CleanupLevel string

const (
	CleanupSoft       CleanupLevel = "soft"
	CleanupModerate   CleanupLevel = "moderate"
	CleanupAggressive CleanupLevel = "aggressive"
)

// CacheInvalidator lets soft cleanup drop per-context element caches.
// Implemented by selector.Engine.
type CacheInvalidator interface {
	InvalidateContext(contextID string)
}

// Config configures the Manager.
type Config struct {
	// MaxSessions caps concurrently active sessions. Default 50.
	MaxSessions int
	// AcquireTimeout bounds how long Create waits when saturated.
	// Default 10s.
	AcquireTimeout time.Duration
	// CreateTimeout bounds browser startup. Default 15s.
	CreateTimeout time.Duration
	// TerminateTimeout bounds graceful termination. Default 5s.
	TerminateTimeout time.Duration

	// Factory builds the per-session browser. Default NewRodBrowser.
	Factory Factory
	// RewriteURL, when set, maps every navigation target before the
	// driver sees it. Test mode points it at local stub pages.
	RewriteURL func(string) string

	// Caches receives invalidations on soft cleanup and context close.
	Caches CacheInvalidator

	Scheduler *sched.Scheduler
	Bus       *events.Bus
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = sched.DefaultMaxSessions
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 15 * time.Second
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = 5 * time.Second
	}
	if c.Factory == nil {
		c.Factory = NewRodBrowser
	}
	if c.Scheduler == nil {
		c.Scheduler = sched.New(c.MaxSessions)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager is the arena owning every session.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	states *statestore.Store
	sched  *sched.Scheduler
	corrs  *idgen.Tree

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager. states may be nil to disable state
// persistence.
func NewManager(cfg Config, states *statestore.Store) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		states:   states,
		sched:    cfg.Scheduler,
		corrs:    idgen.NewTree(),
		sessions: make(map[string]*Session),
	}
}

// Scheduler exposes the concurrency kernel shared with other
// components.
func (m *Manager) Scheduler() *sched.Scheduler { return m.sched }

// Create brings a new session to the active state. It blocks up to the
// acquire timeout when the global session cap is saturated.
func (m *Manager) Create(ctx context.Context, cfg SessionConfig) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	if err := m.sched.Sessions.Acquire(ctx, m.cfg.AcquireTimeout); err != nil {
		return nil, &CreationError{Err: err}
	}

	s := &Session{
		id:           newSessionID(),
		corrID:       m.corrs.Root(),
		cfg:          cfg,
		createdAt:    time.Now(),
		state:        StateInitializing,
		lastActivity: time.Now(),
		contexts:     make(map[string]*TabContext),
		release:      m.sched.Sessions.Release,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	defer cancel()
	createCtx = kit.WithCorrelationID(createCtx, s.corrID)

	browser, err := m.cfg.Factory(createCtx, cfg, BrowserDeps{Bus: m.bus, Logger: m.logger})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		s.releaseSlot()
		m.logger.Error("session create failed", "session", s.id, "corr", s.corrID, "error", err)
		return nil, &CreationError{Err: err}
	}

	s.mu.Lock()
	s.browser = browser
	s.state = StateActive
	s.mu.Unlock()

	m.publish(events.Event{
		Type:          events.SessionCreated,
		CorrelationID: s.corrID,
		SessionID:     s.id,
		Payload:       map[string]any{"stealth": cfg.Stealth, "headful": cfg.Headful},
	})
	m.logger.Info("session created", "session", s.id, "corr", s.corrID)
	return s, nil
}

// Get returns the session, or ErrSessionNotFound for unknown ids and
// failed sessions.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s == nil || s.State() == StateFailed {
		return nil, fmt.Errorf("session: %q: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// List snapshots every registered session, optionally filtered by
// state. A zero filter lists everything.
func (m *Manager) List(filter State) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		info := s.Info()
		if filter != "" && info.State != filter {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OpenContext opens a new tab context on an active session.
func (m *Manager) OpenContext(ctx context.Context, sessionID string) (*TabContext, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	switch s.state {
	case StateActive:
	case StateClosing:
		s.mu.Unlock()
		return nil, ErrSessionClosing
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("session: %q state %s: %w", sessionID, s.state, ErrSessionNotFound)
	}
	browser := s.browser
	s.mu.Unlock()

	drv, err := browser.OpenTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: open context: %w", err)
	}

	tc := newTabContext(newContextID(), s.id, drv)
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		_ = browser.CloseTab(ctx, drv)
		return nil, ErrSessionClosing
	}
	s.contexts[tc.id] = tc
	s.lastActivity = time.Now()
	s.mu.Unlock()

	m.publish(events.Event{
		Type:          events.ContextCreated,
		CorrelationID: s.corrID,
		SessionID:     s.id,
		ContextID:     tc.id,
	})
	return tc, nil
}

// CloseContext closes one tab context.
func (m *Manager) CloseContext(ctx context.Context, sessionID, contextID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	tc := s.contexts[contextID]
	if tc == nil {
		s.mu.Unlock()
		return fmt.Errorf("session: %q: %w", contextID, ErrContextNotFound)
	}
	delete(s.contexts, contextID)
	browser := s.browser
	s.mu.Unlock()

	tc.closed.Store(true)
	if m.cfg.Caches != nil {
		m.cfg.Caches.InvalidateContext(contextID)
	}
	if err := browser.CloseTab(ctx, tc.drv); err != nil {
		m.logger.Warn("session: close tab", "session", s.id, "context", contextID, "error", err)
	}
	m.publish(events.Event{
		Type:          events.ContextClosed,
		CorrelationID: s.corrID,
		SessionID:     s.id,
		ContextID:     contextID,
	})
	return nil
}

// Navigate drives a context to url, applying the manager's URL
// rewriter, serialized per context.
func (m *Manager) Navigate(ctx context.Context, sessionID, contextID, url string, wait driver.WaitStrategy, timeout time.Duration) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	if s.State() != StateActive {
		return ErrSessionClosing
	}
	tc := s.Context(contextID)
	if tc == nil {
		return fmt.Errorf("session: %q: %w", contextID, ErrContextNotFound)
	}
	if m.cfg.RewriteURL != nil {
		url = m.cfg.RewriteURL(url)
	}
	s.touch()
	ctx = kit.WithSessionID(kit.WithContextID(ctx, contextID), sessionID)
	return m.sched.PerContext(ctx, sessionID, contextID, func(ctx context.Context) error {
		return tc.Navigate(ctx, url, wait, timeout)
	})
}

// Terminate gracefully shuts a session down. Idempotent: terminating a
// terminated session succeeds immediately. Each cleanup step logs and
// swallows its own failure so later steps always run.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("session: %q: %w", id, ErrSessionNotFound)
	}

	// Step 1: refuse new operations.
	s.mu.Lock()
	switch s.state {
	case StateTerminated, StateClosing:
		s.mu.Unlock()
		return nil
	case StateFailed:
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	contexts := make([]*TabContext, 0, len(s.contexts))
	for _, tc := range s.contexts {
		contexts = append(contexts, tc)
	}
	browser := s.browser
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.TerminateTimeout)
	defer cancel()
	ctx = kit.WithCorrelationID(ctx, s.corrID)

	// Step 2: persist and close every context.
	for _, tc := range contexts {
		if s.cfg.AutoPersist && m.states != nil {
			if _, err := m.saveContextState(ctx, s, tc, "latest"); err != nil {
				m.logger.Warn("session: auto persist", "session", s.id, "context", tc.id, "error", err)
			}
		}
		tc.closed.Store(true)
		if m.cfg.Caches != nil {
			m.cfg.Caches.InvalidateContext(tc.id)
		}
		if browser != nil {
			if err := browser.CloseTab(ctx, tc.drv); err != nil {
				m.logger.Warn("session: close tab during terminate", "session", s.id, "context", tc.id, "error", err)
			}
		}
	}

	// Step 3: close the driver.
	if browser != nil {
		if err := browser.Close(ctx); err != nil {
			m.logger.Warn("session: close browser", "session", s.id, "error", err)
		}
	}

	// Step 4: close tracked subprocess handles, tolerating the pipe
	// teardown race where the other end is already gone.
	if browser != nil {
		m.closeHandles(s, browser)
	}

	// Step 5: mark terminated and release resources.
	s.mu.Lock()
	s.state = StateTerminated
	s.contexts = make(map[string]*TabContext)
	saved := s.statesSaved
	s.mu.Unlock()
	s.releaseSlot()

	if !saved && m.states != nil {
		m.dropStates(ctx, s.id)
	}

	m.publish(events.Event{
		Type:          events.SessionTerminated,
		CorrelationID: s.corrID,
		SessionID:     s.id,
	})
	m.logger.Info("session terminated", "session", s.id, "corr", s.corrID)
	return nil
}

func (m *Manager) closeHandles(s *Session, browser Browser) {
	for _, h := range browser.Handles() {
		err := h.Close()
		if err == nil {
			continue
		}
		if isPipeRace(err) {
			m.publish(events.Event{
				Type:          events.CleanupPipeRace,
				CorrelationID: s.corrID,
				SessionID:     s.id,
				Severity:      events.SeverityWarn,
				Payload:       map[string]any{"error": err.Error()},
			})
			m.logger.Warn("session: subprocess pipe already closed", "session", s.id, "error", err)
			continue
		}
		m.logger.Warn("session: close subprocess handle", "session", s.id, "error", err)
	}
}

func isPipeRace(err error) bool {
	if errors.Is(err, os.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "closed pipe")
}

// ForceCleanup hard-kills a session: no state saving, handles closed,
// terminated regardless of errors.
func (m *Manager) ForceCleanup(id string) error {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("session: %q: %w", id, ErrSessionNotFound)
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	browser := s.browser
	s.mu.Unlock()

	if browser != nil {
		if err := browser.Close(context.Background()); err != nil {
			m.logger.Warn("session: force close browser", "session", s.id, "error", err)
		}
		m.closeHandles(s, browser)
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.contexts = make(map[string]*TabContext)
	s.mu.Unlock()
	s.releaseSlot()

	m.publish(events.Event{
		Type:          events.SessionTerminated,
		CorrelationID: s.corrID,
		SessionID:     s.id,
		Payload:       map[string]any{"forced": true},
	})
	return nil
}

// MarkFailed flips a session to the terminal failed state after an
// irrecoverable driver error and runs best-effort cleanup.
func (m *Manager) MarkFailed(id string, cause error) {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.state == StateTerminated || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	browser := s.browser
	s.contexts = make(map[string]*TabContext)
	s.mu.Unlock()

	if browser != nil {
		if err := browser.Close(context.Background()); err != nil {
			m.logger.Warn("session: cleanup after failure", "session", s.id, "error", err)
		}
		m.closeHandles(s, browser)
	}
	s.releaseSlot()

	payload := map[string]any{}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	m.publish(events.Event{
		Type:          events.SessionFailed,
		CorrelationID: s.corrID,
		SessionID:     s.id,
		Severity:      events.SeverityError,
		Payload:       payload,
	})
	m.logger.Error("session failed", "session", s.id, "corr", s.corrID, "error", cause)
}

// Cleanup applies a graded cleanup to one session.
func (m *Manager) Cleanup(ctx context.Context, id string, level CleanupLevel) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	switch level {
	case CleanupSoft:
		// Release idle element handles by dropping caches.
		if m.cfg.Caches != nil {
			for _, tc := range s.Contexts() {
				m.cfg.Caches.InvalidateContext(tc.id)
			}
		}
		return nil
	case CleanupModerate:
		return m.closeLRUContexts(ctx, s)
	case CleanupAggressive:
		return m.Terminate(ctx, id)
	default:
		return fmt.Errorf("session: unknown cleanup level %q", level)
	}
}

// closeLRUContexts closes the least recently used half of a session's
// contexts, keeping at least one.
func (m *Manager) closeLRUContexts(ctx context.Context, s *Session) error {
	contexts := s.Contexts()
	if len(contexts) <= 1 {
		return nil
	}
	sort.Slice(contexts, func(i, j int) bool {
		return contexts[i].LastUsed().Before(contexts[j].LastUsed())
	})
	for _, tc := range contexts[:len(contexts)/2] {
		if err := m.CloseContext(ctx, s.id, tc.id); err != nil {
			m.logger.Warn("session: lru close", "session", s.id, "context", tc.id, "error", err)
		}
	}
	return nil
}

// EvictOne terminates the lowest-priority active session, breaking
// ties by oldest last activity. Called on critical resource alerts.
func (m *Manager) EvictOne(ctx context.Context) (string, error) {
	m.mu.RLock()
	var victim *Session
	var victimInfo Info
	for _, s := range m.sessions {
		info := s.Info()
		if info.State != StateActive {
			continue
		}
		if victim == nil ||
			info.Priority < victimInfo.Priority ||
			(info.Priority == victimInfo.Priority && info.LastActivity.Before(victimInfo.LastActivity)) {
			victim = s
			victimInfo = info
		}
	}
	m.mu.RUnlock()

	if victim == nil {
		return "", nil
	}
	m.logger.Warn("session: evicting under resource pressure",
		"session", victim.id, "priority", victimInfo.Priority)
	return victim.id, m.Terminate(ctx, victim.id)
}

// Close terminates every session and shuts the manager down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			m.logger.Warn("session: terminate on close", "session", id, "error", err)
		}
	}
	return nil
}

func (m *Manager) publish(ev events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ev)
}

func (m *Manager) dropStates(ctx context.Context, sessionID string) {
	keys, err := m.states.List(ctx, "state/"+sessionID+"/")
	if err != nil {
		m.logger.Warn("session: list states", "session", sessionID, "error", err)
		return
	}
	for _, k := range keys {
		if err := m.states.Delete(ctx, k); err != nil {
			m.logger.Warn("session: drop state", "key", k, "error", err)
		}
	}
}
