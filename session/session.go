// Package session owns browser lifecycles: an arena of sessions, each
// exclusively owning its tab contexts and subprocess handles. Contexts
// hold their session's id, never a reference; they vanish with it.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domscout/driver"
)

// State is a session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateClosing      State = "closing"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// SessionConfig is fixed at creation and immutable thereafter.
type SessionConfig struct {
	// Headful runs a visible browser. Zero value is headless.
	Headful bool
	// Stealth applies the anti-detection page setup on every new tab.
	Stealth bool
	// RemoteURL connects to an external browser instead of launching.
	RemoteURL string

	UserAgent      string
	Proxy          string
	ViewportWidth  int
	ViewportHeight int

	// ResourceBlocking lists request types to drop per tab:
	// images, fonts, media, stylesheets.
	ResourceBlocking []string

	// AutoPersist saves each context's state during graceful
	// termination.
	AutoPersist bool

	// Priority orders eviction under resource pressure; lower goes
	// first.
	Priority int
}

// TabContext is one browsing surface inside a session. It implements
// the selector engine's Page interface.
type TabContext struct {
	id        string
	sessionID string
	drv       driver.Driver
	createdAt time.Time

	gen      atomic.Uint64
	lastUsed atomic.Int64 // unix nanos
	closed   atomic.Bool

	mu    sync.RWMutex
	scope string
	url   string
}

func newTabContext(id, sessionID string, drv driver.Driver) *TabContext {
	tc := &TabContext{
		id:        id,
		sessionID: sessionID,
		drv:       drv,
		createdAt: time.Now(),
	}
	tc.lastUsed.Store(time.Now().UnixNano())
	return tc
}

func (t *TabContext) ContextID() string     { return t.id }
func (t *TabContext) SessionID() string     { return t.sessionID }
func (t *TabContext) Driver() driver.Driver { return t.drv }

// DOMGeneration increments on every navigation; element caches keyed
// on it go stale automatically.
func (t *TabContext) DOMGeneration() uint64 { return t.gen.Load() }

// Scope is the descriptor scope short semantic names resolve against.
func (t *TabContext) Scope() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scope
}

// SetScope binds the tab to a descriptor scope, typically the page
// type it navigated to.
func (t *TabContext) SetScope(scope string) {
	t.mu.Lock()
	t.scope = scope
	t.mu.Unlock()
}

// URL is the last URL Navigate was asked to load.
func (t *TabContext) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// LastUsed reports the tab's most recent activity.
func (t *TabContext) LastUsed() time.Time {
	return time.Unix(0, t.lastUsed.Load())
}

func (t *TabContext) touch() {
	t.lastUsed.Store(time.Now().UnixNano())
}

// Navigate drives the tab to url and bumps the DOM generation on
// success.
func (t *TabContext) Navigate(ctx context.Context, url string, wait driver.WaitStrategy, timeout time.Duration) error {
	t.touch()
	if err := t.drv.Goto(ctx, url, wait, timeout); err != nil {
		return err
	}
	t.gen.Add(1)
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
	return nil
}

// Session is one owned browser plus its contexts. All mutation goes
// through the Manager; external holders see opaque ids.
type Session struct {
	id        string
	corrID    string
	cfg       SessionConfig
	createdAt time.Time

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	contexts     map[string]*TabContext
	browser      Browser
	statesSaved  bool

	releaseOnce sync.Once
	release     func()
}

func (s *Session) ID() string            { return s.id }
func (s *Session) CorrelationID() string { return s.corrID }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }
func (s *Session) Config() SessionConfig { return s.cfg }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Context returns the tab context by id, or nil.
func (s *Session) Context(id string) *TabContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[id]
}

// Contexts returns the session's open tab contexts.
func (s *Session) Contexts() []*TabContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TabContext, 0, len(s.contexts))
	for _, tc := range s.contexts {
		out = append(out, tc)
	}
	return out
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) releaseSlot() {
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Info is the external, copyable view of a session.
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Contexts     int       `json:"contexts"`
	Priority     int       `json:"priority"`
}

// Info snapshots the session for listings.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:           s.id,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Contexts:     len(s.contexts),
		Priority:     s.cfg.Priority,
	}
}
