package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/domscout/driver"
	"github.com/hazyhaar/domscout/kit"
)

// BrowserState is the serializable snapshot of one tab context:
// cookies, web storage, and the final URL. Navigation history is
// deliberately not replayed on restore.
type BrowserState struct {
	SchemaVersion  int               `json:"schema_version"`
	SessionID      string            `json:"session_id"`
	ContextID      string            `json:"context_id"`
	StateID        string            `json:"state_id"`
	URL            string            `json:"url"`
	Cookies        []driver.Cookie   `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
	SavedAt        time.Time         `json:"saved_at"`
}

const stateSchemaVersion = 1

func stateKey(sessionID, stateID string) string {
	return "state/" + sessionID + "/" + stateID
}

const dumpStorageJS = `() => {
	const dump = (s) => {
		const out = {};
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			out[k] = s.getItem(k);
		}
		return out;
	};
	return {local: dump(localStorage), session: dump(sessionStorage)};
}`

const restoreStorageJS = `(state) => {
	for (const [k, v] of Object.entries(state.local || {})) {
		localStorage.setItem(k, v);
	}
	for (const [k, v] of Object.entries(state.session || {})) {
		sessionStorage.setItem(k, v);
	}
}`

// SaveState captures a context's state and persists it under stateID
// (default "latest"). Returns the captured state even when persistence
// is unavailable.
func (m *Manager) SaveState(ctx context.Context, sessionID, contextID, stateID string) (*BrowserState, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	tc := s.Context(contextID)
	if tc == nil {
		return nil, fmt.Errorf("session: %q: %w", contextID, ErrContextNotFound)
	}
	if stateID == "" {
		stateID = "latest"
	}
	return m.saveContextState(ctx, s, tc, stateID)
}

func (m *Manager) saveContextState(ctx context.Context, s *Session, tc *TabContext, stateID string) (*BrowserState, error) {
	ctx = kit.WithSessionID(kit.WithContextID(ctx, tc.id), s.id)
	drv := tc.Driver()

	url, err := drv.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: save state url: %w", err)
	}
	cookies, err := drv.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: save state cookies: %w", err)
	}

	state := &BrowserState{
		SchemaVersion: stateSchemaVersion,
		SessionID:     s.id,
		ContextID:     tc.id,
		StateID:       stateID,
		URL:           url,
		Cookies:       cookies,
		SavedAt:       time.Now().UTC(),
	}

	raw, err := drv.Evaluate(ctx, dumpStorageJS)
	if err != nil {
		m.logger.Warn("session: dump storage", "session", s.id, "context", tc.id, "error", err)
	} else {
		state.LocalStorage, state.SessionStorage = splitStorageDump(raw)
	}

	if m.states != nil {
		if err := m.states.Store(ctx, stateKey(s.id, stateID), state); err != nil {
			// Best-effort durability: the session keeps operating.
			m.logger.Warn("session: persist state", "session", s.id, "state", stateID, "error", err)
			return state, nil
		}
		s.mu.Lock()
		s.statesSaved = true
		s.mu.Unlock()
	}
	return state, nil
}

// RestoreState installs cookies, navigates to the saved URL, and
// refills web storage on the context.
func (m *Manager) RestoreState(ctx context.Context, sessionID, contextID string, state *BrowserState) error {
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
	if state.SchemaVersion > stateSchemaVersion {
		return fmt.Errorf("session: state schema %d newer than supported %d", state.SchemaVersion, stateSchemaVersion)
	}

	ctx = kit.WithSessionID(kit.WithContextID(ctx, contextID), sessionID)
	drv := tc.Driver()

	if len(state.Cookies) > 0 {
		if err := drv.SetCookies(ctx, state.Cookies); err != nil {
			return fmt.Errorf("session: restore cookies: %w", err)
		}
	}
	if state.URL != "" {
		url := state.URL
		if m.cfg.RewriteURL != nil {
			url = m.cfg.RewriteURL(url)
		}
		if err := tc.Navigate(ctx, url, driver.WaitLoad, 0); err != nil {
			return fmt.Errorf("session: restore navigation: %w", err)
		}
	}
	if len(state.LocalStorage) > 0 || len(state.SessionStorage) > 0 {
		arg := map[string]any{"local": state.LocalStorage, "session": state.SessionStorage}
		if _, err := drv.Evaluate(ctx, restoreStorageJS, arg); err != nil {
			return fmt.Errorf("session: restore storage: %w", err)
		}
	}
	s.touch()
	return nil
}

// LoadState reads a persisted state by id.
func (m *Manager) LoadState(ctx context.Context, sessionID, stateID string) (*BrowserState, error) {
	if m.states == nil {
		return nil, fmt.Errorf("session: state persistence disabled")
	}
	var state BrowserState
	ok, err := m.states.Load(ctx, stateKey(sessionID, stateID), &state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session: state %q/%q not found", sessionID, stateID)
	}
	return &state, nil
}

// splitStorageDump converts the Evaluate result of dumpStorageJS.
func splitStorageDump(raw any) (local, session map[string]string) {
	top, ok := raw.(map[string]any)
	if !ok {
		return nil, nil
	}
	conv := func(v any) map[string]string {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return conv(top["local"]), conv(top["session"])
}
