package selector

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/domscout/events"
)

// Store publishes descriptor snapshots. Readers always see a complete,
// validated generation; a failed reload leaves the active one in place.
type Store struct {
	root   string
	snap   atomic.Pointer[Snapshot]
	bus    *events.Bus
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithBus publishes reload failures to the event bus.
func WithBus(bus *events.Bus) StoreOption {
	return func(s *Store) { s.bus = bus }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Open loads the descriptor tree at root and returns a Store holding
// the first snapshot. A load error here is fatal: there is no previous
// generation to fall back to.
func Open(root string, opts ...StoreOption) (*Store, error) {
	s := &Store{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	snap, err := Load(root)
	if err != nil {
		return nil, fmt.Errorf("selector: initial load: %w", err)
	}
	s.snap.Store(snap)
	s.logger.Info("selector store opened", "root", root, "descriptors", snap.Len())
	return s, nil
}

// Snapshot returns the active descriptor generation.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Reload re-reads the tree and atomically swaps in the new snapshot.
// On any error the active snapshot is kept and the error is published.
func (s *Store) Reload() error {
	snap, err := Load(s.root)
	if err != nil {
		s.logger.Error("selector reload rejected", "root", s.root, "error", err)
		if s.bus != nil {
			payload := map[string]any{"root": s.root, "error": err.Error()}
			if ce, ok := err.(*ConfigError); ok {
				payload["file"] = ce.File
			} else if se, ok := err.(*SchemaValidationError); ok {
				payload["file"] = se.File
			}
			s.bus.Publish(events.Event{
				Type:     events.ConfigReloadFailed,
				Severity: events.SeverityError,
				Payload:  payload,
			})
		}
		return err
	}
	old := s.snap.Swap(snap)
	s.logger.Info("selector snapshot swapped",
		"descriptors", snap.Len(), "previous", old.Len())
	return nil
}

// Get resolves a semantic name against the active snapshot. Fully
// qualified names match exactly; an unqualified name is also tried
// against the caller's scope chain, nearest scope first.
func (s *Store) Get(name, scope string) (*Descriptor, error) {
	snap := s.snap.Load()
	if d := snap.Get(name); d != nil {
		return d, nil
	}
	for sc := scope; sc != ""; sc = parentScope(sc) {
		if d := snap.Get(sc + "." + name); d != nil {
			return d, nil
		}
	}
	return nil, fmt.Errorf("selector: %q in scope %q: %w", name, scope, ErrUnknownSelector)
}
