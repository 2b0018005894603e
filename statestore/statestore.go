// Package statestore is a key-value adapter for serialized browser
// state. Values travel as schema-versioned JSON envelopes; the adapter
// never interprets them. Backends: filesystem (default, atomic writes)
// and SQLite.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/kit"
)

// SchemaVersion of the envelope. New fields are additive.
const SchemaVersion = 1

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9._\-]+(/[a-zA-Z0-9._\-]+)*$`)

// StorageError wraps a backend failure with the operation and key.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("statestore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Backend stores raw bytes under keys. Delete of a missing key is a
// no-op for every backend.
type Backend interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
	List(prefix string) ([]string, error)
	Close() error
}

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Key           string          `json:"key"`
	SavedAt       time.Time       `json:"saved_at"`
	Value         json.RawMessage `json:"value"`
}

// Store wraps a Backend with the JSON envelope and event emission.
type Store struct {
	backend Backend
	bus     *events.Bus
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBus publishes storage events.
func WithBus(bus *events.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store over the backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store serializes v into the envelope and writes it under key.
func (s *Store) Store(ctx context.Context, key string, v any) error {
	if err := validKey(key); err != nil {
		return &StorageError{Op: "store", Key: key, Err: err}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return &StorageError{Op: "store", Key: key, Err: err}
	}
	data, err := json.Marshal(envelope{
		SchemaVersion: SchemaVersion,
		Key:           key,
		SavedAt:       time.Now().UTC(),
		Value:         raw,
	})
	if err != nil {
		return &StorageError{Op: "store", Key: key, Err: err}
	}
	if err := s.backend.Put(key, data); err != nil {
		return &StorageError{Op: "store", Key: key, Err: err}
	}
	s.emit(ctx, events.StorageStore, key, len(data))
	return nil
}

// Load reads the value under key into out. The second return is false
// when the key does not exist.
func (s *Store) Load(ctx context.Context, key string, out any) (bool, error) {
	if err := validKey(key); err != nil {
		return false, &StorageError{Op: "load", Key: key, Err: err}
	}
	data, ok, err := s.backend.Get(key)
	if err != nil {
		return false, &StorageError{Op: "load", Key: key, Err: err}
	}
	if !ok {
		return false, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, &StorageError{Op: "load", Key: key, Err: err}
	}
	if env.SchemaVersion > SchemaVersion {
		return false, &StorageError{Op: "load", Key: key,
			Err: fmt.Errorf("schema version %d newer than supported %d", env.SchemaVersion, SchemaVersion)}
	}
	if out != nil {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return false, &StorageError{Op: "load", Key: key, Err: err}
		}
	}
	return true, nil
}

// Delete removes the key. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	if err := s.backend.Delete(key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	s.emit(ctx, events.StorageDelete, key, 0)
	return nil
}

// List returns every key under the prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.backend.List(prefix)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: prefix, Err: err}
	}
	return keys, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) emit(ctx context.Context, eventType, key string, size int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:          eventType,
		CorrelationID: kit.GetCorrelationID(ctx),
		SessionID:     kit.GetSessionID(ctx),
		Payload:       map[string]any{"key": key, "bytes": size},
	})
}

func validKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("invalid key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return fmt.Errorf("invalid key segment %q", seg)
		}
	}
	return nil
}
