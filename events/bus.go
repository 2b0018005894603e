package events

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one subscriber's bounded view of the bus. Read events
// from C; call Drops for the number of events shed while lagging.
type Subscription struct {
	// C delivers events in publish order. Closed by Unsubscribe.
	C <-chan Event

	name    string
	ch      chan Event
	filters []string
	drops   atomic.Uint64

	// sendMu serialises the drop-oldest dance so concurrent publishers
	// cannot reorder a single subscriber's stream.
	sendMu sync.Mutex
}

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Drops returns the subscriber_lag_drops counter: events shed because
// this subscriber's queue was full.
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

func (s *Subscription) wants(eventType string) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(f, ".*"); ok && strings.HasPrefix(eventType, prefix+".") {
			return true
		}
	}
	return false
}

// deliver enqueues without blocking. When the queue is full the oldest
// queued event is shed to make room for the new one.
func (s *Subscription) deliver(ev Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Full: shed the oldest, then retry once. The consumer may have
	// raced us and drained the queue in between, which is fine.
	select {
	case <-s.ch:
		s.drops.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.drops.Add(1)
	}
}

// Bus is the process-wide pub/sub. Construct once and hand it to every
// component; do not reach for a global.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
	closed bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBuffer sets the default per-subscriber queue size. Default: 256.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger used for bus lifecycle messages.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: 256,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber. filters restricts delivery to the
// listed event types; a filter ending in ".*" matches the whole family
// (e.g. "selector.*"). No filters means all events. buffer <= 0 uses
// the bus default.
func (b *Bus) Subscribe(name string, buffer int, filters ...string) *Subscription {
	if buffer <= 0 {
		buffer = b.buffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{name: name, ch: ch, C: ch, filters: filters}

	b.mu.Lock()
	if !b.closed {
		b.subs[sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.sendMu.Lock()
		close(sub.ch)
		sub.sendMu.Unlock()
	}
}

// Publish fans the event out to every matching subscriber. Never blocks
// the publisher: slow subscribers shed their own oldest events. A zero
// Timestamp is filled in.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.wants(ev.Type) {
			sub.deliver(ev)
		}
	}
}

// Close unsubscribes everyone and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.sendMu.Lock()
		close(sub.ch)
		sub.sendMu.Unlock()
	}
}

// LogAll consumes a subscription and mirrors every event to the logger
// at its severity, tagged with the correlation ID. Blocks until the
// subscription channel closes; run it in its own goroutine.
func LogAll(sub *Subscription, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for ev := range sub.C {
		attrs := []any{"corr", ev.CorrelationID}
		if ev.SessionID != "" {
			attrs = append(attrs, "session_id", ev.SessionID)
		}
		if ev.ContextID != "" {
			attrs = append(attrs, "context_id", ev.ContextID)
		}
		for k, v := range ev.Payload {
			attrs = append(attrs, k, v)
		}
		switch ev.Severity {
		case SeverityDebug:
			logger.Debug(ev.Type, attrs...)
		case SeverityWarn:
			logger.Warn(ev.Type, attrs...)
		case SeverityError:
			logger.Error(ev.Type, attrs...)
		default:
			logger.Info(ev.Type, attrs...)
		}
	}
}
