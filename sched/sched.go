// Package sched is the concurrency kernel: a global session semaphore
// for backpressure and keyed FIFO serialization so DOM operations on
// one session never interleave while different sessions run in
// parallel.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSaturated is returned when the semaphore cannot be acquired
// within the timeout.
var ErrSaturated = errors.New("sched: capacity saturated")

// DefaultMaxSessions caps concurrent active sessions.
const DefaultMaxSessions = 50

// Semaphore is a counting semaphore with context-aware acquisition.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with n slots. n <= 0 uses the
// default.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultMaxSessions
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire takes a slot, waiting up to timeout. A zero timeout waits
// only on ctx.
func (s *Semaphore) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("sched: acquire after %v: %w", timeout, ErrSaturated)
		}
		return ctx.Err()
	}
}

// TryAcquire takes a slot without waiting.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
		panic("sched: release without acquire")
	}
}

// InUse reports the number of held slots.
func (s *Semaphore) InUse() int { return len(s.slots) }

// Cap reports the slot count.
func (s *Semaphore) Cap() int { return cap(s.slots) }

type keyLock struct {
	slot chan struct{}
	refs int
}

// Keyed serializes work per key while keys proceed in parallel.
// Waiters are granted in FIFO order per key.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewKeyed creates an empty keyed serializer.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyLock)}
}

// Do runs fn while holding the key's lock. Waiting honors ctx; fn
// receives the same ctx and its error is returned unchanged.
func (k *Keyed) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	lock := k.retain(key)
	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		k.release(key)
		return ctx.Err()
	}
	defer func() {
		<-lock.slot
		k.release(key)
	}()
	return fn(ctx)
}

func (k *Keyed) retain(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock := k.locks[key]
	if lock == nil {
		lock = &keyLock{slot: make(chan struct{}, 1)}
		k.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock := k.locks[key]
	if lock == nil {
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(k.locks, key)
	}
}

// SessionKey is the serialization key for session-wide operations.
func SessionKey(sessionID string) string { return "session/" + sessionID }

// ContextKey is the serialization key for one tab context. Different
// contexts of one session resolve in parallel; operations on the same
// context serialize.
func ContextKey(sessionID, contextID string) string {
	return "session/" + sessionID + "/ctx/" + contextID
}

// Scheduler bundles the global semaphore with keyed serialization.
type Scheduler struct {
	Sessions *Semaphore
	keyed    *Keyed
}

// New creates a scheduler capping concurrent sessions at maxSessions.
func New(maxSessions int) *Scheduler {
	return &Scheduler{
		Sessions: NewSemaphore(maxSessions),
		keyed:    NewKeyed(),
	}
}

// PerSession serializes fn against every other session-wide operation
// on the session.
func (s *Scheduler) PerSession(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	return s.keyed.Do(ctx, SessionKey(sessionID), fn)
}

// PerContext serializes fn against other operations on the same tab
// context only.
func (s *Scheduler) PerContext(ctx context.Context, sessionID, contextID string, fn func(context.Context) error) error {
	return s.keyed.Do(ctx, ContextKey(sessionID, contextID), fn)
}

// WithDeadline runs fn under an explicit deadline, returning
// context.DeadlineExceeded when it expires.
func (s *Scheduler) WithDeadline(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
