package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSemaphoreBackpressure(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := sem.Acquire(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if sem.InUse() != 2 {
		t.Fatalf("in use = %d, want 2", sem.InUse())
	}

	err := sem.Acquire(ctx, 20*time.Millisecond)
	if !errors.Is(err, ErrSaturated) {
		t.Fatalf("got %v, want ErrSaturated", err)
	}

	sem.Release()
	if err := sem.Acquire(ctx, 20*time.Millisecond); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	sem.Release()
	sem.Release()
}

func TestSemaphoreAcquireCanceled(t *testing.T) {
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	defer sem.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sem.Acquire(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want Canceled", err)
	}
}

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed()
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.Do(ctx, "s1", func(context.Context) error {
				n := inFlight.Add(1)
				if m := maxInFlight.Load(); n > m {
					maxInFlight.CompareAndSwap(m, n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Fatalf("max in flight = %d, want 1", maxInFlight.Load())
	}
}

func TestKeyedParallelAcrossKeys(t *testing.T) {
	k := NewKeyed()
	ctx := context.Background()

	first := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = k.Do(ctx, "a", func(context.Context) error {
			close(first)
			<-done
			return nil
		})
	}()
	<-first

	// Key "b" must not wait for "a".
	ran := make(chan struct{})
	go func() {
		_ = k.Do(ctx, "b", func(context.Context) error {
			close(ran)
			return nil
		})
	}()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("different key blocked behind a held key")
	}
	close(done)
	<-finished
}

func TestKeyedWaitHonorsContext(t *testing.T) {
	k := NewKeyed()
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = k.Do(context.Background(), "s", func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := k.Do(ctx, "s", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestKeyedReleasesStateWhenIdle(t *testing.T) {
	k := NewKeyed()
	_ = k.Do(context.Background(), "x", func(context.Context) error { return nil })

	k.mu.Lock()
	n := len(k.locks)
	k.mu.Unlock()
	if n != 0 {
		t.Fatalf("idle keys retained: %d", n)
	}
}

func TestSchedulerPerContextParallelWithinSession(t *testing.T) {
	s := New(4)
	ctx := context.Background()

	first := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = s.PerContext(ctx, "sess", "ctx-1", func(context.Context) error {
			close(first)
			<-done
			return nil
		})
	}()
	<-first

	ran := make(chan struct{})
	go func() {
		_ = s.PerContext(ctx, "sess", "ctx-2", func(context.Context) error {
			close(ran)
			return nil
		})
	}()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("sibling context blocked")
	}
	close(done)
	<-finished
}
