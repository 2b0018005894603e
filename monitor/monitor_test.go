package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/session"
)

type fakeArena struct {
	mu       sync.Mutex
	infos    []session.Info
	cleanups []session.CleanupLevel
}

func (a *fakeArena) List(filter session.State) []session.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.Info, 0, len(a.infos))
	for _, info := range a.infos {
		if filter == "" || info.State == filter {
			out = append(out, info)
		}
	}
	return out
}

func (a *fakeArena) Cleanup(ctx context.Context, id string, level session.CleanupLevel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleanups = append(a.cleanups, level)
	return nil
}

func (a *fakeArena) levels() []session.CleanupLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]session.CleanupLevel{}, a.cleanups...)
}

func fixedSampler(memoryMB float64) Sampler {
	return func(ctx context.Context, id string) (Metrics, error) {
		return Metrics{MemoryMB: memoryMB}, nil
	}
}

func newTestMonitor(arena *fakeArena, sampler Sampler, bus *events.Bus) *Monitor {
	return New(arena, Config{
		MemoryBudgetMB: 1000,
		Sampler:        sampler,
		Bus:            bus,
	})
}

func activeInfo(id string) session.Info {
	return session.Info{ID: id, State: session.StateActive}
}

func TestClassifyThresholds(t *testing.T) {
	m := newTestMonitor(&fakeArena{}, nil, nil)
	tests := []struct {
		memoryMB float64
		want     AlertLevel
	}{
		{100, AlertNormal},
		{599, AlertNormal},
		{600, AlertWarning},
		{799, AlertWarning},
		{800, AlertCritical},
		{2000, AlertCritical},
	}
	for _, tt := range tests {
		if got := m.classify(tt.memoryMB); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.memoryMB, got, tt.want)
		}
	}
}

func TestWarningPublishesAlertWithoutCleanup(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test", 4, events.ResourceAlert)
	defer bus.Unsubscribe(sub)

	arena := &fakeArena{infos: []session.Info{activeInfo("s1")}}
	m := newTestMonitor(arena, fixedSampler(700), bus)
	m.SampleAll(context.Background())

	ev := <-sub.C
	if ev.Payload["level"] != "warning" {
		t.Fatalf("alert level = %v, want warning", ev.Payload["level"])
	}
	if len(arena.levels()) != 0 {
		t.Fatalf("warning triggered cleanup %v", arena.levels())
	}
}

func TestCriticalEscalates(t *testing.T) {
	arena := &fakeArena{infos: []session.Info{activeInfo("s1")}}
	m := newTestMonitor(arena, fixedSampler(900), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.SampleAll(ctx)
	}

	want := []session.CleanupLevel{
		session.CleanupSoft,
		session.CleanupModerate,
		session.CleanupAggressive,
		session.CleanupAggressive,
	}
	got := arena.levels()
	if len(got) != len(want) {
		t.Fatalf("got %d cleanups %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cleanup #%d = %s, want %s", i+1, got[i], want[i])
		}
	}
}

func TestRecoveryResetsStreak(t *testing.T) {
	arena := &fakeArena{infos: []session.Info{activeInfo("s1")}}
	var memory float64 = 900
	sampler := func(ctx context.Context, id string) (Metrics, error) {
		return Metrics{MemoryMB: memory}, nil
	}
	m := newTestMonitor(arena, sampler, nil)
	ctx := context.Background()

	m.SampleAll(ctx) // critical -> soft
	memory = 100
	m.SampleAll(ctx) // normal, streak resets
	memory = 900
	m.SampleAll(ctx) // critical again -> soft, not moderate

	got := arena.levels()
	if len(got) != 2 || got[1] != session.CleanupSoft {
		t.Fatalf("cleanups = %v, want soft after recovery", got)
	}
}

func TestLatestForgetsGoneSessions(t *testing.T) {
	arena := &fakeArena{infos: []session.Info{activeInfo("s1"), activeInfo("s2")}}
	m := newTestMonitor(arena, fixedSampler(100), nil)
	ctx := context.Background()

	m.SampleAll(ctx)
	if len(m.Latest()) != 2 {
		t.Fatalf("latest = %d, want 2", len(m.Latest()))
	}

	arena.mu.Lock()
	arena.infos = arena.infos[:1]
	arena.mu.Unlock()
	m.SampleAll(ctx)

	latest := m.Latest()
	if len(latest) != 1 || latest[0].SessionID != "s1" {
		t.Fatalf("latest = %+v, want only s1", latest)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	arena := &fakeArena{}
	m := New(arena, Config{Interval: 5 * time.Millisecond, Sampler: fixedSampler(0)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
