package statestore

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hazyhaar/domscout/dbopen"
	"github.com/hazyhaar/domscout/events"
	_ "modernc.org/sqlite"
)

type payload struct {
	URL     string            `json:"url"`
	Cookies map[string]string `json:"cookies"`
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fsb, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sq, err := NewSQLiteDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Backend{"fs": fsb, "sqlite": sq}
}

func TestRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := New(backend)
			ctx := context.Background()
			want := payload{URL: "https://example.test/a", Cookies: map[string]string{"sid": "abc"}}

			if err := store.Store(ctx, "state/s1/latest", want); err != nil {
				t.Fatal(err)
			}
			var got payload
			ok, err := store.Load(ctx, "state/s1/latest", &got)
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("stored key not found")
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %+v, want %+v", got, want)
			}

			if err := store.Delete(ctx, "state/s1/latest"); err != nil {
				t.Fatal(err)
			}
			ok, err = store.Load(ctx, "state/s1/latest", &got)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("deleted key still loads")
			}
		})
	}
}

func TestDeleteMissingIsNoOp(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := New(backend)
			if err := store.Delete(context.Background(), "never/written"); err != nil {
				t.Fatalf("delete missing: %v", err)
			}
		})
	}
}

func TestListByPrefix(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := New(backend)
			ctx := context.Background()
			for _, k := range []string{"state/s1/a", "state/s1/b", "state/s2/a"} {
				if err := store.Store(ctx, k, payload{}); err != nil {
					t.Fatal(err)
				}
			}
			keys, err := store.List(ctx, "state/s1/")
			if err != nil {
				t.Fatal(err)
			}
			if len(keys) != 2 {
				t.Fatalf("got %d keys %v, want 2", len(keys), keys)
			}
		})
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	store := New(mustFS(t))
	err := store.Store(context.Background(), "../escape", payload{})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StorageError", err)
	}
	if se.Op != "store" {
		t.Errorf("op = %q, want store", se.Op)
	}
}

func TestStoreEmitsEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test", 4, events.StorageStore, events.StorageDelete)
	defer bus.Unsubscribe(sub)

	store := New(mustFS(t), WithBus(bus))
	ctx := context.Background()
	if err := store.Store(ctx, "k1", payload{}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatal(err)
	}

	ev := <-sub.C
	if ev.Type != events.StorageStore {
		t.Fatalf("first event %q, want store", ev.Type)
	}
	ev = <-sub.C
	if ev.Type != events.StorageDelete {
		t.Fatalf("second event %q, want delete", ev.Type)
	}
}

func TestFSPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	fsb, err := NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := fsb.Put("a/b", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	tmps, err := filepath.Glob(filepath.Join(dir, "a", "*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(tmps) != 0 {
		t.Fatalf("temp files left behind: %v", tmps)
	}
}

func mustFS(t *testing.T) *FS {
	t.Helper()
	fsb, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return fsb
}
