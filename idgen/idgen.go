// Package idgen provides pluggable ID generation for domscout.
//
// All constructors across the platform accept a Generator, making the ID
// strategy a startup-time decision rather than a compile-time one. The
// correlation Tree derives dotted child IDs for sub-operations.
package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv4 returns a Generator that produces random RFC 4122 UUID strings.
// Session IDs use this strategy: globally unique for the process lifetime.
func UUIDv4() Generator {
	return func() string {
		return uuid.Must(uuid.NewRandom()).String()
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "corr_", "snap_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Timestamped returns a Generator that produces IDs in the format
// "20060102T150405Z_<suffix>" where suffix comes from the inner generator.
func Timestamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

// Default is the platform default: UUIDv7 (RFC 9562).
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}

// Tree derives correlation child IDs from a parent. Every top-level
// operation gets a root ID; sub-operations append ".1", ".2", ... so an
// entire operation tree shares one traceable prefix.
//
//	tree := idgen.NewTree()
//	root := tree.Root()        // "0192..."
//	a := tree.Child(root)      // "0192....1"
//	b := tree.Child(a)         // "0192....1.1"
type Tree struct {
	newID Generator

	mu   sync.Mutex
	next map[string]int
}

// NewTree creates a correlation tree using the Default generator for roots.
func NewTree() *Tree {
	return NewTreeWith(Default)
}

// NewTreeWith creates a correlation tree with a custom root generator.
func NewTreeWith(gen Generator) *Tree {
	return &Tree{newID: gen, next: make(map[string]int)}
}

// Root produces a fresh top-level correlation ID.
func (t *Tree) Root() string {
	return t.newID()
}

// Child derives the next sub-operation ID under parent. Children of one
// parent are numbered 1, 2, 3, ... in derivation order.
func (t *Tree) Child(parent string) string {
	t.mu.Lock()
	t.next[parent]++
	n := t.next[parent]
	t.mu.Unlock()
	return parent + "." + strconv.Itoa(n)
}

// Forget drops the child counter for a finished parent so the map does
// not grow without bound across long processes.
func (t *Tree) Forget(parent string) {
	t.mu.Lock()
	delete(t.next, parent)
	t.mu.Unlock()
}
