package idgen_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/domscout/idgen"
)

func TestUUIDv4Unique(t *testing.T) {
	gen := idgen.UUIDv4()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
		if _, err := idgen.Parse(id); err != nil {
			t.Fatalf("not a UUID: %v", err)
		}
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("corr_", idgen.UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "corr_") {
		t.Fatalf("got %q, want corr_ prefix", id)
	}
}

func TestTimestamped(t *testing.T) {
	gen := idgen.Timestamped(func() string { return "x" })
	id := gen()
	if !strings.HasSuffix(id, "_x") {
		t.Fatalf("got %q, want _x suffix", id)
	}
	if len(id) != len("20060102T150405Z_x") {
		t.Fatalf("unexpected length for %q", id)
	}
}

func TestTreeChildNumbering(t *testing.T) {
	tree := idgen.NewTreeWith(func() string { return "root" })
	root := tree.Root()

	c1 := tree.Child(root)
	c2 := tree.Child(root)
	if c1 != "root.1" || c2 != "root.2" {
		t.Fatalf("got %q, %q, want root.1, root.2", c1, c2)
	}

	g1 := tree.Child(c1)
	if g1 != "root.1.1" {
		t.Fatalf("got %q, want root.1.1", g1)
	}
}

func TestTreeForget(t *testing.T) {
	tree := idgen.NewTreeWith(func() string { return "r" })
	tree.Child("r")
	tree.Forget("r")
	if c := tree.Child("r"); c != "r.1" {
		t.Fatalf("got %q, want r.1 after forget", c)
	}
}
