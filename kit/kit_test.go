package kit_test

import (
	"context"
	"testing"

	"github.com/hazyhaar/domscout/kit"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = kit.WithCorrelationID(ctx, "c1")
	ctx = kit.WithSessionID(ctx, "s1")
	ctx = kit.WithContextID(ctx, "t1")

	if got := kit.GetCorrelationID(ctx); got != "c1" {
		t.Fatalf("got %q, want c1", got)
	}
	if got := kit.GetSessionID(ctx); got != "s1" {
		t.Fatalf("got %q, want s1", got)
	}
	if got := kit.GetContextID(ctx); got != "t1" {
		t.Fatalf("got %q, want t1", got)
	}
}

func TestEmptyContext(t *testing.T) {
	if got := kit.GetCorrelationID(context.Background()); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
