package selector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/domscout/driver"
	"github.com/hazyhaar/domscout/events"
)

// fakePage satisfies Page over a driver.Fake. genSeq, when set, feeds
// DOMGeneration one value per call to simulate mid-resolution
// navigations.
type fakePage struct {
	drv   *driver.Fake
	scope string

	mu     sync.Mutex
	gen    uint64
	genSeq []uint64
}

func newFakePage() *fakePage {
	return &fakePage{drv: driver.NewFake(), gen: 1}
}

func (p *fakePage) Driver() driver.Driver { return p.drv }
func (p *fakePage) SessionID() string     { return "sess-1" }
func (p *fakePage) ContextID() string     { return "tab-1" }
func (p *fakePage) Scope() string         { return p.scope }

func (p *fakePage) DOMGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.genSeq) > 0 {
		g := p.genSeq[0]
		p.genSeq = p.genSeq[1:]
		return g
	}
	return p.gen
}

func (p *fakePage) navigate() {
	p.mu.Lock()
	p.gen++
	p.mu.Unlock()
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *fakePage) {
	t.Helper()
	root := writeTree(t, map[string]string{
		"match/header.yaml": `selectors:
  home_team:
    timeout_ms: 500
    retry_count: 0
    strategies:
      - kind: css
        expr: ".home .team-name"
      - kind: text_anchor
        text: "Arsenal"
        weight: 0.8
    validation:
      required: true
      min_length: 2
`,
	})
	store, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(store, opts...), newFakePage()
}

var (
	cssLoc  = driver.Locator{Kind: driver.KindCSS, Expr: ".home .team-name"}
	textLoc = driver.Locator{Kind: driver.KindText, Text: "Arsenal"}
)

func TestResolveFirstStrategy(t *testing.T) {
	eng, page := newTestEngine(t)
	page.drv.Place(cssLoc, &driver.FakeElement{Text: "Arsenal", Visible: true})

	res, err := eng.Resolve(context.Background(), page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched() {
		t.Fatal("no match")
	}
	if res.Strategy != driver.KindCSS || res.StrategyIndex != 0 {
		t.Errorf("won with %s[%d], want css[0]", res.Strategy, res.StrategyIndex)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
	if res.Text != "Arsenal" {
		t.Errorf("text = %q, want Arsenal", res.Text)
	}
}

func TestResolveFallsBackToNextStrategy(t *testing.T) {
	eng, page := newTestEngine(t)
	page.drv.Place(textLoc, &driver.FakeElement{Text: "Arsenal", Visible: true})

	res, err := eng.Resolve(context.Background(), page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != driver.KindText {
		t.Fatalf("won with %s, want text_anchor fallback", res.Strategy)
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", res.Confidence)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(res.Attempts))
	}
	if res.Attempts[0].Status != AttemptNoMatch || res.Attempts[0].Strategy != driver.KindCSS {
		t.Errorf("first attempt = %s/%s, want css no_match", res.Attempts[0].Strategy, res.Attempts[0].Status)
	}
	if res.Attempts[1].Status != AttemptMatched {
		t.Errorf("second attempt = %s, want matched", res.Attempts[1].Status)
	}
}

func TestResolveRoleNameAnchorsAccessibleName(t *testing.T) {
	root := writeTree(t, map[string]string{
		"login/form.yaml": `selectors:
  submit:
    strategies:
      - kind: role
        role: button
        name: "Submit"
`,
	})
	store, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	eng, page := NewEngine(store), newFakePage()
	roleLoc := driver.Locator{Kind: driver.KindRole, Role: "button", Name: "Submit"}
	ctx := context.Background()

	page.drv.Place(roleLoc, &driver.FakeElement{Text: "Cancel everything", Visible: true})
	res, err := eng.Resolve(ctx, page, "login.form.submit")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() {
		t.Fatalf("button %q matched name %q with confidence %v, want disqualified", res.Text, "Submit", res.Confidence)
	}

	page.drv.Place(roleLoc, &driver.FakeElement{Text: "Submit", Visible: true})
	res, err = eng.Resolve(ctx, page, "login.form.submit")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched() || res.Confidence != 1.0 {
		t.Fatalf("matching name scored %v, want 1.0", res.Confidence)
	}
}

func TestResolveExhaustionIsNotAnError(t *testing.T) {
	eng, page := newTestEngine(t)

	res, err := eng.Resolve(context.Background(), page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() || res.Confidence != 0 {
		t.Fatalf("got match %v conf %v, want absent", res.Matched(), res.Confidence)
	}
	if res.Passes != 1 {
		t.Errorf("passes = %d, want 1", res.Passes)
	}
	for _, a := range res.Attempts {
		if a.Status != AttemptNoMatch {
			t.Errorf("attempt %s status = %s, want no_match", a.Strategy, a.Status)
		}
	}
}

func TestResolveBelowThreshold(t *testing.T) {
	eng, page := newTestEngine(t)
	// Three ambiguous hidden candidates never reach 0.7.
	page.drv.Place(cssLoc,
		&driver.FakeElement{Text: "Arsenal"},
		&driver.FakeElement{Text: "Chelsea"},
		&driver.FakeElement{Text: "Spurs"})

	res, err := eng.Resolve(context.Background(), page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() {
		t.Fatalf("matched with confidence %v, want below threshold", res.Confidence)
	}
}

func TestResolveValidationDisqualifies(t *testing.T) {
	eng, page := newTestEngine(t)
	page.drv.Place(cssLoc, &driver.FakeElement{Text: "A", Visible: true}) // min_length 2

	res, err := eng.Resolve(context.Background(), page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched() {
		t.Fatal("validation should have zeroed the candidate")
	}
}

func TestResolveUnknownName(t *testing.T) {
	eng, page := newTestEngine(t)
	_, err := eng.Resolve(context.Background(), page, "match.header.referee")
	if !errors.Is(err, ErrUnknownSelector) {
		t.Fatalf("got %v, want ErrUnknownSelector", err)
	}
}

func TestResolveScopePreference(t *testing.T) {
	eng, page := newTestEngine(t)
	page.scope = "match.header"
	page.drv.Place(cssLoc, &driver.FakeElement{Text: "Arsenal", Visible: true})

	res, err := eng.Resolve(context.Background(), page, "home_team")
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "match.header.home_team" {
		t.Fatalf("resolved %q, want scope-qualified name", res.Name)
	}
}

func TestResolveCacheByGeneration(t *testing.T) {
	eng, page := newTestEngine(t)
	page.drv.Place(cssLoc, &driver.FakeElement{Text: "Arsenal", Visible: true})
	ctx := context.Background()

	first, err := eng.Resolve(ctx, page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Fatal("first resolution claims cache hit")
	}

	second, err := eng.Resolve(ctx, page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Fatal("second resolution missed the cache")
	}

	page.navigate()
	third, err := eng.Resolve(ctx, page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if third.FromCache {
		t.Fatal("cache served a stale generation")
	}
}

func TestResolveCacheEvictsDetached(t *testing.T) {
	eng, page := newTestEngine(t)
	el := &driver.FakeElement{Text: "Arsenal", Visible: true}
	page.drv.Place(cssLoc, el)
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, page, "match.header.home_team"); err != nil {
		t.Fatal(err)
	}

	el.Detached = true
	fresh := &driver.FakeElement{Text: "Arsenal", Visible: true}
	page.drv.Place(cssLoc, fresh)

	res, err := eng.Resolve(ctx, page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Fatal("cache returned a detached element")
	}
	if res.Element != driver.Handle(fresh) {
		t.Fatal("resolution did not pick the fresh element")
	}
}

func TestResolveCacheEvictsHidden(t *testing.T) {
	eng, page := newTestEngine(t)
	el := &driver.FakeElement{Text: "Arsenal", Visible: true}
	page.drv.Place(cssLoc, el)
	ctx := context.Background()

	if _, err := eng.Resolve(ctx, page, "match.header.home_team"); err != nil {
		t.Fatal(err)
	}

	el.Visible = false
	res, err := eng.Resolve(ctx, page, "match.header.home_team")
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Fatal("cache returned a hidden element")
	}
	if res.Confidence != 0.7 {
		t.Errorf("confidence = %v, want the hidden penalty applied", res.Confidence)
	}
}

func TestResolveContextInvalidatedMidFlight(t *testing.T) {
	eng, page := newTestEngine(t)
	// Cache key read, attempt start, post-attempt check: the page
	// navigates between the last two.
	page.genSeq = []uint64{1, 1, 2}

	_, err := eng.Resolve(context.Background(), page, "match.header.home_team")
	if !errors.Is(err, ErrContextInvalidated) {
		t.Fatalf("got %v, want ErrContextInvalidated", err)
	}
}

func TestInteractClick(t *testing.T) {
	eng, page := newTestEngine(t)
	el := &driver.FakeElement{Text: "Arsenal", Visible: true}
	page.drv.Place(cssLoc, el)

	if _, err := eng.Interact(context.Background(), page, "match.header.home_team", ActionClick, ""); err != nil {
		t.Fatal(err)
	}
	if el.Clicks != 1 {
		t.Fatalf("clicks = %d, want 1", el.Clicks)
	}
	if !el.Scrolled {
		t.Error("click did not scroll into view first")
	}
}

func TestInteractReResolvesDetached(t *testing.T) {
	eng, page := newTestEngine(t)
	el := &driver.FakeElement{Text: "Arsenal", Visible: true}
	page.drv.Place(cssLoc, el)
	ctx := context.Background()

	// Prime the cache, then detach the cached element behind the
	// engine's back.
	if _, err := eng.Resolve(ctx, page, "match.header.home_team"); err != nil {
		t.Fatal(err)
	}
	el.Detached = true
	fresh := &driver.FakeElement{Text: "Arsenal", Visible: true}
	page.drv.Place(cssLoc, fresh)

	if _, err := eng.Interact(ctx, page, "match.header.home_team", ActionClick, ""); err != nil {
		t.Fatal(err)
	}
	if fresh.Clicks != 1 {
		t.Fatalf("fresh element clicks = %d, want 1", fresh.Clicks)
	}
}

func TestInteractReResolvesAfterNavigation(t *testing.T) {
	eng, page := newTestEngine(t)
	el := &driver.FakeElement{Text: "Arsenal", Visible: true}
	page.drv.Place(cssLoc, el)
	// Resolution completes at generation 1; the page reaches 2 before
	// the click lands.
	page.genSeq = []uint64{1, 1, 2, 2, 2}
	page.gen = 2

	if _, err := eng.Interact(context.Background(), page, "match.header.home_team", ActionClick, ""); err != nil {
		t.Fatal(err)
	}
	if el.Clicks != 1 {
		t.Fatalf("clicks = %d, want 1", el.Clicks)
	}
	queries := 0
	for _, call := range page.drv.Calls {
		if strings.HasPrefix(call, "query_all:") {
			queries++
		}
	}
	if queries != 2 {
		t.Fatalf("queries = %d, want a second resolution after the generation moved", queries)
	}
}

func TestInteractBelowThresholdFails(t *testing.T) {
	eng, page := newTestEngine(t)
	_, err := eng.Interact(context.Background(), page, "match.header.home_team", ActionClick, "")
	if err == nil {
		t.Fatal("interaction on an unresolved selector must fail")
	}
}

func TestResolutionEventReportsFallback(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test", 4, events.ResolutionCompleted)
	defer bus.Unsubscribe(sub)

	eng, page := newTestEngine(t, WithEngineBus(bus))
	page.drv.Place(textLoc, &driver.FakeElement{Text: "Arsenal", Visible: true})

	if _, err := eng.Resolve(context.Background(), page, "match.header.home_team"); err != nil {
		t.Fatal(err)
	}

	ev := <-sub.C
	if ev.Payload["strategy_used"] != "text_anchor" {
		t.Errorf("strategy_used = %v, want text_anchor", ev.Payload["strategy_used"])
	}
	if ev.Payload["fallback_used"] != true {
		t.Errorf("fallback_used = %v, want true", ev.Payload["fallback_used"])
	}
	if ev.Payload["from_cache"] != false {
		t.Errorf("from_cache = %v, want false", ev.Payload["from_cache"])
	}
}

func TestStoreReloadKeepsActiveOnError(t *testing.T) {
	root := writeTree(t, map[string]string{
		"page.yaml": `selectors:
  x:
    strategies:
      - kind: css
        expr: ".x"
`,
	})
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("test", 4, events.ConfigReloadFailed)
	defer bus.Unsubscribe(sub)

	store, err := Open(root, WithBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	before := store.Snapshot()

	if err := writeBroken(root); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("reload of a broken tree must fail")
	}
	if store.Snapshot() != before {
		t.Fatal("broken reload replaced the active snapshot")
	}

	ev := <-sub.C
	if ev.Type != events.ConfigReloadFailed {
		t.Fatalf("got event %q, want reload failure", ev.Type)
	}
}

func writeBroken(root string) error {
	body := "selectors:\n  x:\n    strategies:\n      - kind: nope\n"
	return os.WriteFile(filepath.Join(root, "broken.yaml"), []byte(body), 0o644)
}
