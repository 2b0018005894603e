package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/domscout/driver"
	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/kit"
)

// Per-strategy budget inside one resolution attempt. The descriptor
// timeout still bounds the whole resolution.
const strategyBudget = 2 * time.Second

const (
	backoffBase   = 100 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 2 * time.Second
)

// Page is the tab surface the engine resolves against. Implemented by
// session.TabContext.
type Page interface {
	Driver() driver.Driver
	SessionID() string
	ContextID() string
	// Scope is the tab's active descriptor scope, used to qualify
	// short semantic names. May be empty.
	Scope() string
	// DOMGeneration increments on every navigation. Cached elements
	// from older generations are stale.
	DOMGeneration() uint64
}

// AttemptStatus classifies one strategy attempt.
type AttemptStatus string

const (
	AttemptMatched AttemptStatus = "matched"
	AttemptNoMatch AttemptStatus = "no_match"
	AttemptTimeout AttemptStatus = "timeout"
	AttemptError   AttemptStatus = "error"
)

// AttemptRecord describes one strategy that was actually tried.
type AttemptRecord struct {
	Strategy   driver.Kind
	Status     AttemptStatus
	Confidence float64
	Error      string
	Duration   time.Duration
}

// Result reports one resolution.
type Result struct {
	Name          string
	Strategy      driver.Kind
	StrategyIndex int
	Confidence    float64
	Attempts      []AttemptRecord
	Passes        int
	MatchCount    int
	Element       driver.Handle
	Text          string
	Elapsed       time.Duration
	FromCache     bool
	// Generation is the DOM generation the element was resolved at.
	// Callers compare it against the tab's current generation before
	// acting on Element.
	Generation uint64
}

// Matched reports whether the resolution produced an element at or
// above the descriptor's threshold.
func (r Result) Matched() bool { return r.Element != nil }

// Action is a user-level interaction verb.
type Action string

const (
	ActionClick  Action = "click"
	ActionFill   Action = "fill"
	ActionPress  Action = "press"
	ActionHover  Action = "hover"
	ActionScroll Action = "scroll"
)

type cacheKey struct {
	contextID  string
	generation uint64
	name       string
}

type cacheEntry struct {
	handle driver.Handle
	result Result
}

// Engine resolves semantic names against live tabs. Safe for
// concurrent use; the element cache is keyed by tab context and DOM
// generation so navigations never serve stale handles.
type Engine struct {
	store  *Store
	stats  *Stats
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineBus publishes resolution and interaction events.
func WithEngineBus(bus *events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine over the store.
func NewEngine(store *Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		stats:  NewStats(),
		logger: slog.Default(),
		cache:  make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats exposes the per-name resolution metrics.
func (e *Engine) Stats() *Stats { return e.stats }

// InvalidateContext drops every cached element for a tab. Called on
// navigation and on tab close.
func (e *Engine) InvalidateContext(contextID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.cache {
		if k.contextID == contextID {
			delete(e.cache, k)
		}
	}
}

// Resolve finds the element for a semantic name on the page. Strategies
// run in priority order; the first candidate at or above the threshold
// wins. When every strategy and retry is exhausted without a match, the
// returned Result has zero confidence and err is nil: absence is an
// answer, not a failure.
func (e *Engine) Resolve(ctx context.Context, page Page, name string) (Result, error) {
	start := time.Now()
	desc, err := e.store.Get(name, page.Scope())
	if err != nil {
		return Result{Name: name}, err
	}

	key := cacheKey{page.ContextID(), page.DOMGeneration(), desc.Name}
	if res, ok := e.cacheLookup(ctx, page, key); ok {
		e.stats.CacheHit(desc.Name)
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	var attempts []AttemptRecord
	passes := 0
	for try := 0; try <= desc.RetryCount; try++ {
		gen := page.DOMGeneration()
		passes++

		res, err := e.runStrategies(ctx, page, desc, &attempts)
		if err != nil {
			failed := Result{Name: desc.Name, Attempts: attempts, Passes: passes, Elapsed: time.Since(start)}
			e.stats.Failure(desc.Name, failed.Elapsed)
			e.publishResolution(ctx, page, desc, failed, err)
			return failed, err
		}
		if res.Matched() {
			res.Attempts = attempts
			res.Passes = passes
			res.Elapsed = time.Since(start)
			res.Generation = gen
			e.cacheStore(cacheKey{page.ContextID(), gen, desc.Name}, res)
			e.stats.Success(desc.Name, string(res.Strategy), res.Confidence, res.Elapsed)
			e.publishResolution(ctx, page, desc, res, nil)
			return res, nil
		}

		if page.DOMGeneration() != gen {
			e.InvalidateContext(page.ContextID())
			return Result{Name: desc.Name, Attempts: attempts, Passes: passes}, ErrContextInvalidated
		}
		if try < desc.RetryCount {
			if err := sleepCtx(ctx, backoffDelay(try)); err != nil {
				break
			}
		}
	}

	res := Result{Name: desc.Name, Attempts: attempts, Passes: passes, Confidence: 0, Elapsed: time.Since(start)}
	e.stats.Failure(desc.Name, res.Elapsed)
	e.publishResolution(ctx, page, desc, res, nil)
	e.logger.Debug("selector unresolved",
		"name", desc.Name, "passes", passes, "strategies_tried", len(attempts))
	return res, nil
}

// runStrategies executes one full pass over the descriptor's
// strategies, appending an attempt record per strategy actually tried.
// A crash or detach aborts the resolution; everything else is recorded
// and the pass moves on.
func (e *Engine) runStrategies(ctx context.Context, page Page, desc *Descriptor, attempts *[]AttemptRecord) (Result, error) {
	drv := page.Driver()

	for i, st := range desc.Strategies {
		if ctx.Err() != nil {
			*attempts = append(*attempts, AttemptRecord{Strategy: st.Kind, Status: AttemptTimeout})
			return Result{}, driver.NewError(driver.CategoryTimeout, "resolve", ctx.Err())
		}
		began := time.Now()
		sctx, cancel := context.WithTimeout(ctx, strategyBudget)
		handles, err := drv.QueryAll(sctx, st.Locator)
		cancel()
		if err != nil {
			status := AttemptError
			if driver.IsTimeout(err) {
				status = AttemptTimeout
			}
			*attempts = append(*attempts, AttemptRecord{
				Strategy: st.Kind, Status: status, Error: err.Error(), Duration: time.Since(began)})
			switch driver.CategoryOf(err) {
			case driver.CategoryCrashed, driver.CategoryDetached:
				return Result{}, err
			}
			continue
		}
		if len(handles) == 0 {
			*attempts = append(*attempts, AttemptRecord{
				Strategy: st.Kind, Status: AttemptNoMatch, Duration: time.Since(began)})
			continue
		}

		winner, conf, text := e.scoreCandidates(ctx, drv, desc, st, handles)
		if winner != nil && conf >= desc.Threshold {
			*attempts = append(*attempts, AttemptRecord{
				Strategy: st.Kind, Status: AttemptMatched, Confidence: conf, Duration: time.Since(began)})
			return Result{
				Name:          desc.Name,
				Strategy:      st.Kind,
				StrategyIndex: i,
				Confidence:    conf,
				MatchCount:    len(handles),
				Element:       winner,
				Text:          text,
			}, nil
		}
		if winner != nil {
			drv.Dispose(winner)
		}
		*attempts = append(*attempts, AttemptRecord{
			Strategy: st.Kind, Status: AttemptNoMatch, Confidence: conf, Duration: time.Since(began)})
	}
	return Result{}, nil
}

// scoreCandidates scores every handle and keeps the best, disposing the
// rest.
func (e *Engine) scoreCandidates(ctx context.Context, drv driver.Driver, desc *Descriptor, st Strategy, handles []driver.Handle) (driver.Handle, float64, string) {
	var best driver.Handle
	var bestConf float64
	var bestText string

	for _, h := range handles {
		text, err := drv.InnerText(ctx, h)
		if err != nil {
			drv.Dispose(h)
			continue
		}
		visible, err := drv.IsVisible(ctx, h)
		if err != nil {
			drv.Dispose(h)
			continue
		}
		conf := confidence(scoreInput{
			weight:     st.Weight,
			matchCount: len(handles),
			visible:    visible,
			text:       text,
			wantText:   anchorText(st),
			valid:      desc.Validation.validate(text),
		})
		if conf > bestConf {
			if best != nil {
				drv.Dispose(best)
			}
			best, bestConf, bestText = h, conf, text
		} else {
			drv.Dispose(h)
		}
	}
	return best, bestConf, bestText
}

// Interact resolves the name and performs the action on the element.
// The element is re-checked just before the action; a stale or detached
// element is re-resolved once before the action fails.
func (e *Engine) Interact(ctx context.Context, page Page, name string, action Action, value string) (Result, error) {
	res, err := e.Resolve(ctx, page, name)
	if err != nil {
		e.publishInteraction(ctx, page, name, action, res, err)
		return res, err
	}
	if !res.Matched() {
		err = fmt.Errorf("selector: %q: no candidate reached threshold after %d passes", name, res.Passes)
		e.publishInteraction(ctx, page, name, action, res, err)
		return res, err
	}

	// The page can navigate or mutate between resolution and the
	// action.
	if e.staleHandle(ctx, page, res) {
		e.InvalidateContext(page.ContextID())
		res, err = e.Resolve(ctx, page, name)
		if err == nil && !res.Matched() {
			err = fmt.Errorf("selector: %q: element went stale and re-resolution found no match", name)
		}
		if err != nil {
			e.publishInteraction(ctx, page, name, action, res, err)
			return res, err
		}
	}

	err = e.perform(ctx, page, res.Element, action, value)
	if err != nil && driver.CategoryOf(err) == driver.CategoryDetached {
		e.InvalidateContext(page.ContextID())
		res, err = e.Resolve(ctx, page, name)
		if err == nil && !res.Matched() {
			err = fmt.Errorf("selector: %q: element detached and re-resolution found no match", name)
		}
		if err == nil {
			err = e.perform(ctx, page, res.Element, action, value)
		}
	}
	e.publishInteraction(ctx, page, name, action, res, err)
	if err != nil {
		return res, fmt.Errorf("selector: %s %q: %w", action, name, err)
	}
	return res, nil
}

// staleHandle reports whether a resolved element can no longer be acted
// on: the tab moved to a newer DOM generation, or the element detached
// or went hidden.
func (e *Engine) staleHandle(ctx context.Context, page Page, res Result) bool {
	if page.DOMGeneration() != res.Generation {
		return true
	}
	visible, err := page.Driver().IsVisible(ctx, res.Element)
	return err != nil || !visible
}

func (e *Engine) perform(ctx context.Context, page Page, h driver.Handle, action Action, value string) error {
	drv := page.Driver()
	switch action {
	case ActionClick:
		if err := drv.ScrollIntoView(ctx, h); err != nil {
			return err
		}
		return drv.Click(ctx, h)
	case ActionFill:
		return drv.Fill(ctx, h, value)
	case ActionPress:
		return drv.Press(ctx, h, value)
	case ActionHover:
		return drv.Hover(ctx, h)
	case ActionScroll:
		return drv.ScrollIntoView(ctx, h)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// Text resolves the name and returns the element's inner text.
func (e *Engine) Text(ctx context.Context, page Page, name string) (string, error) {
	res, err := e.Resolve(ctx, page, name)
	if err != nil {
		return "", err
	}
	if !res.Matched() {
		return "", fmt.Errorf("selector: %q: no match", name)
	}
	return res.Text, nil
}

func (e *Engine) cacheLookup(ctx context.Context, page Page, key cacheKey) (Result, bool) {
	e.mu.Lock()
	entry, ok := e.cache[key]
	e.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	// A cached handle can detach or go hidden without a navigation
	// (DOM mutation).
	visible, err := page.Driver().IsVisible(ctx, entry.handle)
	if err != nil || !visible {
		e.mu.Lock()
		delete(e.cache, key)
		e.mu.Unlock()
		return Result{}, false
	}
	res := entry.result
	res.FromCache = true
	return res, true
}

func (e *Engine) cacheStore(key cacheKey, res Result) {
	e.mu.Lock()
	e.cache[key] = cacheEntry{handle: res.Element, result: res}
	e.mu.Unlock()
}

func (e *Engine) publishResolution(ctx context.Context, page Page, desc *Descriptor, res Result, err error) {
	if e.bus == nil {
		return
	}
	ev := events.Event{
		CorrelationID: kit.GetCorrelationID(ctx),
		SessionID:     page.SessionID(),
		ContextID:     page.ContextID(),
		Payload: map[string]any{
			"name":        desc.Name,
			"passes":      res.Passes,
			"attempts":    len(res.Attempts),
			"confidence":  res.Confidence,
			"duration_ms": res.Elapsed.Milliseconds(),
		},
	}
	switch {
	case err != nil:
		ev.Type = events.ResolutionFailed
		ev.Severity = events.SeverityError
		ev.Payload["error"] = err.Error()
	case res.Matched():
		ev.Type = events.ResolutionCompleted
		ev.Payload["strategy_used"] = string(res.Strategy)
		ev.Payload["fallback_used"] = res.StrategyIndex > 0
		ev.Payload["from_cache"] = res.FromCache
	default:
		ev.Type = events.ResolutionFailed
		ev.Severity = events.SeverityWarn
		ev.Payload["reason"] = "below_threshold"
	}
	e.bus.Publish(ev)
}

func (e *Engine) publishInteraction(ctx context.Context, page Page, name string, action Action, res Result, err error) {
	if e.bus == nil {
		return
	}
	ev := events.Event{
		CorrelationID: kit.GetCorrelationID(ctx),
		SessionID:     page.SessionID(),
		ContextID:     page.ContextID(),
		Payload: map[string]any{
			"name":   name,
			"action": string(action),
		},
	}
	if err != nil {
		ev.Type = events.InteractionFailed
		ev.Severity = events.SeverityError
		ev.Payload["error"] = err.Error()
	} else {
		ev.Type = events.InteractionCompleted
		ev.Payload["confidence"] = res.Confidence
	}
	e.bus.Publish(ev)
}

func backoffDelay(try int) time.Duration {
	d := backoffBase
	for i := 0; i < try; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
