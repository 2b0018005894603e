package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/kit"
)

// Rod drives one browser tab through go-rod. Every call is bound to the
// caller's context and reported on the event bus with its correlation ID.
type Rod struct {
	page   *rod.Page
	bus    *events.Bus
	logger *slog.Logger
}

// NewRod wraps a rod page in the Driver facade. bus may be nil in tests.
func NewRod(page *rod.Page, bus *events.Bus, logger *slog.Logger) *Rod {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rod{page: page, bus: bus, logger: logger}
}

// Page exposes the underlying rod page for tab-lifecycle management.
// Components other than the session manager must not use this.
func (r *Rod) Page() *rod.Page { return r.page }

func (r *Rod) emit(ctx context.Context, op string, start time.Time, err error) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{
		"op":          op,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	sev := events.SeverityDebug
	if err != nil {
		payload["error"] = err.Error()
		sev = events.SeverityWarn
	}
	r.bus.Publish(events.Event{
		Type:          events.DriverCall,
		CorrelationID: kit.GetCorrelationID(ctx),
		SessionID:     kit.GetSessionID(ctx),
		ContextID:     kit.GetContextID(ctx),
		Severity:      sev,
		Payload:       payload,
	})
}

func (r *Rod) Goto(ctx context.Context, url string, wait WaitStrategy, timeout time.Duration) (err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "goto", start, err) }()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := r.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return categorize("goto", err)
	}

	switch wait {
	case WaitDOMContent:
		err = page.WaitDOMStable(300*time.Millisecond, 0)
	case WaitNetworkIdle:
		waitIdle := page.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
		waitIdle()
	default:
		err = page.WaitLoad()
	}
	if err != nil {
		return categorize("goto", err)
	}
	return nil
}

func (r *Rod) QueryAll(ctx context.Context, loc Locator) (handles []Handle, err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "query_all", start, err) }()

	if err := loc.Validate(); err != nil {
		return nil, NewError(CategoryInternal, "query_all", err)
	}

	page := r.page.Context(ctx)
	var els rod.Elements

	switch loc.Kind {
	case KindCSS:
		els, err = page.Elements(loc.Expr)
	case KindRole:
		els, err = r.queryRole(page, loc)
	default:
		els, err = page.ElementsX(loc.xpath())
	}
	if err != nil {
		return nil, categorize("query_all", err)
	}

	handles = make([]Handle, 0, len(els))
	for _, el := range els {
		handles = append(handles, el)
	}
	return handles, nil
}

// queryRole matches explicit role attributes and the implicit-role
// selector union, deduplicated by remote object ID.
func (r *Rod) queryRole(page *rod.Page, loc Locator) (rod.Elements, error) {
	explicit, err := page.ElementsX(loc.xpath())
	if err != nil {
		return nil, err
	}

	css := implicitRoleCSS(loc.Role)
	if css == "" {
		return explicit, nil
	}
	implicit, err := page.Elements(css)
	if err != nil {
		return nil, err
	}

	seen := make(map[proto.RuntimeRemoteObjectID]bool, len(explicit))
	out := make(rod.Elements, 0, len(explicit)+len(implicit))
	for _, el := range explicit {
		seen[el.Object.ObjectID] = true
		out = append(out, el)
	}
	for _, el := range implicit {
		if !seen[el.Object.ObjectID] {
			out = append(out, el)
		}
	}
	return out, nil
}

func (r *Rod) QueryOne(ctx context.Context, loc Locator) (Handle, error) {
	handles, err := r.QueryAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, NewError(CategoryNotFound, "query_one", fmt.Errorf("no match for %s", loc.Key()))
	}
	for _, h := range handles[1:] {
		r.Dispose(h)
	}
	return handles[0], nil
}

func (r *Rod) WaitFor(ctx context.Context, loc Locator, timeout time.Duration) (Handle, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		h, err := r.QueryOne(ctx, loc)
		if err == nil {
			return h, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, NewError(CategoryTimeout, "wait_for",
				fmt.Errorf("no match for %s within %s", loc.Key(), timeout))
		}
		select {
		case <-ctx.Done():
			return nil, categorize("wait_for", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *Rod) Evaluate(ctx context.Context, script string, args ...any) (val any, err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "evaluate", start, err) }()

	res, err := r.page.Context(ctx).Eval(script, args...)
	if err != nil {
		return nil, categorize("evaluate", err)
	}
	return res.Value.Val(), nil
}

func (r *Rod) Content(ctx context.Context) (html string, err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "content", start, err) }()

	html, err = r.page.Context(ctx).HTML()
	if err != nil {
		return "", categorize("content", err)
	}
	return html, nil
}

func (r *Rod) Screenshot(ctx context.Context) (png []byte, err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "screenshot", start, err) }()

	png, err = r.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, categorize("screenshot", err)
	}
	return png, nil
}

func (r *Rod) URL(ctx context.Context) (string, error) {
	info, err := r.page.Context(ctx).Info()
	if err != nil {
		return "", categorize("url", err)
	}
	return info.URL, nil
}

func (r *Rod) Title(ctx context.Context) (string, error) {
	info, err := r.page.Context(ctx).Info()
	if err != nil {
		return "", categorize("title", err)
	}
	return info.Title, nil
}

func (r *Rod) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := r.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, categorize("cookies", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

func (r *Rod) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	if err := r.page.Context(ctx).SetCookies(params); err != nil {
		return categorize("set_cookies", err)
	}
	return nil
}

func (r *Rod) Click(ctx context.Context, h Handle) (err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "click", start, err) }()

	el, err := r.element(h)
	if err != nil {
		return err
	}
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return categorize("click", err)
	}
	return nil
}

func (r *Rod) Fill(ctx context.Context, h Handle, text string) (err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "fill", start, err) }()

	el, err := r.element(h)
	if err != nil {
		return err
	}
	el = el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return categorize("fill", err)
	}
	if err := el.Input(text); err != nil {
		return categorize("fill", err)
	}
	return nil
}

var pressKeys = map[string]input.Key{
	"Enter":     input.Enter,
	"Tab":       input.Tab,
	"Escape":    input.Escape,
	"Backspace": input.Backspace,
	"ArrowDown": input.ArrowDown,
	"ArrowUp":   input.ArrowUp,
}

func (r *Rod) Press(ctx context.Context, h Handle, key string) (err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "press", start, err) }()

	el, err := r.element(h)
	if err != nil {
		return err
	}
	k, ok := pressKeys[key]
	if !ok {
		return NewError(CategoryInternal, "press", fmt.Errorf("unsupported key %q", key))
	}
	if err := el.Context(ctx).Type(k); err != nil {
		return categorize("press", err)
	}
	return nil
}

func (r *Rod) Hover(ctx context.Context, h Handle) (err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "hover", start, err) }()

	el, err := r.element(h)
	if err != nil {
		return err
	}
	if err := el.Context(ctx).Hover(); err != nil {
		return categorize("hover", err)
	}
	return nil
}

func (r *Rod) ScrollIntoView(ctx context.Context, h Handle) (err error) {
	start := time.Now()
	defer func() { r.emit(ctx, "scroll_into_view", start, err) }()

	el, err := r.element(h)
	if err != nil {
		return err
	}
	if err := el.Context(ctx).ScrollIntoView(); err != nil {
		return categorize("scroll_into_view", err)
	}
	return nil
}

func (r *Rod) Attribute(ctx context.Context, h Handle, name string) (string, bool, error) {
	el, err := r.element(h)
	if err != nil {
		return "", false, err
	}
	v, err := el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, categorize("attribute", err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (r *Rod) InnerText(ctx context.Context, h Handle) (string, error) {
	el, err := r.element(h)
	if err != nil {
		return "", err
	}
	text, err := el.Context(ctx).Text()
	if err != nil {
		return "", categorize("inner_text", err)
	}
	return text, nil
}

func (r *Rod) BoundingBox(ctx context.Context, h Handle) (*Rect, error) {
	el, err := r.element(h)
	if err != nil {
		return nil, err
	}
	res, err := el.Context(ctx).Eval(`() => {
		const r = this.getBoundingClientRect();
		return {x: r.x, y: r.y, width: r.width, height: r.height};
	}`)
	if err != nil {
		return nil, categorize("bounding_box", err)
	}
	return &Rect{
		X:      res.Value.Get("x").Num(),
		Y:      res.Value.Get("y").Num(),
		Width:  res.Value.Get("width").Num(),
		Height: res.Value.Get("height").Num(),
	}, nil
}

func (r *Rod) IsVisible(ctx context.Context, h Handle) (bool, error) {
	el, err := r.element(h)
	if err != nil {
		return false, err
	}
	visible, err := el.Context(ctx).Visible()
	if err != nil {
		return false, categorize("is_visible", err)
	}
	return visible, nil
}

func (r *Rod) Dispose(h Handle) {
	el, ok := h.(*rod.Element)
	if !ok || el == nil {
		return
	}
	_ = r.page.Release(el.Object)
}

func (r *Rod) element(h Handle) (*rod.Element, error) {
	el, ok := h.(*rod.Element)
	if !ok || el == nil {
		return nil, NewError(CategoryDetached, "handle", fmt.Errorf("handle is not a live element"))
	}
	return el, nil
}
