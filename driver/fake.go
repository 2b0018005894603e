package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeElement is a scriptable element for tests.
type FakeElement struct {
	Text     string
	Attrs    map[string]string
	Visible  bool
	Detached bool
	Box      Rect

	Clicks    int
	FillValue string
	Pressed   []string
	Hovered   bool
	Scrolled  bool
	Disposed  bool
}

// Fake is an in-memory Driver for tests. Place elements under locator
// keys and script page-level responses; every mutation is observable.
type Fake struct {
	mu sync.Mutex

	PageURL   string
	PageTitle string
	PageHTML  string
	Shot      []byte
	CookieJar []Cookie

	GotoErr    error
	ContentErr error
	ShotErr    error

	// OnNavigate is called inside Goto with the target URL, before the
	// navigation is recorded. Used to simulate generation bumps.
	OnNavigate func(url string)

	Navigations int
	Calls       []string

	placements map[string][]*FakeElement
}

// NewFake creates an empty fake driver.
func NewFake() *Fake {
	return &Fake{placements: make(map[string][]*FakeElement)}
}

// Place registers elements returned for the locator.
func (f *Fake) Place(loc Locator, els ...*FakeElement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placements[loc.Key()] = els
}

// Remove clears the elements for a locator.
func (f *Fake) Remove(loc Locator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.placements, loc.Key())
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, op)
	f.mu.Unlock()
}

func (f *Fake) Goto(ctx context.Context, url string, wait WaitStrategy, timeout time.Duration) error {
	f.record("goto")
	if f.GotoErr != nil {
		return f.GotoErr
	}
	if f.OnNavigate != nil {
		f.OnNavigate(url)
	}
	f.mu.Lock()
	f.PageURL = url
	f.Navigations++
	f.mu.Unlock()
	return nil
}

func (f *Fake) QueryAll(ctx context.Context, loc Locator) ([]Handle, error) {
	f.record("query_all:" + loc.Key())
	if err := loc.Validate(); err != nil {
		return nil, NewError(CategoryInternal, "query_all", err)
	}
	f.mu.Lock()
	els := f.placements[loc.Key()]
	f.mu.Unlock()

	handles := make([]Handle, 0, len(els))
	for _, el := range els {
		handles = append(handles, el)
	}
	return handles, nil
}

func (f *Fake) QueryOne(ctx context.Context, loc Locator) (Handle, error) {
	handles, err := f.QueryAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, NewError(CategoryNotFound, "query_one", fmt.Errorf("no match for %s", loc.Key()))
	}
	return handles[0], nil
}

func (f *Fake) WaitFor(ctx context.Context, loc Locator, timeout time.Duration) (Handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		h, err := f.QueryOne(ctx, loc)
		if err == nil {
			return h, nil
		}
		if time.Now().After(deadline) {
			return nil, NewError(CategoryTimeout, "wait_for", fmt.Errorf("no match for %s", loc.Key()))
		}
		select {
		case <-ctx.Done():
			return nil, categorize("wait_for", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *Fake) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	f.record("evaluate")
	return nil, nil
}

func (f *Fake) Content(ctx context.Context) (string, error) {
	f.record("content")
	if f.ContentErr != nil {
		return "", f.ContentErr
	}
	return f.PageHTML, nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	f.record("screenshot")
	if f.ShotErr != nil {
		return nil, f.ShotErr
	}
	return f.Shot, nil
}

func (f *Fake) URL(ctx context.Context) (string, error)   { return f.PageURL, nil }
func (f *Fake) Title(ctx context.Context) (string, error) { return f.PageTitle, nil }

func (f *Fake) Cookies(ctx context.Context) ([]Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Cookie, len(f.CookieJar))
	copy(out, f.CookieJar)
	return out, nil
}

func (f *Fake) SetCookies(ctx context.Context, cookies []Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CookieJar = append([]Cookie{}, cookies...)
	return nil
}

func (f *Fake) Click(ctx context.Context, h Handle) error {
	el, err := f.element(h)
	if err != nil {
		return err
	}
	el.Clicks++
	return nil
}

func (f *Fake) Fill(ctx context.Context, h Handle, text string) error {
	el, err := f.element(h)
	if err != nil {
		return err
	}
	el.FillValue = text
	return nil
}

func (f *Fake) Press(ctx context.Context, h Handle, key string) error {
	el, err := f.element(h)
	if err != nil {
		return err
	}
	el.Pressed = append(el.Pressed, key)
	return nil
}

func (f *Fake) Hover(ctx context.Context, h Handle) error {
	el, err := f.element(h)
	if err != nil {
		return err
	}
	el.Hovered = true
	return nil
}

func (f *Fake) ScrollIntoView(ctx context.Context, h Handle) error {
	el, err := f.element(h)
	if err != nil {
		return err
	}
	el.Scrolled = true
	return nil
}

func (f *Fake) Attribute(ctx context.Context, h Handle, name string) (string, bool, error) {
	el, err := f.element(h)
	if err != nil {
		return "", false, err
	}
	v, ok := el.Attrs[name]
	return v, ok, nil
}

func (f *Fake) InnerText(ctx context.Context, h Handle) (string, error) {
	el, err := f.element(h)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func (f *Fake) BoundingBox(ctx context.Context, h Handle) (*Rect, error) {
	el, err := f.element(h)
	if err != nil {
		return nil, err
	}
	box := el.Box
	return &box, nil
}

func (f *Fake) IsVisible(ctx context.Context, h Handle) (bool, error) {
	el, err := f.element(h)
	if err != nil {
		return false, err
	}
	return el.Visible, nil
}

func (f *Fake) Dispose(h Handle) {
	if el, ok := h.(*FakeElement); ok && el != nil {
		el.Disposed = true
	}
}

func (f *Fake) element(h Handle) (*FakeElement, error) {
	el, ok := h.(*FakeElement)
	if !ok || el == nil {
		return nil, NewError(CategoryDetached, "handle", fmt.Errorf("handle is not a fake element"))
	}
	if el.Detached {
		return nil, NewError(CategoryDetached, "handle", fmt.Errorf("element detached"))
	}
	return el, nil
}
