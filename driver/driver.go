// Package driver is the capability surface over the headless browser.
//
// No selector logic lives here: the engine decides what to look for, the
// driver knows how to ask the browser. One Driver instance is bound to
// one tab; this is the only package permitted to touch the browser.
package driver

import (
	"context"
	"time"
)

// WaitStrategy selects the readiness signal Goto waits for.
type WaitStrategy string

const (
	WaitLoad        WaitStrategy = "load"
	WaitDOMContent  WaitStrategy = "dom_content"
	WaitNetworkIdle WaitStrategy = "network_idle"
)

// Handle is an opaque reference to a live DOM element. Handles are only
// meaningful to the Driver that produced them and die with the page
// generation they were resolved against.
type Handle interface{}

// Cookie is a browser cookie in transport-neutral form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
}

// Rect is an element bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Driver is the thin facade every component drives the browser through.
// Implementations must return categorized *Error values so the caller
// can distinguish NotFound from Detached from a crash.
type Driver interface {
	// Goto navigates the tab and waits for the readiness signal.
	Goto(ctx context.Context, url string, wait WaitStrategy, timeout time.Duration) error

	// QueryAll returns every element matching the locator, in document order.
	QueryAll(ctx context.Context, loc Locator) ([]Handle, error)
	// QueryOne returns the first match or a NotFound error.
	QueryOne(ctx context.Context, loc Locator) (Handle, error)
	// WaitFor polls for a match until timeout.
	WaitFor(ctx context.Context, loc Locator, timeout time.Duration) (Handle, error)

	// Evaluate runs a JS function in the page and returns its value.
	Evaluate(ctx context.Context, script string, args ...any) (any, error)
	// Content returns the full serialized HTML of the page.
	Content(ctx context.Context) (string, error)
	// Screenshot captures a PNG of the viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	// URL returns the tab's current URL.
	URL(ctx context.Context) (string, error)
	// Title returns the page title.
	Title(ctx context.Context) (string, error)

	// Cookies returns the tab's cookies.
	Cookies(ctx context.Context) ([]Cookie, error)
	// SetCookies installs cookies on the tab.
	SetCookies(ctx context.Context, cookies []Cookie) error

	Click(ctx context.Context, h Handle) error
	Fill(ctx context.Context, h Handle, text string) error
	Press(ctx context.Context, h Handle, key string) error
	Hover(ctx context.Context, h Handle) error
	ScrollIntoView(ctx context.Context, h Handle) error

	// Attribute returns the attribute value and whether it is present.
	Attribute(ctx context.Context, h Handle, name string) (string, bool, error)
	InnerText(ctx context.Context, h Handle) (string, error)
	BoundingBox(ctx context.Context, h Handle) (*Rect, error)
	IsVisible(ctx context.Context, h Handle) (bool, error)

	// Dispose releases a handle. Safe on nil and on already-disposed handles.
	Dispose(h Handle)
}
