package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/domscout/driver"
	"github.com/hazyhaar/domscout/events"
)

// Browser is the per-session browser runtime behind the manager.
// Implementations track their subprocess handles so termination step 4
// can close every one of them explicitly.
type Browser interface {
	OpenTab(ctx context.Context) (driver.Driver, error)
	CloseTab(ctx context.Context, drv driver.Driver) error
	Close(ctx context.Context) error
	Handles() []io.Closer
}

// Factory creates the Browser for a new session. The default launches
// Chrome through rod; tests inject fakes.
type Factory func(ctx context.Context, cfg SessionConfig, deps BrowserDeps) (Browser, error)

// BrowserDeps carries the ambient wiring a Browser needs.
type BrowserDeps struct {
	Bus    *events.Bus
	Logger *slog.Logger
}

type rodBrowser struct {
	cfg     SessionConfig
	bus     *events.Bus
	logger  *slog.Logger
	lnch    *launcher.Launcher
	browser *rod.Browser
	handles []io.Closer
}

// launcherHandle is the subprocess handle for a locally launched
// Chrome: closing kills the process and removes its temp profile.
type launcherHandle struct {
	l *launcher.Launcher
}

func (h *launcherHandle) Close() error {
	h.l.Kill()
	h.l.Cleanup()
	return nil
}

// NewRodBrowser launches Chrome (or connects to cfg.RemoteURL) and
// returns the session's browser runtime.
func NewRodBrowser(ctx context.Context, cfg SessionConfig, deps BrowserDeps) (Browser, error) {
	rb := &rodBrowser{cfg: cfg, bus: deps.Bus, logger: deps.Logger}
	if rb.logger == nil {
		rb.logger = slog.Default()
	}

	wsURL := cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(!cfg.Headful)
		l = l.Set("disable-blink-features", "AutomationControlled")
		if cfg.Proxy != "" {
			l = l.Proxy(cfg.Proxy)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("session: launch browser: %w", err)
		}
		rb.lnch = l
		rb.handles = append(rb.handles, &launcherHandle{l: l})
		wsURL = u
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		rb.closeHandles()
		return nil, fmt.Errorf("session: connect browser: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		rb.logger.Warn("session: ignore cert errors failed", "error", err)
	}
	rb.browser = b
	return rb, nil
}

func (rb *rodBrowser) OpenTab(ctx context.Context) (driver.Driver, error) {
	var page *rod.Page
	var err error
	if rb.cfg.Stealth {
		page, err = stealth.Page(rb.browser)
	} else {
		page, err = rb.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("session: create tab: %w", err)
	}
	page = page.Context(ctx)

	if rb.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: rb.cfg.UserAgent}); err != nil {
			rb.logger.Warn("session: set user agent failed", "error", err)
		}
	}
	if rb.cfg.ViewportWidth > 0 && rb.cfg.ViewportHeight > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             rb.cfg.ViewportWidth,
			Height:            rb.cfg.ViewportHeight,
			DeviceScaleFactor: 1,
		})
		if err != nil {
			rb.logger.Warn("session: set viewport failed", "error", err)
		}
	}
	if len(rb.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, rb.cfg.ResourceBlocking); err != nil {
			rb.logger.Warn("session: resource blocking failed", "error", err)
		}
	}

	return driver.NewRod(page, rb.bus, rb.logger), nil
}

func (rb *rodBrowser) CloseTab(ctx context.Context, drv driver.Driver) error {
	r, ok := drv.(*driver.Rod)
	if !ok {
		return nil
	}
	if err := r.Page().Close(); err != nil {
		return fmt.Errorf("session: close tab: %w", err)
	}
	return nil
}

func (rb *rodBrowser) Close(ctx context.Context) error {
	if rb.browser == nil {
		return nil
	}
	if err := rb.browser.Close(); err != nil {
		return fmt.Errorf("session: close browser: %w", err)
	}
	return nil
}

func (rb *rodBrowser) Handles() []io.Closer { return rb.handles }

func (rb *rodBrowser) closeHandles() {
	for _, h := range rb.handles {
		_ = h.Close()
	}
}

// applyResourceBlocking intercepts requests on the tab and fails the
// configured resource types.
func applyResourceBlocking(page *rod.Page, types []string) error {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	err := router.Add("*", "", func(hctx *rod.Hijack) {
		if blockResourceType(blockSet, string(hctx.Request.Type())) {
			hctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		hctx.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return err
	}
	go router.Run()
	return nil
}

func blockResourceType(blockSet map[string]bool, resType string) bool {
	switch strings.ToLower(resType) {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return false
}
