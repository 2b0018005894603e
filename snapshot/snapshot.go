// Package snapshot produces durably persisted, integrity-checkable
// records of pages: the serialized HTML, an optional screenshot, and a
// JSON manifest tying them together with a checksum.
//
// The manifest is written last and atomically. Capture does not return
// until the manifest is fsynced and renamed into place, so any consumer
// ordered after a successful capture may read the manifest path without
// racing the writer.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/idgen"
	"github.com/hazyhaar/domscout/kit"
	"github.com/hazyhaar/domscout/selector"
)

const manifestSchemaVersion = 1

var pageNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Timings records how long each capture phase took, in milliseconds.
// PersistMS covers writing the HTML and screenshot artifacts to disk.
type Timings struct {
	HTMLMS       int64 `json:"html_ms"`
	ScreenshotMS int64 `json:"screenshot_ms"`
	PersistMS    int64 `json:"persist_ms"`
}

// ByteSizes records artifact sizes in bytes.
type ByteSizes struct {
	HTML       int64 `json:"html"`
	Screenshot int64 `json:"screenshot"`
}

// Manifest is the self-describing record of one snapshot. The checksum
// is SHA-256 over the exact HTML bytes on disk.
type Manifest struct {
	SchemaVersion  int       `json:"schema_version"`
	SnapshotID     string    `json:"snapshot_id"`
	SessionID      string    `json:"session_id"`
	ContextID      string    `json:"context_id"`
	CorrelationID  string    `json:"correlation_id"`
	PageName       string    `json:"page_name"`
	CapturedAt     time.Time `json:"captured_at"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	HTMLPath       string    `json:"html_path"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	Checksum       string    `json:"checksum"`
	ByteSizes      ByteSizes `json:"byte_sizes"`
	Timings        Timings   `json:"timings"`
}

// Gate maps a page-name pattern to the readiness selector the capture
// waits for before screenshotting. Pattern is a literal substring
// unless prefixed "regex:".
type Gate struct {
	Pattern   string
	Readiness string
	Timeout   time.Duration
}

type gate struct {
	substring string
	re        *regexp.Regexp
	readiness string
	timeout   time.Duration
}

func (g *gate) matches(pageName string) bool {
	if g.re != nil {
		return g.re.MatchString(pageName)
	}
	return strings.Contains(pageName, g.substring)
}

// Resolver resolves a semantic selector against a live page. Satisfied
// by *selector.Engine.
type Resolver interface {
	Resolve(ctx context.Context, page selector.Page, name string) (selector.Result, error)
}

// Config configures a Manager.
type Config struct {
	// Dir is the snapshot directory. Created on demand.
	Dir string
	// Gates drive the page-type readiness wait. Empty means no waits.
	Gates []Gate
	// Resolver answers readiness waits. Gates are skipped when nil.
	Resolver Resolver

	Bus    *events.Bus
	Logger *slog.Logger
}

// Manager owns the snapshot directory: every capture, replay and
// verification goes through it. Captures across sessions run in
// parallel; unique snapshot ids keep their files disjoint.
type Manager struct {
	cfg    Config
	gates  []gate
	logger *slog.Logger
}

// New creates a Manager. Fails on an unparsable regex gate pattern.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot: directory not configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	gates := make([]gate, 0, len(cfg.Gates))
	for _, g := range cfg.Gates {
		if g.Readiness == "" {
			return nil, fmt.Errorf("snapshot: gate %q: empty readiness selector", g.Pattern)
		}
		timeout := g.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		if pat, ok := strings.CutPrefix(g.Pattern, "regex:"); ok {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("snapshot: gate %q: %w", g.Pattern, err)
			}
			gates = append(gates, gate{re: re, readiness: g.Readiness, timeout: timeout})
			continue
		}
		gates = append(gates, gate{substring: g.Pattern, readiness: g.Readiness, timeout: timeout})
	}
	return &Manager{cfg: cfg, gates: gates, logger: cfg.Logger}, nil
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string { return m.cfg.Dir }

// Capture records the page under pageName and persists it. The returned
// manifest is already durable on disk.
//
// Capture does not serialize against other work on the tab. Callers
// sharing the tab with concurrent navigations or interactions must run
// Capture on the tab's queue via sched.Scheduler.PerContext, the same
// way session.Manager routes Navigate.
func (m *Manager) Capture(ctx context.Context, page selector.Page, pageName string) (*Manifest, error) {
	started := time.Now().UTC()
	if !pageNameRe.MatchString(pageName) {
		return nil, fmt.Errorf("snapshot: invalid page name %q", pageName)
	}
	corr := kit.GetCorrelationID(ctx)
	if corr == "" {
		corr = idgen.New()
		ctx = kit.WithCorrelationID(ctx, corr)
	}
	drv := page.Driver()

	htmlStart := time.Now()
	html, err := drv.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: content: %w", err)
	}
	htmlMS := time.Since(htmlStart).Milliseconds()

	m.waitReadiness(ctx, page, pageName)

	shotStart := time.Now()
	shot, err := drv.Screenshot(ctx)
	if err != nil {
		// Screenshot is best-effort; the manifest marks it absent.
		m.logger.Warn("snapshot: screenshot failed",
			"page_name", pageName, "session", page.SessionID(), "error", err)
		shot = nil
	}
	shotMS := time.Since(shotStart).Milliseconds()

	sum := sha256.Sum256([]byte(html))
	checksum := hex.EncodeToString(sum[:])

	url, _ := drv.URL(ctx)
	title, _ := drv.Title(ctx)

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir: %w", err)
	}

	persistStart := time.Now()
	id, htmlPath, err := m.writeHTML(pageName, page.SessionID(), started, []byte(html))
	if err != nil {
		return nil, err
	}

	var shotPath string
	if len(shot) > 0 {
		shotPath = filepath.Join(m.cfg.Dir, "screenshots", id+".png")
		if err := writeFileSync(shotPath, shot); err != nil {
			m.logger.Warn("snapshot: persist screenshot", "snapshot_id", id, "error", err)
			shotPath = ""
			shot = nil
		}
	}

	man := &Manifest{
		SchemaVersion: manifestSchemaVersion,
		SnapshotID:    id,
		SessionID:     page.SessionID(),
		ContextID:     page.ContextID(),
		CorrelationID: corr,
		PageName:      pageName,
		CapturedAt:    started,
		URL:           url,
		Title:         title,
		HTMLPath:      htmlPath,
		Checksum:      checksum,
		ByteSizes:     ByteSizes{HTML: int64(len(html)), Screenshot: int64(len(shot))},
		Timings: Timings{
			HTMLMS:       htmlMS,
			ScreenshotMS: shotMS,
			PersistMS:    time.Since(persistStart).Milliseconds(),
		},
	}
	if shotPath != "" {
		man.ScreenshotPath = shotPath
	}

	manifestPath := filepath.Join(m.cfg.Dir, id+".json")
	if err := writeManifest(manifestPath, man); err != nil {
		m.removePartials(htmlPath, shotPath, manifestPath+".tmp")
		return nil, &PartialCaptureError{SnapshotID: id, Err: err}
	}

	m.publish(ctx, events.SnapshotCaptured, man, map[string]any{
		"page_name":     pageName,
		"snapshot_id":   id,
		"html_ms":       man.Timings.HTMLMS,
		"screenshot_ms": man.Timings.ScreenshotMS,
	})
	m.publish(ctx, events.SnapshotPersisted, man, map[string]any{
		"snapshot_id":   id,
		"manifest_path": manifestPath,
		"persist_ms":    man.Timings.PersistMS,
		"html_bytes":    man.ByteSizes.HTML,
	})
	return man, nil
}

// writeHTML writes the HTML artifact under a fresh snapshot id. Ids
// embed the session prefix and a second-resolution UTC timestamp; on a
// same-second collision within one session the timestamp advances until
// the name is free.
func (m *Manager) writeHTML(pageName, sessionID string, at time.Time, html []byte) (id, path string, err error) {
	stamp := at
	for try := 0; ; try++ {
		id = snapshotID(pageName, sessionID, stamp)
		path = filepath.Join(m.cfg.Dir, id+".html")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) && try < 10 {
				stamp = stamp.Add(time.Second)
				continue
			}
			return "", "", fmt.Errorf("snapshot: create html: %w", err)
		}
		if err := writeAndSync(f, html); err != nil {
			os.Remove(path)
			return "", "", fmt.Errorf("snapshot: write html: %w", err)
		}
		return id, path, nil
	}
}

func snapshotID(pageName, sessionID string, at time.Time) string {
	prefix := strings.ReplaceAll(sessionID, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return pageName + "_" + prefix + "_" + at.UTC().Format("20060102_150405")
}

// waitReadiness runs the page-type gate, if one matches. A missed
// readiness signal is logged, never fatal: the page may legitimately
// not render the selector.
func (m *Manager) waitReadiness(ctx context.Context, page selector.Page, pageName string) {
	if m.cfg.Resolver == nil {
		return
	}
	for i := range m.gates {
		g := &m.gates[i]
		if !g.matches(pageName) {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, g.timeout)
		res, err := m.cfg.Resolver.Resolve(wctx, page, g.readiness)
		cancel()
		if err != nil || !res.Matched() {
			m.logger.Debug("snapshot: readiness signal not observed",
				"page_name", pageName, "selector", g.readiness, "error", err)
		}
		return
	}
}

func (m *Manager) removePartials(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("snapshot: remove partial artifact", "path", p, "error", err)
		}
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, man *Manifest, payload map[string]any) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(events.Event{
		Type:          eventType,
		CorrelationID: man.CorrelationID,
		SessionID:     man.SessionID,
		ContextID:     man.ContextID,
		Severity:      events.SeverityInfo,
		Payload:       payload,
	})
}

// writeManifest is the atomicity point of the capture: tmp file, fsync,
// rename. Readers observe either no manifest or a complete one.
func writeManifest(path string, man *Manifest) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: create manifest: %w", err)
	}
	if err := writeAndSync(f, data); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: rename manifest: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeAndSync(f, data); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
