package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/kit"
)

// ErrManifestMissing reports a replay or verify call against a manifest
// path that does not exist.
var ErrManifestMissing = errors.New("snapshot: manifest missing")

// IntegrityError reports a snapshot whose artifacts no longer match the
// manifest, either a checksum mismatch or a missing HTML file.
type IntegrityError struct {
	Path string
	Want string
	Got  string
	Err  error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("snapshot: integrity: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("snapshot: integrity: %s: checksum %s, want %s", e.Path, e.Got, e.Want)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// PartialCaptureError reports a capture whose HTML was persisted but
// whose manifest could not be. The partial artifacts are removed.
type PartialCaptureError struct {
	SnapshotID string
	Err        error
}

func (e *PartialCaptureError) Error() string {
	return fmt.Sprintf("snapshot: partial capture %s: %v", e.SnapshotID, e.Err)
}

func (e *PartialCaptureError) Unwrap() error { return e.Err }

// Replayed is the result of loading a snapshot back from disk.
type Replayed struct {
	HTML     string
	Manifest Manifest
}

// Replay loads a snapshot's HTML after re-validating its checksum.
func (m *Manager) Replay(ctx context.Context, manifestPath string) (*Replayed, error) {
	man, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	htmlPath := resolveArtifact(manifestPath, man.HTMLPath)
	data, err := os.ReadFile(htmlPath)
	if err != nil {
		return nil, &IntegrityError{Path: htmlPath, Err: err}
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != man.Checksum {
		return nil, &IntegrityError{Path: htmlPath, Want: man.Checksum, Got: got}
	}
	return &Replayed{HTML: string(data), Manifest: *man}, nil
}

// Report holds the per-invariant outcome of a verification.
type Report struct {
	SnapshotID        string `json:"snapshot_id"`
	ManifestPresent   bool   `json:"manifest_present"`
	SchemaOK          bool   `json:"schema_ok"`
	HTMLPresent       bool   `json:"html_present"`
	ChecksumOK        bool   `json:"checksum_ok"`
	ScreenshotPresent bool   `json:"screenshot_present"`
}

// OK reports whether every mandatory invariant holds. The screenshot is
// optional and does not participate.
func (r Report) OK() bool {
	return r.ManifestPresent && r.SchemaOK && r.HTMLPresent && r.ChecksumOK
}

// Verify checks a snapshot's invariants without returning its HTML. A
// failed invariant shows up in the report, not as an error; only an
// absent or unreadable manifest is an error.
func (m *Manager) Verify(ctx context.Context, manifestPath string) (Report, error) {
	man, err := readManifest(manifestPath)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		SnapshotID:      man.SnapshotID,
		ManifestPresent: true,
		SchemaOK:        man.SchemaVersion >= 1 && man.SchemaVersion <= manifestSchemaVersion,
	}

	htmlPath := resolveArtifact(manifestPath, man.HTMLPath)
	if data, err := os.ReadFile(htmlPath); err == nil {
		rep.HTMLPresent = true
		sum := sha256.Sum256(data)
		rep.ChecksumOK = hex.EncodeToString(sum[:]) == man.Checksum
	}
	if man.ScreenshotPath != "" {
		if _, err := os.Stat(resolveArtifact(manifestPath, man.ScreenshotPath)); err == nil {
			rep.ScreenshotPresent = true
		}
	}

	if m.cfg.Bus != nil {
		sev := events.SeverityInfo
		if !rep.OK() {
			sev = events.SeverityWarn
		}
		m.cfg.Bus.Publish(events.Event{
			Type:          events.SnapshotVerified,
			CorrelationID: kit.GetCorrelationID(ctx),
			SessionID:     man.SessionID,
			ContextID:     man.ContextID,
			Severity:      sev,
			Payload: map[string]any{
				"snapshot_id": man.SnapshotID,
				"ok":          rep.OK(),
				"checksum_ok": rep.ChecksumOK,
			},
		})
	}
	return rep, nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrManifestMissing)
		}
		return nil, fmt.Errorf("snapshot: read manifest: %w", err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("snapshot: decode manifest %s: %w", path, err)
	}
	return &man, nil
}

// resolveArtifact finds an artifact named by a manifest. Paths are
// stored as written; when the snapshot directory has moved, the
// artifact is looked up next to the manifest instead.
func resolveArtifact(manifestPath, artifactPath string) string {
	if _, err := os.Stat(artifactPath); err == nil {
		return artifactPath
	}
	base := filepath.Base(artifactPath)
	if filepath.Ext(base) == ".png" {
		return filepath.Join(filepath.Dir(manifestPath), "screenshots", base)
	}
	return filepath.Join(filepath.Dir(manifestPath), base)
}
