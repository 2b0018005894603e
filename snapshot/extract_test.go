package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const extractFixture = `<html>
<head><title>Quarterly Report</title><script>var secret = 42;</script></head>
<body>
  <h1>Revenue</h1>
  <p>Revenue grew in   the third quarter.</p>
  <style>.x { color: red }</style>
</body>
</html>`

func captureFixture(t *testing.T, m *Manager, html string) string {
	t.Helper()
	page := newTestPage(html)
	man, err := m.Capture(context.Background(), page, "report")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return filepath.Join(m.Dir(), man.SnapshotID+".json")
}

func TestExtractTitleAndText(t *testing.T) {
	m := newTestManager(t, Config{})
	manifestPath := captureFixture(t, m, extractFixture)

	ex, err := m.Extract(context.Background(), manifestPath)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ex.Title != "Quarterly Report" {
		t.Fatalf("title = %q, want Quarterly Report", ex.Title)
	}
	if !strings.Contains(ex.Text, "Revenue grew in the third quarter.") {
		t.Fatalf("text %q missing collapsed paragraph", ex.Text)
	}
	if strings.Contains(ex.Text, "secret") || strings.Contains(ex.Text, "color: red") {
		t.Fatalf("text %q leaks script or style content", ex.Text)
	}
}

func TestExtractMarkdownKeepsStructure(t *testing.T) {
	m := newTestManager(t, Config{})
	manifestPath := captureFixture(t, m, extractFixture)

	ex, err := m.Extract(context.Background(), manifestPath)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(ex.Markdown, "Revenue") {
		t.Fatalf("markdown %q lost the heading text", ex.Markdown)
	}
	if strings.Contains(ex.Markdown, "var secret") {
		t.Fatalf("markdown %q leaks script content", ex.Markdown)
	}
}

func TestExtractRefusesTamperedSnapshot(t *testing.T) {
	m := newTestManager(t, Config{})
	manifestPath := captureFixture(t, m, extractFixture)

	man, err := readManifest(manifestPath)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if err := os.WriteFile(man.HTMLPath, []byte("<html>evil</html>"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err = m.Extract(context.Background(), manifestPath)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("extract of tampered snapshot: %v, want IntegrityError", err)
	}
}
