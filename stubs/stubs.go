// Package stubs ships the offline stub pages used by test-mode
// navigation. The pages are embedded in the binary and materialized to
// a directory on demand; navigation helpers then rewrite {name}
// placeholders in URLs to file:// URLs pointing at them.
//
// The stub contract is deliberately thin: the selector and snapshot
// behavior is identical in test mode, only the URL resolution changes.
package stubs

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

//go:embed pages
var pagesFS embed.FS

var placeholderRe = regexp.MustCompile(`\{[a-z0-9_]+\}`)

// Resolver maps stub names to materialized file:// URLs and rewrites
// placeholder URLs. Safe for concurrent use after Materialize.
type Resolver struct {
	dir  string
	urls map[string]string
}

// Materialize writes the embedded stub pages into dir and returns a
// Resolver over them. An empty dir means a fresh temp directory.
func Materialize(dir string) (*Resolver, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "domscout-stubs-")
		if err != nil {
			return nil, fmt.Errorf("stubs: temp dir: %w", err)
		}
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stubs: mkdir: %w", err)
	}

	entries, err := fs.ReadDir(pagesFS, "pages")
	if err != nil {
		return nil, fmt.Errorf("stubs: read embedded pages: %w", err)
	}
	urls := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := pagesFS.ReadFile("pages/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("stubs: read %s: %w", entry.Name(), err)
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("stubs: write %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		urls[name] = "file://" + path
	}
	return &Resolver{dir: dir, urls: urls}, nil
}

// Dir returns the directory the pages were materialized into.
func (r *Resolver) Dir() string { return r.dir }

// Names lists the available stub names, sorted.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.urls))
	for name := range r.urls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// URL returns the file:// URL of a stub page by name.
func (r *Resolver) URL(name string) (string, bool) {
	u, ok := r.urls[name]
	return u, ok
}

// Rewrite replaces every {name} placeholder naming a known stub with
// its file:// URL. Unknown placeholders and plain URLs pass through
// unchanged, so the same configuration works against live targets.
func (r *Resolver) Rewrite(url string) string {
	return placeholderRe.ReplaceAllStringFunc(url, func(ph string) string {
		name := strings.Trim(ph, "{}")
		if u, ok := r.urls[name]; ok {
			return u
		}
		return ph
	})
}

// Remove deletes the materialized directory.
func (r *Resolver) Remove() error {
	return os.RemoveAll(r.dir)
}
