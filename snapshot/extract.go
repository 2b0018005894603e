package snapshot

import (
	"context"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extraction is the readable form of a replayed snapshot.
type Extraction struct {
	SnapshotID string
	Title      string
	Text       string
	Markdown   string
}

var (
	extractOnce sync.Once
	mdConverter *converter.Converter
	sanitizer   *bluemonday.Policy
)

func extractTools() (*converter.Converter, *bluemonday.Policy) {
	extractOnce.Do(func() {
		mdConverter = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
		sanitizer = bluemonday.UGCPolicy()
	})
	return mdConverter, sanitizer
}

// Extract replays a snapshot and derives its title, visible text and a
// markdown rendition. The checksum is validated before any parsing, so
// a tampered snapshot never reaches the extractor.
func (m *Manager) Extract(ctx context.Context, manifestPath string) (*Extraction, error) {
	rep, err := m.Replay(ctx, manifestPath)
	if err != nil {
		return nil, err
	}
	md, policy := extractTools()

	clean := policy.Sanitize(rep.HTML)
	doc, err := html.Parse(strings.NewReader(rep.HTML))
	if err != nil {
		return nil, &IntegrityError{Path: manifestPath, Err: err}
	}

	out := &Extraction{
		SnapshotID: rep.Manifest.SnapshotID,
		Title:      findTitle(doc),
		Text:       visibleText(doc),
	}
	if out.Title == "" {
		out.Title = rep.Manifest.Title
	}

	rendered, err := md.ConvertString(clean, converter.WithDomain(rep.Manifest.URL))
	if err != nil || strings.TrimSpace(rendered) == "" {
		// Markdown conversion is best-effort; plain text stands in.
		out.Markdown = out.Text
	} else {
		out.Markdown = strings.TrimSpace(rendered)
	}
	return out, nil
}

func findTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			title = strings.TrimSpace(sb.String())
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}

// visibleText collects the document's rendered text, skipping script,
// style and head content, with runs of whitespace collapsed.
func visibleText(doc *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head, atom.Template:
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, strings.Join(strings.Fields(t), " "))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(parts, " ")
}
