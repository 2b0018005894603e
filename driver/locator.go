package driver

import (
	"fmt"
	"strings"
)

// Kind tags the locator variant. Adding a strategy kind means adding a
// constant here, a Validate arm, and one kernel per Driver implementation.
type Kind string

const (
	KindCSS       Kind = "css"
	KindXPath     Kind = "xpath"
	KindText      Kind = "text_anchor"
	KindAttribute Kind = "attribute_match"
	KindRole      Kind = "role"
)

// Kinds lists every valid locator kind.
var Kinds = []Kind{KindCSS, KindXPath, KindText, KindAttribute, KindRole}

// Locator is one way to find an element. Which fields apply depends on
// Kind; Validate enforces the pairing.
type Locator struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// Expr is the CSS selector or XPath expression (css, xpath).
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`

	// Text is the visible text to anchor on (text_anchor).
	Text string `yaml:"text,omitempty" json:"text,omitempty"`
	// Position is the element's relation to the anchor text:
	// self (default), parent, following, preceding.
	Position string `yaml:"position,omitempty" json:"position,omitempty"`

	// Attr and Value match an attribute name/value pair (attribute_match).
	Attr  string `yaml:"attr,omitempty" json:"attr,omitempty"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`

	// Role is the ARIA role; Name the accessible name (role).
	Role string `yaml:"role,omitempty" json:"role,omitempty"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Validate checks that the params required by Kind are present.
func (l Locator) Validate() error {
	switch l.Kind {
	case KindCSS, KindXPath:
		if l.Expr == "" {
			return fmt.Errorf("locator %s: expr is required", l.Kind)
		}
	case KindText:
		if l.Text == "" {
			return fmt.Errorf("locator text_anchor: text is required")
		}
		switch l.Position {
		case "", "self", "parent", "following", "preceding":
		default:
			return fmt.Errorf("locator text_anchor: unknown position %q", l.Position)
		}
	case KindAttribute:
		if l.Attr == "" {
			return fmt.Errorf("locator attribute_match: attr is required")
		}
	case KindRole:
		if l.Role == "" {
			return fmt.Errorf("locator role: role is required")
		}
	default:
		return fmt.Errorf("unknown locator kind %q", l.Kind)
	}
	return nil
}

// Key returns a stable string identity for the locator, used for
// logging and for fake drivers in tests.
func (l Locator) Key() string {
	switch l.Kind {
	case KindCSS, KindXPath:
		return string(l.Kind) + ":" + l.Expr
	case KindText:
		pos := l.Position
		if pos == "" {
			pos = "self"
		}
		return "text_anchor:" + pos + ":" + l.Text
	case KindAttribute:
		return "attribute_match:" + l.Attr + "=" + l.Value
	case KindRole:
		return "role:" + l.Role + ":" + l.Name
	}
	return string(l.Kind)
}

// xpath translates non-CSS locator kinds into an XPath expression.
// CSS locators never pass through here.
func (l Locator) xpath() string {
	switch l.Kind {
	case KindXPath:
		return l.Expr
	case KindText:
		base := fmt.Sprintf("//*[normalize-space(text())=%s]", xpathLiteral(strings.TrimSpace(l.Text)))
		switch l.Position {
		case "parent":
			return base + "/.."
		case "following":
			return base + "/following-sibling::*[1]"
		case "preceding":
			return base + "/preceding-sibling::*[1]"
		default:
			return base
		}
	case KindAttribute:
		if l.Value == "" {
			return fmt.Sprintf("//*[@%s]", l.Attr)
		}
		return fmt.Sprintf("//*[@%s=%s]", l.Attr, xpathLiteral(l.Value))
	case KindRole:
		return fmt.Sprintf("//*[@role=%s]", xpathLiteral(l.Role))
	}
	return ""
}

// implicitRoleCSS maps common ARIA roles to the selectors that carry
// them implicitly, so role locators also find unannotated markup.
func implicitRoleCSS(role string) string {
	switch role {
	case "button":
		return `button, input[type="button"], input[type="submit"]`
	case "link":
		return "a[href]"
	case "textbox":
		return `input[type="text"], input[type="search"], input:not([type]), textarea`
	case "heading":
		return "h1, h2, h3, h4, h5, h6"
	case "navigation":
		return "nav"
	case "main":
		return "main"
	case "checkbox":
		return `input[type="checkbox"]`
	case "img":
		return "img"
	}
	return ""
}

// xpathLiteral quotes s as an XPath string literal, switching quote
// style (or concat) when s itself contains quotes.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	// Both quote kinds present: build concat('a', "'", 'b', ...).
	var parts []string
	for _, seg := range strings.SplitAfter(s, `'`) {
		if strings.HasSuffix(seg, `'`) {
			if head := strings.TrimSuffix(seg, `'`); head != "" {
				parts = append(parts, "'"+head+"'")
			}
			parts = append(parts, `"'"`)
		} else if seg != "" {
			parts = append(parts, "'"+seg+"'")
		}
	}
	return "concat(" + strings.Join(parts, ", ") + ")"
}
