// Package selector resolves abstract semantic names (match.header.home_team)
// to live DOM elements.
//
// The Store loads declarative YAML descriptor trees and publishes them
// as immutable snapshots; the Engine runs a descriptor's strategies in
// priority order against a tab, scores candidates, and returns the best
// match with confidence metadata.
package selector

import (
	"fmt"
	"regexp"
	"time"

	"github.com/hazyhaar/domscout/driver"
)

// DefaultThreshold is the confidence a candidate must reach unless the
// descriptor overrides it.
const DefaultThreshold = 0.7

// DefaultTimeout bounds one full resolution unless overridden.
const DefaultTimeout = 10 * time.Second

// DefaultRetryCount is the number of full-loop retries after the first pass.
const DefaultRetryCount = 2

// Strategy is one way to locate a descriptor's element: a driver
// locator plus a static credibility weight. Strategies run in priority
// order (ascending; list order breaks ties).
type Strategy struct {
	driver.Locator `yaml:",inline"`

	// Template names a context template whose fields fill in anything
	// not set here. Expanded at load time; empty after resolution.
	TemplateRef string `yaml:"template,omitempty"`

	Priority int     `yaml:"priority,omitempty"`
	Weight   float64 `yaml:"weight,omitempty"`
}

// Validation constrains the winning candidate's text or attribute value.
// A candidate failing any rule scores zero.
type Validation struct {
	Required  bool     `yaml:"required,omitempty"`
	Type      string   `yaml:"type,omitempty"` // string | number
	Pattern   string   `yaml:"pattern,omitempty"`
	MinLength int      `yaml:"min_length,omitempty"`
	MaxLength int      `yaml:"max_length,omitempty"`
	MinValue  *float64 `yaml:"min_value,omitempty"`
	MaxValue  *float64 `yaml:"max_value,omitempty"`

	pattern *regexp.Regexp
}

func (v *Validation) compile() error {
	if v.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(v.Pattern)
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	v.pattern = re
	return nil
}

// Descriptor is the fully resolved, immutable definition of a semantic
// selector. Inheritance and templates are already applied; the Engine
// never consults context files.
type Descriptor struct {
	Name        string
	Description string
	Scope       string

	PageType     string
	WaitStrategy driver.WaitStrategy

	Strategies []Strategy
	Validation *Validation

	Threshold  float64
	Timeout    time.Duration
	RetryCount int
}

// Snapshot is one immutable generation of resolved descriptors. Readers
// hold a snapshot pointer; Swap never mutates a published snapshot.
type Snapshot struct {
	byName   map[string]*Descriptor
	root     string
	loadedAt time.Time
}

// Get returns the descriptor for an exact semantic name, or nil.
func (s *Snapshot) Get(name string) *Descriptor {
	return s.byName[name]
}

// Len returns the number of descriptors in the snapshot.
func (s *Snapshot) Len() int { return len(s.byName) }

// Names returns every semantic name in the snapshot.
func (s *Snapshot) Names() []string {
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	return out
}

// LoadedAt reports when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }
