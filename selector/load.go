package selector

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domscout/driver"
)

// Reserved segments that cannot appear in semantic names.
const (
	reservedContext = "_context"
	reservedGlobal  = "_global"
)

var segmentRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// contextFile is the on-disk shape of a _context.yaml: per-scope
// defaults and named strategy templates.
type contextFile struct {
	Scope        string              `yaml:"scope,omitempty"`
	Inherits     string              `yaml:"inherits,omitempty"`
	PageType     string              `yaml:"page_type,omitempty"`
	WaitStrategy string              `yaml:"wait_strategy,omitempty"`
	TimeoutMS    int                 `yaml:"timeout_ms,omitempty"`
	RetryCount   *int                `yaml:"retry_count,omitempty"`
	Validation   *Validation         `yaml:"validation,omitempty"`
	Templates    map[string]Strategy `yaml:"templates,omitempty"`

	file string
}

// leafFile is the on-disk shape of a descriptor file.
type leafFile struct {
	Context   string                    `yaml:"context,omitempty"`
	Selectors map[string]descriptorYAML `yaml:"selectors"`
}

type descriptorYAML struct {
	Description string      `yaml:"description,omitempty"`
	Strategies  []Strategy  `yaml:"strategies"`
	Validation  *Validation `yaml:"validation,omitempty"`
	Confidence  struct {
		Threshold *float64 `yaml:"threshold,omitempty"`
	} `yaml:"confidence,omitempty"`
	TimeoutMS    int    `yaml:"timeout_ms,omitempty"`
	RetryCount   *int   `yaml:"retry_count,omitempty"`
	PageType     string `yaml:"page_type,omitempty"`
	WaitStrategy string `yaml:"wait_strategy,omitempty"`
}

// Load scans a directory tree of descriptor files, resolves inheritance
// and templates, and returns an immutable Snapshot. On any error the
// whole snapshot is rejected; nothing partial is ever returned.
func Load(root string) (*Snapshot, error) {
	contexts := make(map[string]*contextFile)
	type pendingLeaf struct {
		file  string
		scope string
		leaf  leafFile
	}
	var leaves []pendingLeaf

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		dirScope := dirToScope(filepath.Dir(rel))
		base := strings.TrimSuffix(filepath.Base(rel), ext)

		data, err := os.ReadFile(path)
		if err != nil {
			return &ConfigError{File: rel, Err: err}
		}

		if base == reservedContext || base == reservedGlobal {
			var cf contextFile
			if err := yaml.Unmarshal(data, &cf); err != nil {
				return &ConfigError{File: rel, Err: err}
			}
			cf.file = rel
			scope := dirScope
			if cf.Scope != "" {
				scope = cf.Scope
			}
			if err := validateScope(scope); err != nil {
				return &SchemaValidationError{File: rel, Err: err}
			}
			if prev, dup := contexts[scope]; dup {
				return &ConfigError{File: rel, Name: scope,
					Err: fmt.Errorf("context for scope already defined in %s", prev.file)}
			}
			contexts[scope] = &cf
			return nil
		}
		if strings.HasPrefix(base, "_") {
			return &ConfigError{File: rel, Err: fmt.Errorf("reserved file name %q", base)}
		}

		var lf leafFile
		if err := yaml.Unmarshal(data, &lf); err != nil {
			return &ConfigError{File: rel, Err: err}
		}
		scope := lf.Context
		if scope == "" {
			scope = joinScope(dirScope, base)
		}
		if err := validateScope(scope); err != nil {
			return &SchemaValidationError{File: rel, Err: err}
		}
		leaves = append(leaves, pendingLeaf{file: rel, scope: scope, leaf: lf})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Verify inherits chains before resolving anything against them.
	for scope := range contexts {
		if _, err := contextChain(scope, contexts); err != nil {
			return nil, err
		}
	}

	snap := &Snapshot{
		byName:   make(map[string]*Descriptor),
		root:     root,
		loadedAt: time.Now().UTC(),
	}

	for _, pl := range leaves {
		chain, err := contextChain(pl.scope, contexts)
		if err != nil {
			return nil, err
		}
		for key, dy := range pl.leaf.Selectors {
			if !validSegment(key) {
				return nil, &SchemaValidationError{File: pl.file, Name: key,
					Err: fmt.Errorf("invalid selector key %q", key)}
			}
			name := joinScope(pl.scope, key)
			if _, dup := snap.byName[name]; dup {
				return nil, &ConfigError{File: pl.file, Name: name,
					Err: fmt.Errorf("duplicate semantic name")}
			}
			desc, err := resolveDescriptor(name, pl.scope, pl.file, dy, chain)
			if err != nil {
				return nil, err
			}
			snap.byName[name] = desc
		}
	}

	return snap, nil
}

// contextChain returns the context files applying to scope, nearest
// first. For each lexical scope from the leaf up to the root, the
// scope's own context comes first, then its explicit inherits chain.
// Cycles surface as InheritanceError.
func contextChain(scope string, contexts map[string]*contextFile) ([]*contextFile, error) {
	var chain []*contextFile
	visited := make(map[string]bool)
	var trail []string

	var follow func(s string) error
	follow = func(s string) error {
		if visited[s] {
			return &InheritanceError{Scope: scope, Chain: append(append([]string{}, trail...), s)}
		}
		visited[s] = true
		trail = append(trail, s)
		cf := contexts[s]
		if cf == nil {
			return nil
		}
		chain = append(chain, cf)
		if cf.Inherits != "" {
			return follow(cf.Inherits)
		}
		return nil
	}

	for s := scope; ; s = parentScope(s) {
		if !visited[s] {
			if err := follow(s); err != nil {
				return nil, err
			}
		}
		if s == "" {
			break
		}
	}
	return chain, nil
}

func resolveDescriptor(name, scope, file string, dy descriptorYAML, chain []*contextFile) (*Descriptor, error) {
	if len(dy.Strategies) == 0 {
		return nil, &SchemaValidationError{File: file, Name: name,
			Err: fmt.Errorf("strategies must be non-empty")}
	}

	desc := &Descriptor{
		Name:        name,
		Description: dy.Description,
		Scope:       scope,
		Threshold:   DefaultThreshold,
		Timeout:     DefaultTimeout,
		RetryCount:  DefaultRetryCount,
	}

	// Context defaults, nearest scope wins.
	for _, cf := range chain {
		if desc.PageType == "" && cf.PageType != "" {
			desc.PageType = cf.PageType
		}
		if desc.WaitStrategy == "" && cf.WaitStrategy != "" {
			desc.WaitStrategy = driver.WaitStrategy(cf.WaitStrategy)
		}
		if desc.Timeout == DefaultTimeout && cf.TimeoutMS > 0 {
			desc.Timeout = time.Duration(cf.TimeoutMS) * time.Millisecond
		}
		if desc.RetryCount == DefaultRetryCount && cf.RetryCount != nil {
			desc.RetryCount = *cf.RetryCount
		}
		if desc.Validation == nil && cf.Validation != nil {
			v := *cf.Validation
			desc.Validation = &v
		}
	}

	// Descriptor-level overrides beat every context.
	if dy.PageType != "" {
		desc.PageType = dy.PageType
	}
	if dy.WaitStrategy != "" {
		desc.WaitStrategy = driver.WaitStrategy(dy.WaitStrategy)
	}
	if dy.TimeoutMS > 0 {
		desc.Timeout = time.Duration(dy.TimeoutMS) * time.Millisecond
	}
	if dy.RetryCount != nil {
		desc.RetryCount = *dy.RetryCount
	}
	if dy.Validation != nil {
		desc.Validation = dy.Validation
	}
	if dy.Confidence.Threshold != nil {
		desc.Threshold = *dy.Confidence.Threshold
	}

	if desc.Threshold < 0 || desc.Threshold > 1 {
		return nil, &SchemaValidationError{File: file, Name: name,
			Err: fmt.Errorf("confidence.threshold %v outside [0,1]", desc.Threshold)}
	}
	switch desc.WaitStrategy {
	case "", driver.WaitLoad, driver.WaitDOMContent, driver.WaitNetworkIdle:
	default:
		return nil, &SchemaValidationError{File: file, Name: name,
			Err: fmt.Errorf("unknown wait_strategy %q", desc.WaitStrategy)}
	}
	if desc.Validation != nil {
		if err := desc.Validation.compile(); err != nil {
			return nil, &SchemaValidationError{File: file, Name: name, Err: err}
		}
	}

	// Expand templates and apply defaults per strategy.
	desc.Strategies = make([]Strategy, len(dy.Strategies))
	for i, st := range dy.Strategies {
		expanded, err := expandTemplate(st, chain, nil)
		if err != nil {
			if ie, ok := err.(*InheritanceError); ok {
				ie.Scope = scope
				return nil, ie
			}
			return nil, &SchemaValidationError{File: file, Name: name, Err: err}
		}
		if expanded.Weight == 0 {
			expanded.Weight = 1.0
		}
		if expanded.Weight < 0 || expanded.Weight > 1 {
			return nil, &SchemaValidationError{File: file, Name: name,
				Err: fmt.Errorf("strategy %d: weight %v outside [0,1]", i, expanded.Weight)}
		}
		if expanded.Priority == 0 {
			expanded.Priority = i + 1
		}
		if err := expanded.Locator.Validate(); err != nil {
			return nil, &SchemaValidationError{File: file, Name: name, Err: err}
		}
		desc.Strategies[i] = expanded
	}

	sort.SliceStable(desc.Strategies, func(a, b int) bool {
		return desc.Strategies[a].Priority < desc.Strategies[b].Priority
	})
	return desc, nil
}

// expandTemplate merges a strategy with its referenced template (the
// reference overrides the template body). Templates may reference
// templates; cycles are rejected.
func expandTemplate(st Strategy, chain []*contextFile, trail []string) (Strategy, error) {
	if st.TemplateRef == "" {
		return st, nil
	}
	for _, t := range trail {
		if t == st.TemplateRef {
			return st, &InheritanceError{Chain: append(trail, st.TemplateRef)}
		}
	}

	var tpl *Strategy
	for _, cf := range chain {
		if body, ok := cf.Templates[st.TemplateRef]; ok {
			tpl = &body
			break
		}
	}
	if tpl == nil {
		return st, fmt.Errorf("unknown template %q", st.TemplateRef)
	}

	base, err := expandTemplate(*tpl, chain, append(trail, st.TemplateRef))
	if err != nil {
		return st, err
	}

	merged := base
	if st.Kind != "" {
		merged.Kind = st.Kind
	}
	if st.Expr != "" {
		merged.Expr = st.Expr
	}
	if st.Text != "" {
		merged.Text = st.Text
	}
	if st.Position != "" {
		merged.Position = st.Position
	}
	if st.Attr != "" {
		merged.Attr = st.Attr
	}
	if st.Value != "" {
		merged.Value = st.Value
	}
	if st.Role != "" {
		merged.Role = st.Role
	}
	if st.Name != "" {
		merged.Name = st.Name
	}
	if st.Weight != 0 {
		merged.Weight = st.Weight
	}
	if st.Priority != 0 {
		merged.Priority = st.Priority
	}
	merged.TemplateRef = ""
	return merged, nil
}

func dirToScope(dir string) string {
	if dir == "." || dir == "" {
		return ""
	}
	return strings.ReplaceAll(filepath.ToSlash(dir), "/", ".")
}

func joinScope(scope, seg string) string {
	if scope == "" {
		return seg
	}
	return scope + "." + seg
}

func parentScope(scope string) string {
	if i := strings.LastIndex(scope, "."); i >= 0 {
		return scope[:i]
	}
	return ""
}

func validateScope(scope string) error {
	if scope == "" {
		return nil
	}
	for _, seg := range strings.Split(scope, ".") {
		if !validSegment(seg) {
			return fmt.Errorf("invalid scope segment %q", seg)
		}
	}
	return nil
}

func validSegment(seg string) bool {
	if seg == reservedContext || seg == reservedGlobal {
		return false
	}
	return segmentRe.MatchString(seg)
}
