package selector

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSelector is returned by Resolve when no descriptor exists
// for the semantic name.
var ErrUnknownSelector = errors.New("selector: unknown semantic name")

// ErrContextInvalidated is returned when the tab navigated while a
// resolution was in flight. The caller should re-query.
var ErrContextInvalidated = errors.New("selector: context invalidated by navigation")

// ConfigError rejects a snapshot for structural reasons (duplicate
// names, unreadable files). The active snapshot is preserved.
type ConfigError struct {
	File string
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("selector config %s: %s: %v", e.File, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SchemaValidationError rejects a descriptor whose shape violates the
// schema (bad kind, missing params, out-of-range threshold).
type SchemaValidationError struct {
	File string
	Name string
	Err  error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("selector schema %s: %s: %v", e.File, e.Name, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// InheritanceError rejects a snapshot with a circular inherits or
// template reference chain.
type InheritanceError struct {
	Scope string
	Chain []string
}

func (e *InheritanceError) Error() string {
	return fmt.Sprintf("selector inheritance cycle at %s: %s", e.Scope, strings.Join(e.Chain, " -> "))
}
