package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category classifies a driver failure. The category must survive to
// the caller: wrap driver errors, never replace them.
type Category string

const (
	CategoryNotFound   Category = "NotFound"
	CategoryTimeout    Category = "Timeout"
	CategoryDetached   Category = "Detached"
	CategoryNavigation Category = "NavigationInFlight"
	CategoryCrashed    Category = "Crashed"
	CategoryInternal   Category = "DriverError"
)

// Error is a categorized driver failure.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("driver: %s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("driver: %s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a categorized driver error.
func NewError(cat Category, op string, err error) *Error {
	return &Error{Category: cat, Op: op, Err: err}
}

// CategoryOf extracts the category from an error chain. Unrecognized
// errors report CategoryInternal; nil reports "".
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryInternal
}

// IsNotFound reports whether err is a NotFound driver error.
func IsNotFound(err error) bool { return CategoryOf(err) == CategoryNotFound }

// IsTimeout reports whether err is a Timeout driver error.
func IsTimeout(err error) bool { return CategoryOf(err) == CategoryTimeout }

// categorize maps raw browser-controller errors onto the taxonomy by
// inspecting the CDP error text. Context deadline and cancellation are
// checked first so timeouts never masquerade as internal errors.
func categorize(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(CategoryTimeout, op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cannot find context") ||
		strings.Contains(msg, "node with given id does not belong") ||
		strings.Contains(msg, "no node with given id") ||
		strings.Contains(msg, "not attached") ||
		strings.Contains(msg, "detached"):
		return NewError(CategoryDetached, op, err)
	case strings.Contains(msg, "navigation") || strings.Contains(msg, "loading"):
		return NewError(CategoryNavigation, op, err)
	case strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session closed"):
		return NewError(CategoryCrashed, op, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "cannot find"):
		return NewError(CategoryNotFound, op, err)
	}
	return NewError(CategoryInternal, op, err)
}
