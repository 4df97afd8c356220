package coordinator

import (
	"errors"
	"strings"
)

const (
	ErrorNotRegistered      = "module_not_registered"
	ErrorAlreadyRegistered  = "module_already_registered"
	ErrorUnknownGroup       = "unknown_group"
	ErrorCircularDependency = "circular_dependency"
	ErrorLoadFailed         = "load_failed"
	ErrorLoadAbandoned      = "load_abandoned"
	ErrorCleanupFailed      = "cleanup_failed"
	ErrorActionNotFound     = "action_not_found"
)

// Error represents a stable, categorized coordination failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	text := e.Category
	if e.Detail != "" {
		text += ": " + e.Detail
	}
	if e.Err != nil {
		text += ": " + e.Err.Error()
	}

	return text
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// NewError creates a categorized coordination error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// WrapError creates a categorized coordination error around a cause.
func WrapError(category string, detail string, err error) error {
	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ""
}

// chainString renders a dependency chain for circular-dependency details.
func chainString(chain []string) string {
	return "dependency chain " + strings.Join(chain, " -> ")
}
