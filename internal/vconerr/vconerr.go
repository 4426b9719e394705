// Package vconerr defines the error taxonomy shared across the vCon store,
// search, queue, and registry packages. Every operation-facing error is
// wrapped into one of the Kinds below so callers can branch on kind rather
// than on string matching, while fmt.Errorf("...: %w", err) chains still
// let errors.As/errors.Is see through package boundaries.
package vconerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch and retry decisions.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindStorage      Kind = "storage"
	KindHook         Kind = "hook"
	KindSearchTimeout Kind = "search_timeout"
	KindCache        Kind = "cache"
	KindEmbedding    Kind = "embedding"
)

// Error is the common shape returned across the core. Retryable can be
// true only for KindStorage and KindSearchTimeout; every other kind is
// non-retryable.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Field     string // set for KindValidation
	Plugin    string // set for KindHook
	cause     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	if e.Plugin != "" {
		return fmt.Sprintf("%s: %s (plugin=%s)", e.Kind, e.Message, e.Plugin)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Validation builds a ValidationError for the given field/reason.
func Validation(field, reason string) *Error {
	return &Error{Kind: KindValidation, Message: reason, Field: field}
}

// NotFound builds a NotFound error, e.g. for an unknown vCon uuid.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// Conflict builds a ConflictError, e.g. for a duplicate uuid or stale write.
func Conflict(reason string) *Error {
	return &Error{Kind: KindConflict, Message: reason}
}

// Storage wraps a backend error, marking it retryable when it is transient
// (connection reset, serialization failure) and non-retryable otherwise
// (constraint violation).
func Storage(cause error, retryable bool) *Error {
	return &Error{Kind: KindStorage, Message: cause.Error(), Retryable: retryable, cause: cause}
}

// Hook wraps an error raised by a before* plugin hook.
func Hook(plugin string, cause error) *Error {
	return &Error{Kind: KindHook, Message: cause.Error(), Plugin: plugin, cause: cause}
}

// SearchTimeout builds a SearchTimeout error.
func SearchTimeout(reason string) *Error {
	return &Error{Kind: KindSearchTimeout, Message: reason, Retryable: true}
}

// IsKind reports whether err (or any error it wraps) carries the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// IsNotFound is a convenience wrapper around IsKind(err, KindNotFound).
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
