// Package apperr defines the error kinds surfaced by the reminder engine.
//
// Every error that crosses a component boundary carries exactly one Kind, so callers
// can branch with errors.Is against the sentinel values or with KindOf.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInvalidTransition   Kind = "invalid_transition"
	KindNotFound            Kind = "not_found"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindInvalidRecipient    Kind = "invalid_recipient"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindAppointmentClosed   Kind = "appointment_closed"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrValidation          = errors.New("validation error")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotFound            = errors.New("not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrAppointmentClosed   = errors.New("appointment closed")
	ErrConflict            = errors.New("conflict")
)

var sentinels = map[Kind]error{
	KindValidation:          ErrValidation,
	KindInvalidTransition:   ErrInvalidTransition,
	KindNotFound:            ErrNotFound,
	KindStoreUnavailable:    ErrStoreUnavailable,
	KindInvalidRecipient:    ErrInvalidRecipient,
	KindProviderUnavailable: ErrProviderUnavailable,
	KindAppointmentClosed:   ErrAppointmentClosed,
	KindConflict:            ErrConflict,
}

// Error is the structured error type.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Fields holds per-field messages for validation errors, keyed by JSON field name.
	Fields map[string]string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the Kind of the first *Error in err's chain, mapping bare
// sentinels too. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindInternal
}

// FieldsOf returns the field messages of a validation error, or nil.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation builds a validation error with per-field messages.
func Validation(op string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: "invalid input", Fields: fields}
}

// InvalidField is a validation error for a single field.
func InvalidField(op, field, msg string) *Error {
	return Validation(op, map[string]string{field: msg})
}

// NotFound builds a not-found error for a resource id.
func NotFound(op, resource, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// StoreUnavailable wraps an infrastructure failure of the record store or ledger.
func StoreUnavailable(op string, cause error) *Error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Message: "store unavailable", Cause: cause}
}
