package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindTransient    Kind = "transient_collaborator"
	KindResource     Kind = "resource"
	KindLeaseExpired Kind = "lease_expired"
	KindSecurity     Kind = "security_violation"
	KindCancelled    Kind = "cancelled"
	KindInternal     Kind = "internal"
)

var (
	ErrDuplicateJob      = errors.New("job already exists and is not terminal")
	ErrNotFound          = errors.New("job not found")
	ErrLeaseExpired      = errors.New("lease expired or owned by another worker")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("job was modified concurrently")
	ErrCancelled         = errors.New("job cancelled")
)

type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Context map[string]any
	Cause   error

	exhausted bool
}

func NewError(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

func WrapError(err error, kind Kind, message string) *Error {
	e := NewError(kind, message)
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	var parts []string
	head := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Stage != "" {
		head = fmt.Sprintf("[%s] %s: %s", e.Kind, e.Stage, e.Message)
	}
	parts = append(parts, head)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// ScriptGenerationError reports empty or malformed script output. It is
// retried in place like any collaborator failure.
func ScriptGenerationError(cause error, message string) *Error {
	return WrapError(cause, KindTransient, message).WithStage("script")
}

// SyncValidationError signals that no valid cue list can be built from the
// upstream artifacts. Never retried.
func SyncValidationError(message string) *Error {
	return NewError(KindValidation, message).WithStage("subtitles")
}

// AssemblyError reports a failed or incomplete mux run.
func AssemblyError(cause error, message string) *Error {
	return WrapError(cause, KindResource, message).WithStage("video")
}

func SecurityViolationError(message string) *Error {
	return NewError(KindSecurity, message)
}

func TransientError(cause error, message string) *Error {
	return WrapError(cause, KindTransient, message)
}

// KindOf classifies any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrLeaseExpired):
		return KindLeaseExpired
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateJob), errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Exhausted reports whether err has used up its in-place retry budget.
func Exhausted(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.exhausted
}

// MarkExhausted returns err flagged as out of retries, keeping its kind.
func MarkExhausted(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.exhausted = true
		return &cp
	}
	wrapped := WrapError(err, KindOf(err), "retries exhausted")
	wrapped.exhausted = true
	return wrapped
}

// Retryable reports whether the job should go back to the queue.
func Retryable(err error) bool {
	if err == nil || Exhausted(err) {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindResource, KindInternal:
		return true
	}
	return false
}

const maxRecordRunes = 240

// Record converts err into the short form stored on a failed job.
func Record(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Stage != "" {
			msg = e.Stage + ": " + e.Message
		}
	}
	if utf8.RuneCountInString(msg) > maxRecordRunes {
		msg = string([]rune(msg)[:maxRecordRunes]) + "..."
	}
	return &ErrorRecord{Kind: KindOf(err), Message: msg}
}

// SafeExecute runs fn and converts a panic into a KindInternal error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(KindInternal, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
