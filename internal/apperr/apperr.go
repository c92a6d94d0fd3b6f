// Package apperr holds the error taxonomy shared by the scheduling engine.
// Callers match on kind with errors.Is and read the machine-readable code
// with errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrCompliance  = errors.New("compliance rejection")
	ErrExternal    = errors.New("external dependency error")
	ErrConsistency = errors.New("consistency error")
)

// Error is a classified failure with a reason code and the counters a caller
// needs to render a message without further queries.
type Error struct {
	Kind    error
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(kind error, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, msg string) *Error  { return newError(ErrValidation, code, msg) }
func NotFound(code, msg string) *Error    { return newError(ErrNotFound, code, msg) }
func Conflict(code, msg string) *Error    { return newError(ErrConflict, code, msg) }
func Consistency(code, msg string) *Error { return newError(ErrConsistency, code, msg) }

// External wraps a failed call to a collaborator outside the engine.
func External(code string, err error) *Error {
	return &Error{Kind: ErrExternal, Code: code, Message: "external dependency failed", Err: err}
}

// CodeOf returns the reason code carried by err, or "" when err is not classified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
