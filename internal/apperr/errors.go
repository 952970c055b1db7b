// Package apperr defines the error taxonomy shared by the builder, the stores
// and the chat service.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the category of an error.
type Kind string

const (
	// KindValidation indicates a rejected edit or request. Always recoverable.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindNotFound indicates a lookup of something that does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindStore indicates a persistence failure. In-memory state is kept.
	KindStore Kind = "STORE_ERROR"

	// KindExec indicates a failure of the execution or completion service.
	KindExec Kind = "EXEC_ERROR"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrStore      = &Error{Kind: KindStore}
	ErrExec       = &Error{Kind: KindExec}
)

// Error is a categorized error with an operation name and optional cause.
type Error struct {
	Kind    Kind
	Code    string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind. A target without a code matches
// any code of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func Validation(op, code, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Code: code, Message: message}
}

func NotFound(op, code, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Code: code, Message: message}
}

// Store wraps a persistence failure. A nil err yields nil.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind != KindStore {
		return err
	}
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// Exec wraps an execution failure. A nil err yields nil.
func Exec(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindExec, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsStore(err error) bool      { return errors.Is(err, ErrStore) }
func IsExec(err error) bool       { return errors.Is(err, ErrExec) }
