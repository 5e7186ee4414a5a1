package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"stageflow/backend/internal/blob"
	"stageflow/backend/internal/repository"
)

// Kind classifies an engine failure so callers can react without parsing messages.
type Kind string

const (
	KindEmptyTemplate      Kind = "empty_template"
	KindNoActiveStage      Kind = "no_active_stage"
	KindNotAssignee        Kind = "not_assignee"
	KindFirstStageLocked   Kind = "first_stage_locked"
	KindEmptyBody          Kind = "empty_body"
	KindDanglingAttachment Kind = "dangling_attachment"
	KindPersistence        Kind = "persistence_error"
	KindNotFound           Kind = "not_found"
	KindBlobConfiguration  Kind = "blob_configuration"
	KindInvalidInput       Kind = "invalid_input"
)

// Sentinels for errors.Is; an *Error matches the sentinel of its Kind.
var (
	ErrEmptyTemplate      = &Error{Kind: KindEmptyTemplate, Message: "template has no stages"}
	ErrNoActiveStage      = &Error{Kind: KindNoActiveStage, Message: "process has no active stage"}
	ErrNotAssignee        = &Error{Kind: KindNotAssignee, Message: "only the stage assignee may complete it"}
	ErrFirstStageLocked   = &Error{Kind: KindFirstStageLocked, Message: "the first stage assignment is fixed at creation"}
	ErrEmptyBody          = &Error{Kind: KindEmptyBody, Message: "message body is empty"}
	ErrDanglingAttachment = &Error{Kind: KindDanglingAttachment, Message: "document does not reference a stored blob"}
	ErrPersistence        = &Error{Kind: KindPersistence, Message: "persistence failure"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrBlobConfiguration  = &Error{Kind: KindBlobConfiguration, Message: "blob storage is misconfigured"}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

// Error is returned by every Engine operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ErrorKind implements the classifier interface used by the API layer.
func (e *Error) ErrorKind() string { return string(e.Kind) }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or KindPersistence for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// IsValidation reports whether err is a terminal validation failure that
// must not be retried.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindEmptyTemplate, KindEmptyBody, KindFirstStageLocked, KindNotAssignee,
		KindNoActiveStage, KindInvalidInput, KindDanglingAttachment:
		return true
	}
	return false
}

// classify wraps a lower-layer error into an *Error. Errors that already
// carry a Kind pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(KindNotFound, op, err)
	case errors.Is(err, blob.ErrBucketNotFound):
		return newError(KindBlobConfiguration, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindPersistence, op+": interrupted", err)
	default:
		return newError(KindPersistence, op, err)
	}
}
