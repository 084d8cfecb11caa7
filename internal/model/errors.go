package model

import "errors"

// ErrorKind classifies workflow failures.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindUpload     ErrorKind = "upload"
	KindParse      ErrorKind = "parse"
	KindGrading    ErrorKind = "grading"
)

// Error is a classified failure. Reason is the human-readable text meant for
// the user; Err, when set, is the underlying cause.
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	switch {
	case msg == "" && e.Err != nil:
		msg = e.Err.Error()
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, op, reason string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the user-facing reason for err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
