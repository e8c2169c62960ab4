package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classes callers can branch on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindJobNotFound
	KindDuplicateJob
	KindTransient
	KindPermanentValidation
	KindJobFailedTerminal
	KindAborted
	KindInvalidTransition
)

var kindNames = map[ErrorKind]string{
	KindUnknown:             "unknown",
	KindJobNotFound:         "job_not_found",
	KindDuplicateJob:        "duplicate_job",
	KindTransient:           "transient",
	KindPermanentValidation: "permanent_validation",
	KindJobFailedTerminal:   "job_failed_terminal",
	KindAborted:             "aborted",
	KindInvalidTransition:   "invalid_transition",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a failure class plus the operation and job it happened on.
type Error struct {
	Kind  ErrorKind
	JobID JobID
	Op    string
	Err   error
}

// NewError builds an *Error.
func NewError(kind ErrorKind, jobID JobID, op string, err error) *Error {
	return &Error{Kind: kind, JobID: jobID, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.JobID != "" {
		msg += " (job " + string(e.JobID) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrJobNotFound         = &Error{Kind: KindJobNotFound}
	ErrDuplicateJob        = &Error{Kind: KindDuplicateJob}
	ErrTransient           = &Error{Kind: KindTransient}
	ErrPermanentValidation = &Error{Kind: KindPermanentValidation}
	ErrJobFailedTerminal   = &Error{Kind: KindJobFailedTerminal}
	ErrAborted             = &Error{Kind: KindAborted}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Transient wraps err as a retryable infrastructure failure.
func Transient(op string, err error) error {
	return NewError(KindTransient, "", op, err)
}

// Permanent wraps err as a bad-input failure that retrying cannot fix.
func Permanent(op string, err error) error {
	return NewError(KindPermanentValidation, "", op, err)
}

type errMsg string

func (e errMsg) Error() string { return string(e) }
