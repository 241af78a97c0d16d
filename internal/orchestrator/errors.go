package orchestrator

import (
	"errors"
	"fmt"

	"github.com/dharsanguruparan/EchoScribe/internal/jobsapi"
)

// Kind classifies why a submission or a poll session stopped.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindSubmission Kind = "submission"
	KindUpload     Kind = "upload"
	KindNotFound   Kind = "not_found"
	KindNetwork    Kind = "network"
	KindTimedOut   Kind = "timed_out"
	KindJobFailed  Kind = "job_failed"
	KindCancelled  Kind = "cancelled"
)

// Error carries a Kind plus the human-readable message shown to the user.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrSubmission = &Error{Kind: KindSubmission}
	ErrUpload     = &Error{Kind: KindUpload}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrTimedOut   = &Error{Kind: KindTimedOut}
	ErrJobFailed  = &Error{Kind: KindJobFailed}
)

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// classifyFetch maps a failed poll-time fetch onto the taxonomy. Only auth
// and not-found are distinguished; everything else counts as network.
func classifyFetch(err error) *Error {
	switch {
	case jobsapi.IsUnauthorized(err):
		return newError(KindAuth, "Session is no longer valid. Please sign in again.", err)
	case jobsapi.IsNotFound(err):
		return newError(KindNotFound, "Job not found.", err)
	default:
		return newError(KindNetwork, err.Error(), err)
	}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
