package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is the outcome error of an exchange that was aborted before it settled. It is an internal
// discard signal and is never shown to the user.
var ErrCancelled = errors.New("exchange cancelled")

// FailureKind classifies a failed exchange.
type FailureKind string

const (
	// FailureNetwork means the request never produced a response.
	FailureNetwork FailureKind = "network_error"
	// FailureBadStatus means the backend answered with a non-success status.
	FailureBadStatus FailureKind = "bad_status"
	// FailureMalformedReply means the response body could not be read as a reply.
	FailureMalformedReply FailureKind = "malformed_reply"
	// FailureEmptyReply means the reply field was missing or empty.
	FailureEmptyReply FailureKind = "empty_reply"
)

// Failure is the error carried by the outcome of an exchange that settled without a usable reply.
type Failure struct {
	Kind FailureKind
	// Status would be filled if Kind is FailureBadStatus.
	Status int
	Err    error
}

// Outcome is the settled result of one exchange. Err is nil when Reply holds the backend reply, ErrCancelled
// when the exchange was aborted, or a *Failure otherwise.
type Outcome struct {
	Reply string
	Err   error
}

// Diagnostic is a developer-facing record of a failed exchange. The transcript only ever shows a generic
// apology, the detail lives here.
type Diagnostic struct {
	ID         string      `json:"id"`
	InstanceID string      `json:"instanceId"`
	RequestID  uint64      `json:"requestId"`
	Kind       FailureKind `json:"kind"`
	Status     int         `json:"status,omitempty"`
	Detail     string      `json:"detail"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewFailure creates a Failure of the given kind wrapping err.
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// NewStatusFailure creates a FailureBadStatus for the given HTTP status code.
func NewStatusFailure(status int, err error) *Failure {
	return &Failure{Kind: FailureBadStatus, Status: status, Err: err}
}

func (f *Failure) Error() string {
	msg := string(f.Kind)
	if f.Kind == FailureBadStatus {
		msg = fmt.Sprintf("%s %d", msg, f.Status)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, f.Err.Error())
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Cancelled reports whether the outcome is the cancellation signal.
func (o Outcome) Cancelled() bool {
	return errors.Is(o.Err, ErrCancelled)
}
