// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrorKind groups errors by how callers should react to them.
type ErrorKind string

const (
	KindUnknown      ErrorKind = "unknown"
	KindNotFound     ErrorKind = "not_found"
	KindPrecondition ErrorKind = "precondition"
	KindTransition   ErrorKind = "invalid_transition"
	KindCredential   ErrorKind = "credential"
)

// NotFoundError is returned for missing records and for records owned by
// another tenant, so callers cannot probe for existence.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

func NewCampaignNotFound(id string) error {
	return &NotFoundError{Resource: "campaign", ID: id}
}

func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// PreconditionError means the request can never succeed as issued.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

func NewPrecondition(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is a campaign state machine violation.
type InvalidTransitionError struct {
	Operation string
	From      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s campaign in status %s", e.Operation, e.From)
}

func NewInvalidTransition(op, from string) error {
	return &InvalidTransitionError{Operation: op, From: from}
}

// CredentialError covers undecryptable or rejected credentials. Fatal for the
// job attempt; an operator or re-auth flow has to fix it.
type CredentialError struct {
	Channel string
	Err     error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error for channel %s: %v", e.Channel, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

func NewCredential(channel string, err error) error {
	return &CredentialError{Channel: channel, Err: err}
}

// Kind classifies err.
func Kind(err error) ErrorKind {
	var (
		nf *NotFoundError
		pc *PreconditionError
		it *InvalidTransitionError
		ce *CredentialError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &pc):
		return KindPrecondition
	case errors.As(err, &it):
		return KindTransition
	case errors.As(err, &ce):
		return KindCredential
	default:
		return KindUnknown
	}
}

// IsPermanent reports whether retrying err can never help.
func IsPermanent(err error) bool {
	switch Kind(err) {
	case KindNotFound, KindPrecondition, KindTransition, KindCredential:
		return true
	}
	return false
}
