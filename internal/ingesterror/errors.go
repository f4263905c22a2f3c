// Package ingesterror defines the error kinds produced while ingesting and
// classifying messages. Each kind is a struct with Error/Unwrap so callers can
// inspect it with errors.As, plus a handful of sentinels for errors.Is.
package ingesterror

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSystemRule is returned when deleting a system rule.
	ErrSystemRule = errors.New("system rules cannot be deleted, only disabled")
	// ErrInvalidRule is returned when a rule fails validation or its pattern
	// does not compile.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrNotPending is returned when resolving or ignoring an entry that has
	// already left the pending state.
	ErrNotPending = errors.New("unrecognized message is not pending")
	// ErrResetNotConfirmed is returned when a template reset was requested
	// without explicit confirmation.
	ErrResetNotConfirmed = errors.New("template reset requested without confirmation")
)

// Parse failure reasons.
const (
	ReasonNoAmount        = "no_amount"
	ReasonAmbiguousAmount = "ambiguous_amount"
	ReasonNoMatch         = "no_match"
	ReasonInvalidAmount   = "invalid_amount"
)

// ParseError means no usable amount or merchant could be extracted. The
// message is queued for triage, never dropped.
type ParseError struct {
	Fingerprint string
	Reason      string
	Err         error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse failure for %s (%s): %v", e.Fingerprint, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse failure for %s (%s)", e.Fingerprint, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DuplicateMessageError means the fingerprint was already ingested.
type DuplicateMessageError struct {
	Fingerprint string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("duplicate message %s", e.Fingerprint)
}

// RateUnavailableError means no live, cached or static rate exists for a pair.
type RateUnavailableError struct {
	Base  string
	Quote string
	Err   error
}

func (e *RateUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate %s/%s unavailable: %v", e.Base, e.Quote, e.Err)
	}
	return fmt.Sprintf("rate %s/%s unavailable", e.Base, e.Quote)
}

func (e *RateUnavailableError) Unwrap() error {
	return e.Err
}

// PersistenceConflictError wraps a unique-constraint violation on a
// fingerprint. Callers treat it as a duplicate.
type PersistenceConflictError struct {
	Entity      string
	Fingerprint string
	Err         error
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("%s conflict on fingerprint %s: %v", e.Entity, e.Fingerprint, e.Err)
}

func (e *PersistenceConflictError) Unwrap() error {
	return e.Err
}

// IsDuplicate reports whether err means the message was already processed,
// either detected up front or through a persistence conflict.
func IsDuplicate(err error) bool {
	var dup *DuplicateMessageError
	var conflict *PersistenceConflictError
	return errors.As(err, &dup) || errors.As(err, &conflict)
}

// IsParseFailure reports whether err is a ParseError.
func IsParseFailure(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// InvalidRule wraps a validation failure so it matches ErrInvalidRule.
func InvalidRule(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRule, err)
}
