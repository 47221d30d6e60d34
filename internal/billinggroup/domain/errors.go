package domain

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by the billing group services matches
// exactly one of these with errors.Is.
var (
	ErrNotFound     = errors.New("not_found")
	ErrValidation   = errors.New("validation_error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrDatabase     = errors.New("database_error")
)

// ErrDeletionBlocked marks a deletion refused because blockers exist.
var ErrDeletionBlocked = errors.New("deletion_blocked")

// Error is a domain error of a given kind with a human message and an
// optional underlying cause.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func newError(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

var (
	ErrPaymentNotFound       = newError(ErrNotFound, "Payment not found")
	ErrLineItemNotFound      = newError(ErrNotFound, "Line item not found")
	ErrTabNotFound           = newError(ErrNotFound, "Tab not found")
	ErrBillingGroupGone      = newError(ErrNotFound, "Billing group no longer exists")
	ErrBillingGroupNotFound  = newError(ErrValidation, "Billing group not found")
	ErrNoBillingGroups       = newError(ErrValidation, "No billing groups found")
	ErrNoBalance             = newError(ErrValidation, "No balance to allocate payment to")
	ErrInvalidMethod         = newError(ErrValidation, "Invalid allocation method")
	ErrEmptyBillingGroups    = newError(ErrValidation, "At least one billing group is required")
	ErrDuplicateBillingGroup = newError(ErrValidation, "Billing group ids must be distinct")
	ErrPaymentNotSucceeded   = newError(ErrValidation, "Only succeeded payments can be allocated")
	ErrAlreadyAllocated      = newError(ErrValidation, "Payment is already allocated to billing groups")
	ErrAllocationsNotFound   = newError(ErrValidation, "Payment or allocations not found")
	ErrAlreadyReversed       = newError(ErrValidation, "Payment allocations already reversed")
	ErrLineItemOverAllocated = newError(ErrValidation, "Line item allocations exceed the billing group allocation")
	ErrLineItemGroupMismatch = newError(ErrValidation, "Line item allocations must target allocated billing groups")
	ErrTargetGroupNotFound   = newError(ErrValidation, "Target billing group not found")
	ErrInvalidTargetGroup    = newError(ErrValidation, "Line items cannot be moved to the billing group being deleted")
	ErrOrganizationMismatch  = newError(ErrUnauthorized, "Billing group does not belong to organization")
)

// ValidationError builds an ad-hoc validation error.
func ValidationError(message string) error {
	return newError(ErrValidation, message)
}

// IsDomainError reports whether err is a NotFound, Validation or
// Unauthorized error that must reach the caller unchanged.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized)
}

// WrapDatabase wraps an unexpected failure as a DatabaseError. Domain errors
// and already wrapped errors pass through unchanged.
func WrapDatabase(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) || errors.Is(err, ErrDatabase) {
		return err
	}
	return &Error{Kind: ErrDatabase, Message: op, Cause: err}
}

// DeletionBlockedError is returned when a deletion is refused. It carries the
// full validation so callers can explain every blocker.
type DeletionBlockedError struct {
	Validation *DeletionValidation
}

func (e *DeletionBlockedError) Error() string {
	if e.Validation == nil || len(e.Validation.Blockers) == 0 {
		return "Billing group cannot be deleted"
	}
	messages := make([]string, 0, len(e.Validation.Blockers))
	for _, blocker := range e.Validation.Blockers {
		messages = append(messages, blocker.Message)
	}
	return "Cannot delete billing group: " + strings.Join(messages, "; ")
}

func (e *DeletionBlockedError) Unwrap() []error {
	return []error{ErrValidation, ErrDeletionBlocked}
}
