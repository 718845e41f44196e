package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a logbook, entry, lock, attachment or
// revision does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleRevision is returned when an update supplies a revision_n
// that does not match the entity's current revision count, meaning
// someone else edited the entity in between.
var ErrStaleRevision = errors.New("stale revision")

// ValidationError reports malformed input: a missing required
// attribute, an unknown enum value, or a field that fails its
// declared type.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewMissingAttributesError builds the ValidationError for required
// attributes that were not supplied.
func NewMissingAttributesError(names []string) *ValidationError {
	return &ValidationError{
		Field:   "attributes",
		Message: "missing required attributes: " + strings.Join(names, ", "),
	}
}

// LockedError is returned when an operation on an entry is blocked by
// an active lock owned by a different IP. It carries the offending
// lock so the API can report the owner to the client.
type LockedError struct {
	Lock *Lock
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("entry %d is locked by IP %s since %s",
		e.Lock.EntryID, e.Lock.OwnedByIP, e.Lock.CreatedAt.Format("2006-01-02 15:04:05"))
}

// IntegrityError reports a structural violation, e.g. reparenting a
// logbook under one of its own descendants.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string {
	return e.Message
}
