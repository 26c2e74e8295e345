package types

import (
	"errors"
	"fmt"
)

// Mirror lifecycle and session errors.
var (
	ErrClosed             = errors.New("mirror is closed")
	ErrUnknownItemType    = errors.New("unknown item type")
	ErrNotFound           = errors.New("item not found")
	ErrEmptyCommitMessage = errors.New("commit message cannot be empty")
	ErrNothingToCommit    = errors.New("nothing to commit")
	ErrNothingToRollback  = errors.New("nothing to rollback")
	ErrRemovedByCascade   = errors.New("item was removed by a cascade; restore the item that caused it")
)

// ValidationError describes why a proposed add or update was rejected:
// an unresolved reference, a uniqueness collision, or a malformed field.
// It is returned as a value alongside a nil item, never panicked, so
// bulk callers can collect per-row failures without aborting the batch.
type ValidationError struct {
	ItemType string
	Reason   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.ItemType, e.Reason)
}

// Validationf builds a ValidationError with a formatted reason.
func Validationf(itemType, format string, args ...any) *ValidationError {
	return &ValidationError{ItemType: itemType, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
