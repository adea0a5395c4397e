package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a malformed request.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidQuantity occurs when a counter update would break a ledger invariant.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrAlreadyTerminal occurs when an order or route is already in a terminal status.
	ErrAlreadyTerminal = errors.New("already terminal")
	// ErrInvalidTransition occurs when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrWrongStage occurs when an operation targets an order outside its expected stage.
	ErrWrongStage = errors.New("order not in expected stage")
	// ErrOutcomesPending occurs when finalizing a stop before every item has an outcome.
	ErrOutcomesPending = errors.New("delivery outcomes pending")
	// ErrConcurrentModification occurs on a line-item lock or version conflict.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDependencyUnavailable marks failures of non-critical collaborators.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// ItemError ties a failure to the line item that caused it.
type ItemError struct {
	ItemID int64
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewItemError wraps err with the offending item id.
func NewItemError(itemID int64, err error) error {
	if err == nil {
		return nil
	}
	return &ItemError{ItemID: itemID, Err: err}
}

// Retryable reports whether the caller should retry the single operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
