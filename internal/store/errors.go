package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStepConflict is returned by a conditional session write when the
	// session moved to another step in the meantime.
	ErrStepConflict = errors.New("session step changed concurrently")
	// ErrTemplateLimit is returned when a user already has the maximum
	// number of templates.
	ErrTemplateLimit = errors.New("template limit reached")
	// ErrInsufficientFunds is returned by a debit larger than the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// InfraError wraps a storage failure. It is retryable: the operation had no
// effect, or its effect is safe to repeat.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// Retryable marks the error for callers that classify errors by behavior.
func (e *InfraError) Retryable() bool { return true }

func infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfraError{Op: op, Err: err}
}
