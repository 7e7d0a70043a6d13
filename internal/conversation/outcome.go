package conversation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/soyeahso/shipbot/internal/domain"
)

// OutcomeKind classifies the result of one engine call.
type OutcomeKind int

const (
	// Advanced: the session moved (or an interrupt opened or closed). Step
	// names what to render next.
	Advanced OutcomeKind = iota + 1
	// Invalid: input was rejected; the session is unchanged.
	Invalid
	// Stale: no active order for the user, or it already completed.
	Stale
	// InfraError: storage or an external service failed; retry is safe.
	InfraError
	// Violation: a program or data integrity defect aborted the operation.
	Violation
	// Cancelled: the user confirmed cancellation; the session is gone.
	Cancelled
	// Completed: the order was paid and archived.
	Completed
	// Ignored: a duplicate or debounced input that had no effect.
	Ignored
)

func (k OutcomeKind) String() string {
	switch k {
	case Advanced:
		return "advanced"
	case Invalid:
		return "invalid"
	case Stale:
		return "stale"
	case InfraError:
		return "infra_error"
	case Violation:
		return "violation"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what the gateway renders after an engine call.
type Outcome struct {
	Kind OutcomeKind
	// Session is the state after the call, nil when there is none.
	Session *domain.Session
	// Step is the step or pseudo-state to render.
	Step domain.StepID
	// Err explains Invalid, InfraError and Violation outcomes.
	Err error
	// Created is set when this call created the session.
	Created bool
	// Resumed is set when a start request found an existing order.
	Resumed bool
	// Order is set on Completed.
	Order *domain.Order
	// Intent carries the invoice while the order waits for payment.
	Intent *domain.PaymentIntent
	// Notice is an extra line for the user, e.g. "Template saved".
	Notice string
}

// ErrStale is the error carried by Stale outcomes.
var ErrStale = errors.New("order is no longer active")

// InvariantViolation reports a state the program should never reach, such
// as a purchase without the fields it needs.
type InvariantViolation struct {
	Op      string
	Missing []string
	Detail  string
}

func (e *InvariantViolation) Error() string {
	var b strings.Builder
	b.WriteString("invariant violation in ")
	b.WriteString(e.Op)
	if len(e.Missing) > 0 {
		b.WriteString(": missing fields ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// RequireFields returns an *InvariantViolation when f lacks any of want.
func RequireFields(op string, f domain.Fields, want []string) error {
	if missing := f.Missing(want...); len(missing) > 0 {
		return &InvariantViolation{Op: op, Missing: missing}
	}
	return nil
}

// Retryable is implemented by errors that are safe to retry.
type Retryable interface {
	Retryable() bool
}

// RetryableError marks err as a transient failure of an external service.
func RetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

type retryableError struct{ err error }

func (e *retryableError) Error() string   { return e.err.Error() }
func (e *retryableError) Unwrap() error   { return e.err }
func (e *retryableError) Retryable() bool { return true }
