package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/shipbot/internal/domain"
	"github.com/soyeahso/shipbot/internal/logging"
	"github.com/soyeahso/shipbot/internal/store"
)

// Ledger key prefixes for credits derived from an order key.
const (
	RefundPrefix  = "refund:"
	InvoicePrefix = "invoice:"
)

// Ledger is the balance service. Every movement carries an idempotency key,
// so replaying a debit or credit has no further effect.
type Ledger struct {
	store *store.Ledger
	log   *logging.Logger
}

// NewLedger creates a balance service over the store ledger.
func NewLedger(st *store.Ledger, log *logging.Logger) *Ledger {
	return &Ledger{store: st, log: log.Sub("payment")}
}

// Balance returns the user's balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (domain.Money, error) {
	return l.store.Balance(ctx, userID)
}

// Debit charges the user for the order identified by key. applied is false
// when the debit was already recorded.
func (l *Ledger) Debit(ctx context.Context, userID string, amount domain.Money, key string) (bool, error) {
	applied, err := l.store.Debit(ctx, userID, amount, key, "order")
	if err != nil {
		return false, fmt.Errorf("debit %s: %w", key, err)
	}
	if applied {
		l.log.Info().Str("user", userID).Str("key", key).Stringer("amount", amount).Msg("balance debited")
	}
	return applied, nil
}

// DebitIntent charges the order of a payment intent and moves the intent
// from one of from to status to in the same transaction, so a debit is
// never recorded without the intent showing it. moved is false when the
// intent had already left the from statuses.
func (l *Ledger) DebitIntent(ctx context.Context, in *domain.PaymentIntent, from []string, to string) (bool, error) {
	moved, err := l.store.DebitIntent(ctx, in.UserID, in.Amount, in.Key, "order", from, to)
	if err != nil {
		return false, fmt.Errorf("debit %s: %w", in.Key, err)
	}
	if moved {
		l.log.Info().Str("user", in.UserID).Str("key", in.Key).Stringer("amount", in.Amount).Msg("balance debited")
	}
	return moved, nil
}

// Debited reports whether a debit was recorded under key.
func (l *Ledger) Debited(ctx context.Context, key string) (bool, error) {
	e, err := l.store.Movement(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Amount < 0, nil
}

// Refund returns a debit made for key.
func (l *Ledger) Refund(ctx context.Context, userID string, amount domain.Money, key string) (bool, error) {
	applied, err := l.store.Credit(ctx, userID, amount, RefundPrefix+key, "refund")
	if err != nil {
		return false, fmt.Errorf("refund %s: %w", key, err)
	}
	if applied {
		l.log.Info().Str("user", userID).Str("key", key).Stringer("amount", amount).Msg("balance refunded")
	}
	return applied, nil
}

// CreditInvoice credits a paid invoice for key.
func (l *Ledger) CreditInvoice(ctx context.Context, userID string, amount domain.Money, key string) (bool, error) {
	applied, err := l.store.Credit(ctx, userID, amount, InvoicePrefix+key, "invoice")
	if err != nil {
		return false, fmt.Errorf("credit invoice %s: %w", key, err)
	}
	if applied {
		l.log.Info().Str("user", userID).Str("key", key).Stringer("amount", amount).Msg("invoice credited")
	}
	return applied, nil
}

// Adjust credits (positive) or debits (negative) the balance by hand, e.g.
// from the admin CLI.
func (l *Ledger) Adjust(ctx context.Context, userID string, amount domain.Money, key, reason string) (bool, error) {
	var (
		applied bool
		err     error
	)
	switch {
	case amount > 0:
		applied, err = l.store.Credit(ctx, userID, amount, key, reason)
	case amount < 0:
		applied, err = l.store.Debit(ctx, userID, -amount, key, reason)
	default:
		return false, fmt.Errorf("adjust %s: amount must not be zero", key)
	}
	if err != nil {
		return false, fmt.Errorf("adjust %s: %w", key, err)
	}
	if applied {
		l.log.Info().Str("user", userID).Str("key", key).Stringer("amount", amount).Str("reason", reason).Msg("balance adjusted")
	}
	return applied, nil
}

// Entries returns the user's most recent ledger entries.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	return l.store.Entries(ctx, userID, limit)
}
