package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soyeahso/shipbot/internal/domain"
)

// Ledger holds user balances. Every movement is recorded under a unique
// idempotency key, so replaying a debit or credit applies it once.
type Ledger struct {
	db *DB
}

// NewLedger creates a ledger using the given database.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the user's balance. Users without movements have zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (domain.Money, error) {
	var amount int64
	err := l.db.queryRow(ctx, `SELECT amount FROM balances WHERE user_id = ?`, userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, infra("get balance", err)
	}
	return domain.Money(amount), nil
}

// Debit takes amount from the user's balance. applied is false when key was
// already used, in which case nothing changes. ErrInsufficientFunds leaves
// the ledger untouched.
func (l *Ledger) Debit(ctx context.Context, userID string, amount domain.Money, key, reason string) (applied bool, err error) {
	if amount <= 0 {
		return false, fmt.Errorf("debit amount must be positive, got %s", amount)
	}
	return l.move(ctx, userID, -amount, key, reason)
}

// Credit adds amount to the user's balance. applied is false when key was
// already used.
func (l *Ledger) Credit(ctx context.Context, userID string, amount domain.Money, key, reason string) (applied bool, err error) {
	if amount <= 0 {
		return false, fmt.Errorf("credit amount must be positive, got %s", amount)
	}
	return l.move(ctx, userID, amount, key, reason)
}

func (l *Ledger) move(ctx context.Context, userID string, delta domain.Money, key, reason string) (bool, error) {
	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, infra("ledger begin", err)
	}
	defer tx.Rollback()

	applied, err := l.apply(ctx, tx, userID, delta, key, reason)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, infra("ledger commit", err)
	}
	l.db.log.Info().Str("user", userID).Str("key", key).Str("amount", delta.String()).
		Str("reason", reason).Msg("ledger movement")
	return true, nil
}

// apply records one movement inside tx. It reports false when key was
// already used.
func (l *Ledger) apply(ctx context.Context, tx *sql.Tx, userID string, delta domain.Money, key, reason string) (bool, error) {
	now := formatTime(l.db.now())
	res, err := tx.ExecContext(ctx, l.db.rebind(
		`INSERT INTO ledger (user_id, amount, idempotency_key, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`),
		userID, int64(delta), key, reason, now)
	if err != nil {
		return false, infra("ledger insert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.db.log.Debug().Str("user", userID).Str("key", key).Msg("ledger movement already applied")
		return false, nil
	}

	if delta < 0 {
		res, err = tx.ExecContext(ctx, l.db.rebind(
			`UPDATE balances SET amount = amount + ?, updated_at = ?
			 WHERE user_id = ? AND amount >= ?`),
			int64(delta), now, userID, int64(-delta))
		if err != nil {
			return false, infra("ledger debit", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, ErrInsufficientFunds
		}
		return true, nil
	}
	if _, err := tx.ExecContext(ctx, l.db.rebind(
		`INSERT INTO balances (user_id, amount, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET amount = balances.amount + excluded.amount,
		   updated_at = excluded.updated_at`),
		userID, int64(delta), now); err != nil {
		return false, infra("ledger credit", err)
	}
	return true, nil
}

// DebitIntent charges a payment intent: it moves the intent from one of
// from to status to and debits amount under the intent key, in one
// transaction. moved is false, with nothing written, when the intent was
// not in a from status. A debit already recorded under the key is not
// taken twice. ErrInsufficientFunds leaves both the intent and the balance
// untouched.
func (l *Ledger) DebitIntent(ctx context.Context, userID string, amount domain.Money, key, reason string, from []string, to string) (moved bool, err error) {
	if amount <= 0 {
		return false, fmt.Errorf("debit amount must be positive, got %s", amount)
	}
	if len(from) == 0 {
		return false, fmt.Errorf("debit of intent %s needs at least one source status", key)
	}
	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, infra("intent debit begin", err)
	}
	defer tx.Rollback()

	args := []any{to, formatTime(l.db.now()), key}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := tx.ExecContext(ctx, l.db.rebind(
		`UPDATE payment_intents SET status = ?, updated_at = ?
		 WHERE idempotency_key = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return false, infra("intent debit transition", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	applied, err := l.apply(ctx, tx, userID, -amount, key, reason)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, infra("intent debit commit", err)
	}
	l.db.log.Info().Str("user", userID).Str("key", key).Str("amount", (-amount).String()).
		Str("to", to).Bool("charged", applied).Msg("intent debited")
	return true, nil
}

// Movement returns the ledger entry recorded under key.
func (l *Ledger) Movement(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	var (
		e         domain.LedgerEntry
		amount    int64
		createdAt string
	)
	err := l.db.queryRow(ctx,
		`SELECT id, user_id, amount, idempotency_key, reason, created_at FROM ledger WHERE idempotency_key = ?`, key,
	).Scan(&e.ID, &e.UserID, &amount, &e.Key, &e.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra("get ledger entry", err)
	}
	e.Amount = domain.Money(amount)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// Entries returns a user's ledger movements, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	q := `SELECT id, user_id, amount, idempotency_key, reason, created_at FROM ledger
	      WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.query(ctx, q, args...)
	if err != nil {
		return nil, infra("list ledger", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			amount    int64
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.Key, &e.Reason, &createdAt); err != nil {
			return nil, infra("list ledger", err)
		}
		e.Amount = domain.Money(amount)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("list ledger", err)
	}
	return out, nil
}
