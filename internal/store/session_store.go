package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/shipbot/internal/domain"
)

const sessionColumns = `id, user_id, channel_id, chat_id, sender_id, current_step, fields, rates,
	interrupt, last_step_before_interrupt, resume_target, completed, created_at, updated_at`

// SessionStore keeps one active session per user. Every mutation is a single
// statement or transaction, so concurrent handlers never overwrite each
// other's fields.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store using the given database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess                 domain.Session
		fields, rates        string
		interrupt, last, res string
		completed            int
		createdAt, updatedAt string
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Key.ChannelID, &sess.Key.ChatID, &sess.Key.SenderID,
		&sess.CurrentStep, &fields, &rates, &interrupt, &last, &res, &completed,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Fields = domain.Fields{}
	if err := json.Unmarshal([]byte(fields), &sess.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of session %s: %w", sess.ID, err)
	}
	if rates != "" && rates != "[]" {
		if err := json.Unmarshal([]byte(rates), &sess.Rates); err != nil {
			return nil, fmt.Errorf("decoding rates of session %s: %w", sess.ID, err)
		}
	}
	sess.Interrupt = domain.StepID(interrupt)
	sess.LastStepBeforeInterrupt = domain.StepID(last)
	sess.ResumeTarget = domain.StepID(res)
	sess.Completed = completed != 0
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetOrCreate returns the user's session, creating it at start with the
// given initial fields when none exists. The insert is a single conflict-free
// statement, so concurrent callers for the same user all end up with the one
// row that won. created reports whether this call inserted it.
func (s *SessionStore) GetOrCreate(ctx context.Context, key domain.SessionKey, start domain.StepID, initial domain.Fields) (*domain.Session, bool, error) {
	if initial == nil {
		initial = domain.Fields{}
	}
	fields, err := encodeJSON(initial)
	if err != nil {
		return nil, false, fmt.Errorf("encoding fields: %w", err)
	}

	now := formatTime(s.db.now())
	res, err := s.db.exec(ctx,
		`INSERT INTO sessions (id, user_id, channel_id, chat_id, sender_id, current_step, fields, rates, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '[]', ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.New().String(), key.UserID(), key.ChannelID, key.ChatID, key.SenderID,
		string(start), fields, now, now,
	)
	if err != nil {
		return nil, false, infra("create session", err)
	}
	n, _ := res.RowsAffected()

	sess, err := s.Get(ctx, key.UserID())
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		s.db.log.Debug().Str("user", sess.UserID).Str("session", sess.ID).Msg("session created")
	}
	return sess, n == 1, nil
}

// Get returns the user's session or ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, userID string) (*domain.Session, error) {
	sess, err := scanSession(s.db.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra("get session", err)
	}
	return sess, nil
}

// UpdateAtomic merges patch into the session's fields, moves it to step and
// returns the result.
func (s *SessionStore) UpdateAtomic(ctx context.Context, userID string, step domain.StepID, patch domain.Fields) (*domain.Session, error) {
	return s.Apply(ctx, userID, domain.Mutation{Step: step, Patch: patch})
}

// Apply performs m as one UPDATE ... RETURNING statement. Field patches are
// merged by the database, never written back wholesale. Completed sessions
// are not touched.
func (s *SessionStore) Apply(ctx context.Context, userID string, m domain.Mutation) (*domain.Session, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.db.now())}

	if m.Step != "" {
		sets = append(sets, "current_step = ?")
		args = append(args, string(m.Step))
	}
	if len(m.Patch) > 0 {
		patch, err := encodeJSON(m.Patch)
		if err != nil {
			return nil, fmt.Errorf("encoding patch: %w", err)
		}
		sets = append(sets, s.db.dialect.mergeFields)
		args = append(args, patch)
	}
	if m.Rates != nil {
		rates, err := encodeJSON(*m.Rates)
		if err != nil {
			return nil, fmt.Errorf("encoding rates: %w", err)
		}
		if *m.Rates == nil {
			rates = "[]"
		}
		sets = append(sets, "rates = ?")
		args = append(args, rates)
	}
	for _, col := range []struct {
		name string
		val  *domain.StepID
	}{
		{"interrupt", m.Interrupt},
		{"last_step_before_interrupt", m.LastStepBeforeInterrupt},
		{"resume_target", m.ResumeTarget},
	} {
		if col.val != nil {
			sets = append(sets, col.name+" = ?")
			args = append(args, string(*col.val))
		}
	}

	where := "user_id = ? AND completed = 0"
	args = append(args, userID)
	conditional := m.Expect != "" || m.ExpectInterrupt != nil
	if m.Expect != "" {
		where += " AND current_step = ?"
		args = append(args, string(m.Expect))
	}
	if m.ExpectInterrupt != nil {
		where += " AND interrupt = ?"
		args = append(args, string(*m.ExpectInterrupt))
	}

	q := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + sessionColumns
	sess, err := scanSession(s.db.queryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if !conditional {
			return nil, ErrNotFound
		}
		if _, getErr := s.Get(ctx, userID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStepConflict
	}
	if err != nil {
		return nil, infra("update session", err)
	}
	return sess, nil
}

// Clear deletes the user's session. Clearing a missing session is not an error.
func (s *SessionStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.exec(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return infra("clear session", err)
	}
	return nil
}

// CompleteAndArchive stores the order and deletes the session it came from
// in one transaction. Replaying the same order (same idempotency key) keeps
// the first record and still clears the session. The stored order is returned.
func (s *SessionStore) CompleteAndArchive(ctx context.Context, userID string, order domain.Order) (*domain.Order, error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.db.now()
	}
	order.UserID = userID

	snapshot, err := encodeJSON(order.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	rate, err := encodeJSON(order.Rate)
	if err != nil {
		return nil, fmt.Errorf("encoding rate: %w", err)
	}
	label, err := encodeJSON(order.Label)
	if err != nil {
		return nil, fmt.Errorf("encoding label: %w", err)
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, infra("archive begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.rebind(
		`INSERT INTO orders (id, user_id, session_id, idempotency_key, snapshot, rate, amount,
		   payment_method, payment_status, shipping_status, label, created_at)
		 VALUES (`+placeholders(12)+`)
		 ON CONFLICT (idempotency_key) DO NOTHING`),
		order.ID, userID, order.SessionID, order.IdempotencyKey, snapshot, rate, int64(order.Amount),
		order.PaymentMethod, order.PaymentStatus, order.ShippingStatus, label, formatTime(order.CreatedAt),
	); err != nil {
		return nil, infra("archive order", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.rebind(
		`DELETE FROM sessions WHERE user_id = ? AND id = ?`), userID, order.SessionID,
	); err != nil {
		return nil, infra("archive session", err)
	}

	if s.db.beforeCommit != nil {
		if err := s.db.beforeCommit(); err != nil {
			return nil, infra("archive", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, infra("archive commit", err)
	}

	s.db.log.Info().Str("user", userID).Str("session", order.SessionID).
		Str("key", order.IdempotencyKey).Msg("session archived")
	return NewOrderStore(s.db).OrderByKey(ctx, order.IdempotencyKey)
}

// EvictIdle deletes sessions not updated within ttl and returns how many
// were removed.
func (s *SessionStore) EvictIdle(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := formatTime(s.db.now().Add(-ttl))
	res, err := s.db.exec(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, infra("evict sessions", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.db.log.Info().Int64("count", n).Dur("ttl", ttl).Msg("evicted idle sessions")
	}
	return n, nil
}

// List returns sessions, most recently updated first. A limit <= 0 means no limit.
func (s *SessionStore) List(ctx context.Context, limit int) ([]domain.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, infra("list sessions", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, infra("list sessions", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("list sessions", err)
	}
	return out, nil
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, infra("count sessions", err)
	}
	return n, nil
}
