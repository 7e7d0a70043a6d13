package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/shipbot/internal/domain"
)

const intentColumns = `idempotency_key, user_id, session_id, channel_id, chat_id, purpose, rate_id,
	amount, method, status, track_id, pay_link, label, created_at, updated_at, snapshot, rate`

// IntentStore records purchase attempts by idempotency key. Status changes
// are compare-and-set, so only one of several racing callers wins a
// transition.
type IntentStore struct {
	db *DB
}

// NewIntentStore creates an intent store using the given database.
func NewIntentStore(db *DB) *IntentStore {
	return &IntentStore{db: db}
}

func scanIntent(row rowScanner) (*domain.PaymentIntent, error) {
	var (
		in                   domain.PaymentIntent
		amount               int64
		label, snapshot, rate string
		createdAt, updatedAt  string
	)
	if err := row.Scan(&in.Key, &in.UserID, &in.SessionID, &in.ChannelID, &in.ChatID, &in.Purpose,
		&in.RateID, &amount, &in.Method, &in.Status, &in.TrackID, &in.PayLink, &label,
		&createdAt, &updatedAt, &snapshot, &rate); err != nil {
		return nil, err
	}
	if snapshot != "" {
		if err := json.Unmarshal([]byte(snapshot), &in.Snapshot); err != nil {
			return nil, fmt.Errorf("decoding snapshot of intent %s: %w", in.Key, err)
		}
	}
	if rate != "" {
		in.Rate = &domain.Rate{}
		if err := json.Unmarshal([]byte(rate), in.Rate); err != nil {
			return nil, fmt.Errorf("decoding rate of intent %s: %w", in.Key, err)
		}
	}
	in.Amount = domain.Money(amount)
	if label != "" {
		in.Label = &domain.Label{}
		if err := json.Unmarshal([]byte(label), in.Label); err != nil {
			return nil, fmt.Errorf("decoding label of intent %s: %w", in.Key, err)
		}
	}
	in.CreatedAt = parseTime(createdAt)
	in.UpdatedAt = parseTime(updatedAt)
	return &in, nil
}

// CreateIntent inserts the intent unless one with the same key exists. It
// returns the stored intent and whether this call created it.
func (s *IntentStore) CreateIntent(ctx context.Context, in domain.PaymentIntent) (*domain.PaymentIntent, bool, error) {
	if in.Status == "" {
		in.Status = domain.IntentPending
	}
	label := ""
	if in.Label != nil {
		data, err := json.Marshal(in.Label)
		if err != nil {
			return nil, false, fmt.Errorf("encoding label: %w", err)
		}
		label = string(data)
	}
	snapshot, rate := "", ""
	if len(in.Snapshot) > 0 {
		data, err := json.Marshal(in.Snapshot)
		if err != nil {
			return nil, false, fmt.Errorf("encoding snapshot: %w", err)
		}
		snapshot = string(data)
	}
	if in.Rate != nil {
		data, err := json.Marshal(in.Rate)
		if err != nil {
			return nil, false, fmt.Errorf("encoding rate: %w", err)
		}
		rate = string(data)
	}
	now := formatTime(s.db.now())
	res, err := s.db.exec(ctx,
		`INSERT INTO payment_intents (`+intentColumns+`)
		 VALUES (`+placeholders(17)+`)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		in.Key, in.UserID, in.SessionID, in.ChannelID, in.ChatID, in.Purpose, in.RateID,
		int64(in.Amount), in.Method, in.Status, in.TrackID, in.PayLink, label, now, now,
		snapshot, rate,
	)
	if err != nil {
		return nil, false, infra("create intent", err)
	}
	n, _ := res.RowsAffected()
	stored, err := s.Intent(ctx, in.Key)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *IntentStore) one(ctx context.Context, op, where string, arg any) (*domain.PaymentIntent, error) {
	in, err := scanIntent(s.db.queryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra(op, err)
	}
	return in, nil
}

// Intent returns the intent stored under key.
func (s *IntentStore) Intent(ctx context.Context, key string) (*domain.PaymentIntent, error) {
	return s.one(ctx, "get intent", "idempotency_key = ?", key)
}

// IntentByTrackID returns the intent of an invoice.
func (s *IntentStore) IntentByTrackID(ctx context.Context, trackID string) (*domain.PaymentIntent, error) {
	if trackID == "" {
		return nil, ErrNotFound
	}
	return s.one(ctx, "get intent by track id", "track_id = ?", trackID)
}

// TransitionIntent moves the intent to status `to` if its current status is
// one of from, writing the optional columns in upd alongside. It reports
// whether this call made the transition.
func (s *IntentStore) TransitionIntent(ctx context.Context, key string, from []string, to string, upd domain.IntentUpdate) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition of intent %s needs at least one source status", key)
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, formatTime(s.db.now())}
	if upd.Method != nil {
		sets = append(sets, "method = ?")
		args = append(args, *upd.Method)
	}
	if upd.TrackID != nil {
		sets = append(sets, "track_id = ?")
		args = append(args, *upd.TrackID)
	}
	if upd.PayLink != nil {
		sets = append(sets, "pay_link = ?")
		args = append(args, *upd.PayLink)
	}
	if upd.Label != nil {
		data, err := json.Marshal(upd.Label)
		if err != nil {
			return false, fmt.Errorf("encoding label: %w", err)
		}
		sets = append(sets, "label = ?")
		args = append(args, string(data))
	}
	args = append(args, key)
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.exec(ctx,
		`UPDATE payment_intents SET `+strings.Join(sets, ", ")+
			` WHERE idempotency_key = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, infra("transition intent", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		s.db.log.Debug().Str("key", key).Str("to", to).Msg("intent transition")
	}
	return n == 1, nil
}

// IntentsByStatus returns intents in one of statuses last updated before
// olderThan, oldest first.
func (s *IntentStore) IntentsByStatus(ctx context.Context, statuses []string, olderThan time.Time, limit int) ([]domain.PaymentIntent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, formatTime(olderThan))
	q := `SELECT ` + intentColumns + ` FROM payment_intents
	      WHERE status IN (` + placeholders(len(statuses)) + `) AND updated_at < ?
	      ORDER BY updated_at`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, q, args...)
}

// IntentsForSession returns the intents opened by a session.
func (s *IntentStore) IntentsForSession(ctx context.Context, sessionID string) ([]domain.PaymentIntent, error) {
	return s.list(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE session_id = ? ORDER BY created_at`, sessionID)
}

func (s *IntentStore) list(ctx context.Context, q string, args ...any) ([]domain.PaymentIntent, error) {
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, infra("list intents", err)
	}
	defer rows.Close()

	var out []domain.PaymentIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, infra("list intents", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("list intents", err)
	}
	return out, nil
}
