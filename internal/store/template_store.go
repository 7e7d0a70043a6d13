package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/soyeahso/shipbot/internal/domain"
)

const templateColumns = `id, user_id, name, from_addr, to_addr, created_at, updated_at`

// TemplateStore keeps saved address pairs, independent of sessions.
type TemplateStore struct {
	db *DB
}

// NewTemplateStore creates a template store using the given database.
func NewTemplateStore(db *DB) *TemplateStore {
	return &TemplateStore{db: db}
}

func scanTemplate(row rowScanner) (*domain.Template, error) {
	var (
		t                    domain.Template
		from, to             string
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &from, &to, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(from), &t.From); err != nil {
		return nil, fmt.Errorf("decoding template %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(to), &t.To); err != nil {
		return nil, fmt.Errorf("decoding template %s: %w", t.ID, err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// SaveTemplate stores a new template unless the user already has max of
// them, in which case ErrTemplateLimit is returned. The count check and the
// insert are one statement.
func (s *TemplateStore) SaveTemplate(ctx context.Context, t domain.Template, max int) (*domain.Template, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := s.db.now()
	t.CreatedAt, t.UpdatedAt = now, now

	from, err := encodeJSON(t.From)
	if err != nil {
		return nil, fmt.Errorf("encoding template: %w", err)
	}
	to, err := encodeJSON(t.To)
	if err != nil {
		return nil, fmt.Errorf("encoding template: %w", err)
	}

	res, err := s.db.exec(ctx,
		`INSERT INTO templates (`+templateColumns+`)
		 SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT),
		        CAST(? AS TEXT), CAST(? AS TEXT)
		 WHERE (SELECT COUNT(*) FROM templates WHERE user_id = ?) < CAST(? AS INTEGER)`,
		t.ID, t.UserID, t.Name, from, to, formatTime(now), formatTime(now), t.UserID, max,
	)
	if err != nil {
		return nil, infra("save template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrTemplateLimit
	}
	return &t, nil
}

// Templates returns a user's templates, oldest first, so list positions are
// stable for rename commands.
func (s *TemplateStore) Templates(ctx context.Context, userID string) ([]domain.Template, error) {
	rows, err := s.db.query(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, infra("list templates", err)
	}
	defer rows.Close()

	var out []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, infra("list templates", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("list templates", err)
	}
	return out, nil
}

// Template loads one of the user's templates.
func (s *TemplateStore) Template(ctx context.Context, userID, id string) (*domain.Template, error) {
	t, err := scanTemplate(s.db.queryRow(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE user_id = ? AND id = ?`, userID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, infra("get template", err)
	}
	return t, nil
}

// RenameTemplate changes a template's name.
func (s *TemplateStore) RenameTemplate(ctx context.Context, userID, id, name string) error {
	res, err := s.db.exec(ctx,
		`UPDATE templates SET name = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
		strings.TrimSpace(name), formatTime(s.db.now()), userID, id)
	if err != nil {
		return infra("rename template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTemplate removes a template.
func (s *TemplateStore) DeleteTemplate(ctx context.Context, userID, id string) error {
	res, err := s.db.exec(ctx, `DELETE FROM templates WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return infra("delete template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
