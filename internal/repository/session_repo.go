package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/echograph/tavernbridge/internal/model"
)

// SessionRepository provides data access for session bindings.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const bindingColumns = `session_id, character_id, character_name, source, graph_nodes, graph_edges, created_at, updated_at`

// Upsert inserts a binding or refreshes an existing one. The original
// created_at is kept, and an empty source leaves the stored source alone.
func (r *SessionRepository) Upsert(ctx context.Context, b *model.SessionBinding) error {
	now := time.Now().UTC()
	created, updated := b.CreatedAt, b.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	query := `
		INSERT INTO session_bindings (` + bindingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			character_id = excluded.character_id,
			character_name = excluded.character_name,
			source = COALESCE(NULLIF(excluded.source, ''), source),
			graph_nodes = excluded.graph_nodes,
			graph_edges = excluded.graph_edges,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		b.SessionID,
		b.CharacterID,
		b.CharacterName,
		string(b.Source),
		b.GraphNodes,
		b.GraphEdges,
		created,
		updated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session binding: %w", err)
	}
	return nil
}

// GetByID retrieves a binding by session id.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*model.SessionBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM session_bindings WHERE session_id = ?`
	b, err := scanBinding(r.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session binding: %w", err)
	}
	return b, nil
}

// GetByCharacter returns the most recently updated binding for a character.
func (r *SessionRepository) GetByCharacter(ctx context.Context, characterID string) (*model.SessionBinding, error) {
	query := `
		SELECT ` + bindingColumns + `
		FROM session_bindings
		WHERE character_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`
	b, err := scanBinding(r.db.QueryRowContext(ctx, query, characterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session binding: %w", err)
	}
	return b, nil
}

// ListRecent returns up to limit bindings, most recently updated first.
func (r *SessionRepository) ListRecent(ctx context.Context, limit int) ([]*model.SessionBinding, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + bindingColumns + `
		FROM session_bindings
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*model.SessionBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session bindings: %w", err)
	}
	return bindings, nil
}

// Delete removes a binding.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM session_bindings WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session binding: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// DeleteAll removes every binding and returns how many were removed.
func (r *SessionRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM session_bindings`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear session bindings: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBinding(s scanner) (*model.SessionBinding, error) {
	b := &model.SessionBinding{}
	var source string
	err := s.Scan(
		&b.SessionID,
		&b.CharacterID,
		&b.CharacterName,
		&source,
		&b.GraphNodes,
		&b.GraphEdges,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Source = model.SessionSource(source)
	return b, nil
}
