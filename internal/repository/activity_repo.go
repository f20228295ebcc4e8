package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/echograph/tavernbridge/internal/model"
)

// ActivityRepository persists the activity feed.
type ActivityRepository struct {
	db *sql.DB
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Append stores e and sets its ID.
func (r *ActivityRepository) Append(ctx context.Context, e *model.ActivityEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO activity (level, message, session_id, created_at) VALUES (?, ?, ?, ?)`,
		string(e.Level), e.Message, e.SessionID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get activity id: %w", err)
	}
	e.ID = id
	return nil
}

// Recent returns up to limit entries, newest first. A non-empty sessionID
// restricts the result to that session.
func (r *ActivityRepository) Recent(ctx context.Context, sessionID string, limit int) ([]*model.ActivityEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, level, message, session_id, created_at FROM activity`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []*model.ActivityEntry
	for rows.Next() {
		e := &model.ActivityEntry{}
		var level string
		if err := rows.Scan(&e.ID, &level, &e.Message, &e.SessionID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		e.Level = model.ActivityLevel(level)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity: %w", err)
	}
	return entries, nil
}

// Prune keeps the newest keep entries and deletes the rest.
func (r *ActivityRepository) Prune(ctx context.Context, keep int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM activity WHERE id NOT IN (SELECT id FROM activity ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune activity: %w", err)
	}
	return result.RowsAffected()
}
