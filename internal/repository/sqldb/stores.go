package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/model"
)

// EnsureStore inserts the store row unless it already exists, so calling it
// any number of times leaves exactly one row. If the name already belongs to
// a different user the call fails with apperror.ErrConflict.
func (db *DB) EnsureStore(ctx context.Context, store *model.ConversationStore) (bool, error) {
	if store.CreatedAt.IsZero() {
		store.CreatedAt = time.Now().UTC()
	}

	res, err := db.conn.ExecContext(ctx, db.q(
		`INSERT INTO conversation_stores (name, user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		store.Name, store.UserID, store.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, apperror.NotFound("user", store.UserID)
		}
		return false, fmt.Errorf("sqldb: ensuring store %s: %w", store.Name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqldb: checking rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	existing, err := db.GetStore(ctx, store.Name)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// the user already owns a store under another name
			return false, apperror.Conflict("conversation store for user", store.UserID)
		}
		return false, err
	}
	if existing.UserID != store.UserID {
		return false, apperror.Conflict("conversation store", store.Name)
	}

	*store = *existing
	return false, nil
}

func (db *DB) GetStore(ctx context.Context, name string) (*model.ConversationStore, error) {
	var s model.ConversationStore
	err := db.conn.QueryRowContext(ctx, db.q(
		`SELECT name, user_id, created_at FROM conversation_stores WHERE name = ?`), name,
	).Scan(&s.Name, &s.UserID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("conversation store", name)
		}
		return nil, fmt.Errorf("sqldb: getting store %s: %w", name, err)
	}
	return &s, nil
}
