package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/model"
	"github.com/sakif/chatdesk/internal/repository"
)

const recordColumns = `id, user_id, store_name, prompt, response, history, created_at`

// AppendRecord persists one chat turn. The store must already exist; a
// dangling store name comes back as apperror.ErrNotFound.
func (db *DB) AppendRecord(ctx context.Context, rec *model.ConversationRecord) error {
	rec.ID = xid.New().String()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx, db.q(
		`INSERT INTO conversation_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.UserID,
		rec.StoreName,
		rec.Prompt,
		rec.Response,
		rec.History.JSON(),
		rec.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperror.NotFound("conversation store", rec.StoreName)
		}
		return fmt.Errorf("sqldb: inserting record for user %s: %w", rec.UserID, err)
	}
	return nil
}

func (db *DB) LatestRecord(ctx context.Context, userID string) (*model.ConversationRecord, error) {
	row := db.conn.QueryRowContext(ctx, db.q(
		`SELECT `+recordColumns+` FROM conversation_records
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`), userID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("conversation record for user", userID)
		}
		return nil, fmt.Errorf("sqldb: getting latest record for user %s: %w", userID, err)
	}
	return rec, nil
}

func (db *DB) ListRecords(ctx context.Context, userID string, opts repository.ListOptions) ([]model.ConversationRecord, error) {
	opts = opts.Normalize()

	rows, err := db.conn.QueryContext(ctx, db.q(
		`SELECT `+recordColumns+` FROM conversation_records
		 WHERE user_id = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ? OFFSET ?`), userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqldb: listing records for user %s: %w", userID, err)
	}
	defer rows.Close()

	records := make([]model.ConversationRecord, 0, opts.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqldb: scanning record row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqldb: iterating record rows: %w", err)
	}
	return records, nil
}

func (db *DB) CountRecords(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, db.q(
		`SELECT COUNT(*) FROM conversation_records WHERE user_id = ?`), userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqldb: counting records for user %s: %w", userID, err)
	}
	return n, nil
}

func scanRecord(s scanner) (*model.ConversationRecord, error) {
	var (
		rec     model.ConversationRecord
		history string
	)
	if err := s.Scan(&rec.ID, &rec.UserID, &rec.StoreName, &rec.Prompt, &rec.Response, &history, &rec.CreatedAt); err != nil {
		return nil, err
	}

	h, err := model.ParseHistory(history)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.History = h
	return &rec, nil
}
