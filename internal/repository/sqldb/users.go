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

const userColumns = `id, display_name, email, password_hash, external_id, created_at`

// CreateUser inserts user, assigning its ID and CreatedAt.
// A clash on email, display name or external id yields apperror.ErrConflict.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	return db.insertUser(ctx, db.conn, user)
}

// CreateUserWithStore inserts user and their conversation store in one
// transaction. store.UserID is filled in from the new user. If the store
// name is already owned the whole signup is rolled back and the error
// matches both apperror.ErrConflict and repository.ErrStoreNameTaken.
func (db *DB) CreateUserWithStore(ctx context.Context, user *model.User, store *model.ConversationStore) error {
	err := db.withTx(ctx, func(tx dbtx) error {
		if err := db.insertUser(ctx, tx, user); err != nil {
			return err
		}

		store.UserID = user.ID
		store.CreatedAt = user.CreatedAt
		_, err := tx.ExecContext(ctx, db.q(
			`INSERT INTO conversation_stores (name, user_id, created_at) VALUES (?, ?, ?)`),
			store.Name, store.UserID, store.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return &apperror.AppError{
					Err:     apperror.ErrConflict,
					Message: fmt.Sprintf("conversation store %q already exists", store.Name),
					Cause:   repository.ErrStoreNameTaken,
				}
			}
			return fmt.Errorf("sqldb: inserting store %s: %w", store.Name, err)
		}
		return nil
	})
	if err != nil {
		user.ID = ""
		store.UserID = ""
	}
	return err
}

func (db *DB) insertUser(ctx context.Context, ex dbtx, user *model.User) error {
	user.ID = xid.New().String()
	user.CreatedAt = time.Now().UTC()

	_, err := ex.ExecContext(ctx, db.q(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		user.ID,
		user.DisplayName,
		user.Email,
		nullString(user.PasswordHash),
		nullString(user.ExternalID),
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Email)
		}
		return fmt.Errorf("sqldb: inserting user %s: %w", user.Email, err)
	}
	return nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return db.getUser(ctx, "id", id)
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getUser(ctx, "email", email)
}

func (db *DB) GetUserByDisplayName(ctx context.Context, name string) (*model.User, error) {
	return db.getUser(ctx, "display_name", name)
}

// getUser looks a user up by one unique column. column is always a
// constant from this file, never user input.
func (db *DB) getUser(ctx context.Context, column, value string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx, db.q(
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`), value)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqldb: getting user by %s: %w", column, err)
	}
	return u, nil
}

// SetExternalID links an external identity to an existing account.
func (db *DB) SetExternalID(ctx context.Context, userID, externalID string) error {
	res, err := db.conn.ExecContext(ctx, db.q(
		`UPDATE users SET external_id = ? WHERE id = ?`), externalID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("external identity", externalID)
		}
		return fmt.Errorf("sqldb: linking external id for user %s: %w", userID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqldb: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user", userID)
	}
	return nil
}

// ListUsers returns every user ordered by creation. Used once at startup to
// provision missing stores.
func (db *DB) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqldb: listing users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqldb: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqldb: iterating user rows: %w", err)
	}
	return users, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var (
		u            model.User
		passwordHash sql.NullString
		externalID   sql.NullString
	)
	if err := s.Scan(&u.ID, &u.DisplayName, &u.Email, &passwordHash, &externalID, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.PasswordHash = stringPtr(passwordHash)
	u.ExternalID = stringPtr(externalID)
	return &u, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
