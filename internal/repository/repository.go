// Package repository declares the storage ports used by the service layer.
// internal/repository/sqldb implements all of them on top of database/sql.
package repository

import (
	"context"
	"errors"

	"github.com/sakif/chatdesk/internal/model"
)

// ErrStoreNameTaken is the cause carried by the conflict that
// CreateUserWithStore returns when another user owns the store name.
var ErrStoreNameTaken = errors.New("conversation store name is taken")

// Page size limits for ListRecords.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize clamps Limit into [1, MaxPageSize] (0 means DefaultPageSize)
// and negative offsets to 0.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultPageSize
	}
	if o.Limit > MaxPageSize {
		o.Limit = MaxPageSize
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// UserRepository is the credential store.
//
// Lookups return an apperror.ErrNotFound error when nothing matches.
// CreateUser returns apperror.ErrConflict when the email, display name or
// external id is already taken.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	// CreateUserWithStore creates user and store atomically: either both
	// rows exist afterwards or neither does.
	CreateUserWithStore(ctx context.Context, user *model.User, store *model.ConversationStore) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByDisplayName(ctx context.Context, name string) (*model.User, error)
	SetExternalID(ctx context.Context, userID, externalID string) error
	ListUsers(ctx context.Context) ([]model.User, error)
}

// StoreRepository tracks the per-user conversation stores.
type StoreRepository interface {
	// EnsureStore inserts the store unless one with the same name exists.
	// created reports whether this call inserted it.
	EnsureStore(ctx context.Context, store *model.ConversationStore) (created bool, err error)
	GetStore(ctx context.Context, name string) (*model.ConversationStore, error)
}

// ConversationRepository holds the append-only conversation records.
type ConversationRepository interface {
	AppendRecord(ctx context.Context, rec *model.ConversationRecord) error
	// LatestRecord returns ErrNotFound when the user has no records yet.
	LatestRecord(ctx context.Context, userID string) (*model.ConversationRecord, error)
	// ListRecords returns records oldest first.
	ListRecords(ctx context.Context, userID string, opts ListOptions) ([]model.ConversationRecord, error)
	CountRecords(ctx context.Context, userID string) (int, error)
}
