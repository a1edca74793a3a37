package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/metrics"
	"github.com/sakif/chatdesk/internal/model"
	"github.com/sakif/chatdesk/internal/repository"
)

// Provisioner guarantees that every user has a conversation store before
// any record is written for them.
type Provisioner struct {
	users  repository.UserRepository
	stores repository.StoreRepository
	logger *slog.Logger
}

func NewProvisioner(users repository.UserRepository, stores repository.StoreRepository, logger *slog.Logger) *Provisioner {
	return &Provisioner{users: users, stores: stores, logger: logger}
}

// Provision ensures the store derived from email exists. Calling it any
// number of times yields the same single store. It is the entry point for
// callers that hold only an address; the service paths below already have
// the user loaded and use ProvisionUser.
func (p *Provisioner) Provision(ctx context.Context, email string) (*model.ConversationStore, error) {
	user, err := p.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("service/provision: resolving %s: %w", email, err)
	}
	return p.ProvisionUser(ctx, user)
}

// ProvisionUser is Provision for a user already in hand.
func (p *Provisioner) ProvisionUser(ctx context.Context, user *model.User) (*model.ConversationStore, error) {
	store, _, err := p.ensure(ctx, user)
	return store, err
}

// Register creates user together with their store in one step, so a
// failed signup never leaves a user without a store. A store name taken
// by a concurrent signup is a validation failure on email.
func (p *Provisioner) Register(ctx context.Context, user *model.User) (*model.ConversationStore, error) {
	store := &model.ConversationStore{Name: model.StoreName(user.Email)}
	if err := p.users.CreateUserWithStore(ctx, user, store); err != nil {
		if errors.Is(err, repository.ErrStoreNameTaken) {
			return nil, storeTakenError()
		}
		return nil, err
	}
	p.provisioned(store)
	return store, nil
}

// Available reports whether the store name derived from a not yet
// registered email is free. Different emails can map to the same name
// ("a.b@x.com" and "a_b@x.com"), and the second one must be refused.
func (p *Provisioner) Available(ctx context.Context, email string) (bool, error) {
	_, err := p.stores.GetStore(ctx, model.StoreName(email))
	if err == nil {
		return false, nil
	}
	if errors.Is(err, apperror.ErrNotFound) {
		return true, nil
	}
	return false, fmt.Errorf("service/provision: checking store for %s: %w", email, err)
}

// ProvisionAll runs at startup and creates any store that is missing, for
// example for users created before provisioning existed. A user whose
// store name belongs to someone else is logged and skipped so one bad row
// cannot keep the server from starting; any other failure stops the sweep.
func (p *Provisioner) ProvisionAll(ctx context.Context) (int, error) {
	users, err := p.users.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("service/provision: listing users: %w", err)
	}

	created, skipped := 0, 0
	for i := range users {
		u := &users[i]
		_, ok, err := p.ensure(ctx, u)
		switch {
		case errors.Is(err, apperror.ErrConflict):
			skipped++
			metrics.StoreConflictsTotal.Inc()
			p.logger.Warn("conversation store name owned by another user",
				slog.String("userID", u.ID),
				slog.String("email", u.Email),
				slog.String("store", model.StoreName(u.Email)),
			)
		case err != nil:
			return created, err
		case ok:
			created++
		}
	}

	p.logger.Info("conversation stores checked",
		slog.Int("users", len(users)),
		slog.Int("created", created),
		slog.Int("skipped", skipped),
	)
	return created, nil
}

func (p *Provisioner) ensure(ctx context.Context, user *model.User) (*model.ConversationStore, bool, error) {
	store := &model.ConversationStore{
		Name:   model.StoreName(user.Email),
		UserID: user.ID,
	}

	created, err := p.stores.EnsureStore(ctx, store)
	if err != nil {
		return nil, false, fmt.Errorf("service/provision: ensuring store %s: %w", store.Name, err)
	}
	if created {
		p.provisioned(store)
	}
	return store, created, nil
}

func (p *Provisioner) provisioned(store *model.ConversationStore) {
	metrics.StoresProvisionedTotal.Inc()
	p.logger.Info("conversation store provisioned",
		slog.String("store", store.Name),
		slog.String("userID", store.UserID),
	)
}

func storeTakenError() error {
	return apperror.ValidationFailed("email", "this email maps to a conversation store that belongs to another account")
}
