package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/auth"
	"github.com/sakif/chatdesk/internal/completion"
	"github.com/sakif/chatdesk/internal/model"
	"github.com/sakif/chatdesk/internal/repository"
)

// =========================================================================
// fakeDB: one in-memory implementation of all three repositories, with the
// same uniqueness and foreign-key rules as the SQL schema.
// =========================================================================

type fakeDB struct {
	mu      sync.Mutex
	nextID  int
	users   map[string]*model.User // by id
	stores  map[string]*model.ConversationStore
	records []model.ConversationRecord

	// set to simulate failures
	createUserErr   error
	appendRecordErr error
	listUsersErr    error

	// runs once at the start of the next CreateUserWithStore, to stage a
	// signup that commits between a caller's checks and its insert
	beforeCreate func()
}

var (
	_ repository.UserRepository         = (*fakeDB)(nil)
	_ repository.StoreRepository        = (*fakeDB)(nil)
	_ repository.ConversationRepository = (*fakeDB)(nil)
)

func newFakeDB() *fakeDB {
	return &fakeDB{
		users:  make(map[string]*model.User),
		stores: make(map[string]*model.ConversationStore),
	}
}

func (f *fakeDB) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%03d", prefix, f.nextID)
}

func (f *fakeDB) CreateUser(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertUserLocked(u)
}

func (f *fakeDB) CreateUserWithStore(_ context.Context, u *model.User, s *model.ConversationStore) error {
	if hook := f.beforeCreate; hook != nil {
		f.beforeCreate = nil
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stores[s.Name]; ok {
		return &apperror.AppError{
			Err:     apperror.ErrConflict,
			Message: fmt.Sprintf("conversation store %q already exists", s.Name),
			Cause:   repository.ErrStoreNameTaken,
		}
	}
	if err := f.insertUserLocked(u); err != nil {
		return err
	}
	s.UserID = u.ID
	s.CreatedAt = u.CreatedAt
	cp := *s
	f.stores[s.Name] = &cp
	return nil
}

func (f *fakeDB) insertUserLocked(u *model.User) error {
	if f.createUserErr != nil {
		return f.createUserErr
	}
	for _, existing := range f.users {
		if existing.Email == u.Email || existing.DisplayName == u.DisplayName {
			return apperror.Conflict("user", u.Email)
		}
		if u.ExternalID != nil && existing.ExternalID != nil && *u.ExternalID == *existing.ExternalID {
			return apperror.Conflict("user", u.Email)
		}
	}
	u.ID = f.id("user")
	u.CreatedAt = time.Now()
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeDB) find(match func(*model.User) bool, key string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperror.NotFound("user", key)
}

func (f *fakeDB) GetUserByID(_ context.Context, id string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.ID == id }, id)
}

func (f *fakeDB) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Email == email }, email)
}

func (f *fakeDB) GetUserByDisplayName(_ context.Context, name string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.DisplayName == name }, name)
}

func (f *fakeDB) SetExternalID(_ context.Context, userID, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return apperror.NotFound("user", userID)
	}
	u.ExternalID = &externalID
	return nil
}

func (f *fakeDB) ListUsers(_ context.Context) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listUsersErr != nil {
		return nil, f.listUsersErr
	}
	out := make([]model.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDB) EnsureStore(_ context.Context, s *model.ConversationStore) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[s.UserID]; !ok {
		return false, apperror.NotFound("user", s.UserID)
	}
	if existing, ok := f.stores[s.Name]; ok {
		if existing.UserID != s.UserID {
			return false, apperror.Conflict("conversation store", s.Name)
		}
		*s = *existing
		return false, nil
	}
	s.CreatedAt = time.Now()
	cp := *s
	f.stores[s.Name] = &cp
	return true, nil
}

func (f *fakeDB) GetStore(_ context.Context, name string) (*model.ConversationStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[name]
	if !ok {
		return nil, apperror.NotFound("conversation store", name)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDB) AppendRecord(_ context.Context, rec *model.ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendRecordErr != nil {
		return f.appendRecordErr
	}
	if _, ok := f.stores[rec.StoreName]; !ok {
		return apperror.NotFound("conversation store", rec.StoreName)
	}
	rec.ID = f.id("rec")
	cp := *rec
	cp.History = rec.History.Clone()
	f.records = append(f.records, cp)
	return nil
}

func (f *fakeDB) userRecords(userID string) []model.ConversationRecord {
	var out []model.ConversationRecord
	for _, r := range f.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeDB) LatestRecord(_ context.Context, userID string) (*model.ConversationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.userRecords(userID)
	if len(recs) == 0 {
		return nil, apperror.NotFound("conversation record for user", userID)
	}
	last := recs[len(recs)-1]
	return &last, nil
}

func (f *fakeDB) ListRecords(_ context.Context, userID string, opts repository.ListOptions) ([]model.ConversationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts = opts.Normalize()
	recs := f.userRecords(userID)
	if opts.Offset >= len(recs) {
		return []model.ConversationRecord{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(recs) {
		end = len(recs)
	}
	return recs[opts.Offset:end], nil
}

func (f *fakeDB) CountRecords(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.userRecords(userID)), nil
}

func (f *fakeDB) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// =========================================================================
// fakeVerifier / fakeExchanger / fakeCompleter
// =========================================================================

// fakeVerifier accepts credentials present in its map.
type fakeVerifier struct {
	identities map[string]*auth.Identity
}

func (f *fakeVerifier) Verify(_ context.Context, credential string) (*auth.Identity, error) {
	id, ok := f.identities[credential]
	if !ok {
		return nil, auth.ErrInvalidIdentity
	}
	cp := *id
	return &cp, nil
}

type fakeExchanger struct {
	idTokens map[string]string // code -> id token
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) (string, error) {
	tok, ok := f.idTokens[code]
	if !ok {
		return "", fmt.Errorf("invalid_grant")
	}
	return tok, nil
}

// fakeCompleter replies with reply (or fails with err) and records requests.
type fakeCompleter struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []completion.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req completion.Request) (*completion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &completion.Result{Content: f.reply, Attempts: 1}, nil
}

func (f *fakeCompleter) last() completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// =========================================================================
// CONSTRUCTORS
// =========================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

type authFixture struct {
	db       *fakeDB
	tokens   *auth.TokenService
	verifier *fakeVerifier
	svc      *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db := newFakeDB()
	tokens := newTestTokens(t)
	verifier := &fakeVerifier{identities: map[string]*auth.Identity{}}
	exchanger := &fakeExchanger{idTokens: map[string]string{}}
	logger := newTestLogger()

	prov := NewProvisioner(db, db, logger)
	svc := NewAuthService(db, prov, tokens, auth.NewPasswordServiceForTest(4), verifier, exchanger, logger)
	return &authFixture{db: db, tokens: tokens, verifier: verifier, svc: svc}
}
