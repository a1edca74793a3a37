package handler_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sakif/chatdesk/internal/auth"
	"github.com/sakif/chatdesk/internal/completion"
	"github.com/sakif/chatdesk/internal/handler"
	"github.com/sakif/chatdesk/internal/repository/sqldb"
	"github.com/sakif/chatdesk/internal/service"
)

// =========================================================================
// FAKES
// =========================================================================

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(_ context.Context, _ completion.Request) (*completion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &completion.Result{Content: f.reply, Attempts: 1}, nil
}

type fakeVerifier map[string]*auth.Identity

func (f fakeVerifier) Verify(_ context.Context, credential string) (*auth.Identity, error) {
	id, ok := f[credential]
	if !ok {
		return nil, auth.ErrInvalidIdentity
	}
	cp := *id
	return &cp, nil
}

type fakeExchanger map[string]string

func (f fakeExchanger) Exchange(_ context.Context, code string) (string, error) {
	tok, ok := f[code]
	if !ok {
		return "", errors.New("invalid_grant")
	}
	return tok, nil
}

// =========================================================================
// TEST ENVIRONMENT
// =========================================================================

// testEnv wires the real services to an in-memory SQLite database, with
// only the model API and Google replaced by fakes.
type testEnv struct {
	router    http.Handler
	db        *sqldb.DB
	tokens    *auth.TokenService
	completer *fakeCompleter
	verifier  fakeVerifier
	exchanger fakeExchanger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := sqldb.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars!!")
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		tokens:    tokens,
		completer: &fakeCompleter{reply: `{"indicators":["RSI"]}`},
		verifier:  fakeVerifier{},
		exchanger: fakeExchanger{},
	}

	prov := service.NewProvisioner(db, db, logger)
	authSvc := service.NewAuthService(db, prov, tokens, auth.NewPasswordServiceForTest(4), env.verifier, env.exchanger, logger)
	convSvc := service.NewConversationService(db, db, prov, env.completer, service.DefaultConversationConfig(), logger)

	google := auth.NewGoogleProvider("client-id", "client-secret", "http://localhost/auth/google/callback")
	ah := handler.NewAuthHandler(authSvc, google, tokens.TTL(), false, logger)
	ch := handler.NewChatHandler(convSvc, logger)

	r := chi.NewRouter()
	r.Get("/", ah.HandleSignupPage)
	r.Post("/", ah.HandleSignup)
	r.Get("/login", ah.HandleLoginPage)
	r.Post("/login", ah.HandleLogin)
	r.Post("/logout", ah.HandleLogout)
	r.Get("/auth/google/login", ah.HandleGoogleLogin)
	r.Get("/auth/google/callback", ah.HandleGoogleCallback)
	r.Post("/navigate_pages", ch.HandleNavigate)
	r.Get("/healthz", handler.HandleHealth(db, logger))
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Get("/{username}", ch.HandleChatPage)
		r.Post("/{username}", ch.HandleChat)
	})

	env.router = r
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// sessionCookie returns the session cookie set by rr, failing if absent.
func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == auth.SessionCookie && c.Value != "" {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", auth.SessionCookie)
	return nil
}

// signup registers a password user through the form and returns the
// session cookie.
func (e *testEnv) signup(t *testing.T, name, email, password string) *http.Cookie {
	t.Helper()
	rr := e.do(formRequest(http.MethodPost, "/", url.Values{
		"name": {name}, "email": {email}, "password": {password},
	}))
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	return sessionCookie(t, rr)
}
