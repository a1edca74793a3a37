// Package service holds the business rules of chatdesk. Handlers call it
// with plain values and get back domain results or apperror values; it
// never sees HTTP and never writes SQL.
//
//	handler (HTTP) -> service (rules) -> repository (storage)
//	                                  -> completion (model API)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/auth"
	"github.com/sakif/chatdesk/internal/metrics"
	"github.com/sakif/chatdesk/internal/model"
	"github.com/sakif/chatdesk/internal/repository"
)

const (
	MaxDisplayNameLength = 200
	MaxEmailLength       = 200
)

// reservedNames would be shadowed by fixed routes if used as /{username}.
var reservedNames = map[string]bool{
	"login":          true,
	"logout":         true,
	"navigate_pages": true,
	"auth":           true,
	"healthz":        true,
	"metrics":        true,
	"favicon.ico":    true,
}

// Outcome tells the caller which branch a signup or login took.
type Outcome string

const (
	// OutcomeCreated: a new account exists and a session was issued.
	OutcomeCreated Outcome = "created"
	// OutcomeExists: the email is already registered; nothing changed.
	OutcomeExists Outcome = "exists"
	// OutcomeLoggedIn: credentials checked out and a session was issued.
	OutcomeLoggedIn Outcome = "logged_in"
)

// AuthResult bundles everything a handler needs to answer. Token is empty
// for OutcomeExists.
type AuthResult struct {
	Outcome     Outcome
	User        *model.User
	Token       string
	RedirectURL string
}

type SignupInput struct {
	Name     string
	Email    string
	Password string
}

// CodeExchanger trades an OAuth authorization code for an ID token.
// *auth.GoogleProvider implements it.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (string, error)
}

// AuthService implements signup and login for both credential kinds.
//
// verifier and exchanger are nil when external identity is not configured;
// the external paths then fail with apperror.ErrUnauthorized.
type AuthService struct {
	users       repository.UserRepository
	provisioner *Provisioner
	tokens      *auth.TokenService
	passwords   *auth.PasswordService
	verifier    auth.IdentityVerifier
	exchanger   CodeExchanger
	logger      *slog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	provisioner *Provisioner,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	verifier auth.IdentityVerifier,
	exchanger CodeExchanger,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:       users,
		provisioner: provisioner,
		tokens:      tokens,
		passwords:   passwords,
		verifier:    verifier,
		exchanger:   exchanger,
		logger:      logger,
	}
}

// ExternalEnabled reports whether ID-token sign-in is configured.
func (s *AuthService) ExternalEnabled() bool {
	return s.verifier != nil
}

// ChatURL is the path of a user's chat page.
func ChatURL(displayName string) string {
	return "/" + url.PathEscape(displayName)
}

// =========================================================================
// PASSWORD PATH
// =========================================================================

// Signup registers a password account.
//
// An email that is already registered is not an error: the result has
// OutcomeExists and points at /login. A taken display name is a validation
// failure because it is the key of the chat URL.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (*AuthResult, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if in.Password == "" {
		return nil, apperror.ValidationFailed("password", "password is required")
	}
	if len(in.Password) > auth.MaxPasswordBytes {
		return nil, apperror.ValidationFailed("password", fmt.Sprintf("password must be %d bytes or fewer", auth.MaxPasswordBytes))
	}

	if existing, err := s.findByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		metrics.AuthEventsTotal.WithLabelValues("password", "signup", "exists").Inc()
		return existsResult(existing), nil
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user := &model.User{DisplayName: name, Email: email, PasswordHash: &hash}
	res, err := s.register(ctx, user)
	if err != nil {
		return nil, err
	}
	metrics.AuthEventsTotal.WithLabelValues("password", "signup", string(res.Outcome)).Inc()
	return res, nil
}

// Login checks an email and password. Unknown email, accounts without a
// password and wrong passwords all give the same AuthFailure.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.HasPassword() || password == "" {
		return nil, s.loginFailed("password", email, "unknown account or no password")
	}

	if err := s.passwords.Verify(*user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, s.loginFailed("password", email, "password mismatch")
		}
		return nil, fmt.Errorf("service/auth: verifying password for %s: %w", user.ID, err)
	}

	metrics.AuthEventsTotal.WithLabelValues("password", "login", "success").Inc()
	return s.session(user, OutcomeLoggedIn)
}

// =========================================================================
// EXTERNAL IDENTITY PATH
// =========================================================================

// SignupExternal registers an account from a verified ID token.
func (s *AuthService) SignupExternal(ctx context.Context, credential string) (*AuthResult, error) {
	id, err := s.verify(ctx, credential)
	if err != nil {
		return nil, err
	}

	email, err := normalizeEmail(id.Email)
	if err != nil {
		return nil, err
	}
	if existing, err := s.findByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		metrics.AuthEventsTotal.WithLabelValues("external", "signup", "exists").Inc()
		return existsResult(existing), nil
	}

	res, err := s.registerExternal(ctx, id, email)
	if err != nil {
		return nil, err
	}
	metrics.AuthEventsTotal.WithLabelValues("external", "signup", string(res.Outcome)).Inc()
	return res, nil
}

// LoginExternal logs in the account whose email the ID token asserts.
//
// If the account has no external id yet and the provider vouches for the
// email, the token's subject is linked to it. An account already linked to
// a different subject is refused.
func (s *AuthService) LoginExternal(ctx context.Context, credential string) (*AuthResult, error) {
	id, err := s.verify(ctx, credential)
	if err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(id.Email))
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, s.loginFailed("external", email, "unknown account")
	}
	return s.loginLinked(ctx, user, id)
}

// CompleteOAuth finishes the authorization-code flow: the code is traded
// for an ID token, which then logs in the matching account or registers a
// new one.
func (s *AuthService) CompleteOAuth(ctx context.Context, code string) (*AuthResult, error) {
	if s.exchanger == nil || s.verifier == nil {
		return nil, apperror.Unauthorized("external sign-in is not enabled")
	}
	if strings.TrimSpace(code) == "" {
		return nil, apperror.ValidationFailed("code", "authorization code is required")
	}

	idToken, err := s.exchanger.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("oauth code exchange failed", slog.String("error", err.Error()))
		metrics.AuthEventsTotal.WithLabelValues("oauth", "login", "failure").Inc()
		return nil, apperror.Unauthorized("sign-in with Google failed")
	}

	id, err := s.verify(ctx, idToken)
	if err != nil {
		return nil, err
	}

	email, err := normalizeEmail(id.Email)
	if err != nil {
		return nil, err
	}
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return s.loginLinked(ctx, user, id)
	}

	res, err := s.registerExternal(ctx, id, email)
	if err != nil {
		return nil, err
	}
	metrics.AuthEventsTotal.WithLabelValues("oauth", "signup", string(res.Outcome)).Inc()
	return res, nil
}

// =========================================================================
// HELPERS
// =========================================================================

func (s *AuthService) verify(ctx context.Context, credential string) (*auth.Identity, error) {
	if s.verifier == nil {
		return nil, apperror.Unauthorized("external sign-in is not enabled")
	}
	id, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		s.logger.Warn("identity token rejected", slog.String("error", err.Error()))
		metrics.AuthEventsTotal.WithLabelValues("external", "login", "failure").Inc()
		return nil, apperror.Unauthorized("invalid identity token")
	}
	return id, nil
}

func (s *AuthService) loginLinked(ctx context.Context, user *model.User, id *auth.Identity) (*AuthResult, error) {
	switch {
	case user.ExternalID != nil && *user.ExternalID != id.Subject:
		return nil, s.loginFailed("external", user.Email, "subject does not match linked identity")

	case user.ExternalID == nil:
		if !id.EmailVerified {
			return nil, s.loginFailed("external", user.Email, "unverified email cannot be linked")
		}
		if err := s.users.SetExternalID(ctx, user.ID, id.Subject); err != nil {
			return nil, fmt.Errorf("service/auth: linking identity for %s: %w", user.ID, err)
		}
		sub := id.Subject
		user.ExternalID = &sub
		s.logger.Info("external identity linked", slog.String("userID", user.ID))
	}

	metrics.AuthEventsTotal.WithLabelValues("external", "login", "success").Inc()
	return s.session(user, OutcomeLoggedIn)
}

func (s *AuthService) registerExternal(ctx context.Context, id *auth.Identity, email string) (*AuthResult, error) {
	name, err := normalizeName(id.GivenName)
	if err != nil {
		return nil, err
	}
	sub := id.Subject
	return s.register(ctx, &model.User{DisplayName: name, Email: email, ExternalID: &sub})
}

// register creates user with their store and issues a session.
func (s *AuthService) register(ctx context.Context, user *model.User) (*AuthResult, error) {
	if taken, err := s.nameTaken(ctx, user.DisplayName); err != nil {
		return nil, err
	} else if taken {
		return nil, apperror.ValidationFailed("name", "display name is already taken")
	}

	available, err := s.provisioner.Available(ctx, user.Email)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, storeTakenError()
	}

	if _, err := s.provisioner.Register(ctx, user); err != nil {
		switch {
		case errors.Is(err, apperror.ErrValidation):
			return nil, err
		case errors.Is(err, apperror.ErrConflict):
			// lost a race with a concurrent signup; report what collided
			if existing, ferr := s.findByEmail(ctx, user.Email); ferr == nil && existing != nil {
				return existsResult(existing), nil
			}
			return nil, apperror.ValidationFailed("name", "display name is already taken")
		}
		return nil, fmt.Errorf("service/auth: creating user %s: %w", user.Email, err)
	}

	s.logger.Info("user registered",
		slog.String("userID", user.ID),
		slog.String("name", user.DisplayName),
		slog.Bool("external", user.ExternalID != nil),
	)
	return s.session(user, OutcomeCreated)
}

func (s *AuthService) session(user *model.User, outcome Outcome) (*AuthResult, error) {
	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for %s: %w", user.ID, err)
	}
	return &AuthResult{
		Outcome:     outcome,
		User:        user,
		Token:       token,
		RedirectURL: ChatURL(user.DisplayName),
	}, nil
}

func (s *AuthService) loginFailed(method, email, reason string) error {
	s.logger.Info("login failed",
		slog.String("method", method),
		slog.String("email", email),
		slog.String("reason", reason),
	)
	metrics.AuthEventsTotal.WithLabelValues(method, "login", "failure").Inc()
	return apperror.Unauthorized("invalid credentials")
}

// findByEmail returns (nil, nil) when no user has that email.
func (s *AuthService) findByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("service/auth: looking up %s: %w", email, err)
	}
	return u, nil
}

func (s *AuthService) nameTaken(ctx context.Context, name string) (bool, error) {
	_, err := s.users.GetUserByDisplayName(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperror.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("service/auth: checking display name: %w", err)
}

func existsResult(u *model.User) *AuthResult {
	return &AuthResult{Outcome: OutcomeExists, User: u, RedirectURL: "/login"}
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", apperror.ValidationFailed("name", "name is required")
	case utf8.RuneCountInString(name) > MaxDisplayNameLength:
		return "", apperror.ValidationFailed("name", fmt.Sprintf("name must be %d characters or fewer", MaxDisplayNameLength))
	case strings.ContainsAny(name, "/?#"):
		return "", apperror.ValidationFailed("name", "name must not contain '/', '?' or '#'")
	case name == "." || name == "..":
		// clients resolve these path segments away, so /{name} is unreachable
		return "", apperror.ValidationFailed("name", fmt.Sprintf("%q is not a usable name", name))
	case reservedNames[strings.ToLower(name)]:
		return "", apperror.ValidationFailed("name", fmt.Sprintf("%q is a reserved name", name))
	}
	return name, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", apperror.ValidationFailed("email", "email is required")
	}
	if len(email) > MaxEmailLength {
		return "", apperror.ValidationFailed("email", fmt.Sprintf("email must be %d characters or fewer", MaxEmailLength))
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperror.ValidationFailed("email", "email is invalid")
	}
	return email, nil
}
