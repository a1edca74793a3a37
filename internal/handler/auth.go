package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/auth"
	"github.com/sakif/chatdesk/internal/service"
)

const (
	oauthStateCookie = "oauth_state"
	googleLoginPath  = "/auth/google/login"
)

// AuthURLer starts the OAuth authorization-code flow.
// *auth.GoogleProvider implements it.
type AuthURLer interface {
	AuthURL(state string) string
}

// AuthHandler serves signup, login, logout and the Google redirect flow.
//
// Each POST endpoint speaks two dialects. Browser forms get 303 redirects
// (errors travel as ?error= parameters); JSON clients get a
// RedirectResponse and a real status code.
type AuthHandler struct {
	svc        *service.AuthService
	oauth      AuthURLer // nil when Google sign-in is off
	sessionTTL time.Duration
	secure     bool
	logger     *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, oauth AuthURLer, sessionTTL time.Duration, secureCookies bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:        svc,
		oauth:      oauth,
		sessionTTL: sessionTTL,
		secure:     secureCookies,
		logger:     logger,
	}
}

// signupRequest covers the JSON signup body. The bare email/given_name/sub
// fields are what older clients send; without a credential to verify they
// are refused.
type signupRequest struct {
	Credential string `json:"credential"`
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	Sub        string `json:"sub"`
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"ud"`
	Credential string `json:"credential"`
}

type pageResponse struct {
	Page           string   `json:"page"`
	Action         string   `json:"action"`
	Fields         []string `json:"fields"`
	Error          string   `json:"error,omitempty"`
	Field          string   `json:"field,omitempty"`
	GoogleEnabled  bool     `json:"google_enabled"`
	GoogleLoginURL string   `json:"google_login_url,omitempty"`
}

func (h *AuthHandler) page(r *http.Request, name, action string, fields ...string) pageResponse {
	p := pageResponse{
		Page:          name,
		Action:        action,
		Fields:        fields,
		Error:         r.URL.Query().Get("error"),
		Field:         r.URL.Query().Get("field"),
		GoogleEnabled: h.svc.ExternalEnabled(),
	}
	if h.oauth != nil {
		p.GoogleLoginURL = googleLoginPath
	}
	return p
}

// HandleSignupPage describes the signup form.
//
// HTTP: GET /
func (h *AuthHandler) HandleSignupPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.page(r, "signup", "/", "name", "email", "password"))
}

// HandleLoginPage describes the login form and echoes ?error=.
//
// HTTP: GET /login
func (h *AuthHandler) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.page(r, "login", "/login", "email", "password"))
}

// HandleSignup registers an account.
//
// HTTP: POST /
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		h.signupJSON(w, r)
		return
	}

	if err := parseForm(w, r); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.svc.Signup(r.Context(), service.SignupInput{
		Name:     r.PostForm.Get("name"),
		Email:    r.PostForm.Get("email"),
		Password: r.PostForm.Get("password"),
	})
	if err != nil {
		if errors.Is(err, apperror.ErrValidation) {
			http.Redirect(w, r, formErrorURL("/", err), http.StatusSeeOther)
			return
		}
		writeError(w, h.logger, err)
		return
	}

	switch res.Outcome {
	case service.OutcomeExists:
		http.Redirect(w, r, "/login?error=account_exists", http.StatusSeeOther)
	default:
		auth.SetSessionCookie(w, res.Token, h.sessionTTL, h.secure)
		http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
	}
}

func (h *AuthHandler) signupJSON(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeRedirectError(w, "/", err)
		return
	}
	if req.Credential == "" {
		h.logger.Warn("signup without credential refused", slog.String("email", req.Email))
		h.writeRedirectError(w, "/", apperror.Unauthorized("an identity credential is required"))
		return
	}

	res, err := h.svc.SignupExternal(r.Context(), req.Credential)
	if err != nil {
		h.writeRedirectError(w, "/", err)
		return
	}
	if res.Token != "" {
		auth.SetSessionCookie(w, res.Token, h.sessionTTL, h.secure)
	}
	writeJSON(w, http.StatusOK, RedirectResponse{Success: true, RedirectURL: res.RedirectURL})
}

// HandleLogin checks credentials and issues a session.
//
// HTTP: POST /login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		h.loginJSON(w, r)
		return
	}

	if err := parseForm(w, r); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.svc.Login(r.Context(), r.PostForm.Get("email"), r.PostForm.Get("password"))
	if err != nil {
		if errors.Is(err, apperror.ErrUnauthorized) {
			http.Redirect(w, r, "/login?error=invalid_credentials", http.StatusSeeOther)
			return
		}
		writeError(w, h.logger, err)
		return
	}

	auth.SetSessionCookie(w, res.Token, h.sessionTTL, h.secure)
	http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
}

func (h *AuthHandler) loginJSON(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeRedirectError(w, "/login", err)
		return
	}

	var (
		res *service.AuthResult
		err error
	)
	if req.Credential != "" {
		res, err = h.svc.LoginExternal(r.Context(), req.Credential)
	} else {
		res, err = h.svc.Login(r.Context(), req.Email, req.Password)
	}
	if err != nil {
		h.writeRedirectError(w, "/login", err)
		return
	}

	auth.SetSessionCookie(w, res.Token, h.sessionTTL, h.secure)
	writeJSON(w, http.StatusOK, RedirectResponse{Success: true, RedirectURL: res.RedirectURL})
}

// HandleLogout drops the session cookie.
//
// HTTP: POST /logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleGoogleLogin redirects to Google's consent page. A random state is
// kept in a short-lived cookie and checked on the way back.
//
// HTTP: GET /auth/google/login
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		writeError(w, h.logger, apperror.NotFound("sign-in provider", "google"))
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.oauth.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGoogleCallback finishes the Google flow and lands the user on
// their chat page.
//
// HTTP: GET /auth/google/callback?code=...&state=...
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || q.Get("state") != stateCookie.Value {
		h.logger.Warn("oauth callback: state mismatch")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// single use
	http.SetCookie(w, &http.Cookie{
		Name:   oauthStateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Info("oauth callback: authorization denied", slog.String("error", errParam))
		http.Redirect(w, r, "/login?error=access_denied", http.StatusSeeOther)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	res, err := h.svc.CompleteOAuth(r.Context(), code)
	if err != nil {
		switch {
		case errors.Is(err, apperror.ErrUnauthorized):
			http.Redirect(w, r, "/login?error=invalid_credentials", http.StatusSeeOther)
		case errors.Is(err, apperror.ErrValidation):
			http.Redirect(w, r, formErrorURL("/login", err), http.StatusSeeOther)
		default:
			writeError(w, h.logger, err)
		}
		return
	}

	auth.SetSessionCookie(w, res.Token, h.sessionTTL, h.secure)
	http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
}

// writeRedirectError answers a JSON auth request that failed.
func (h *AuthHandler) writeRedirectError(w http.ResponseWriter, redirect string, err error) {
	status, code := errorStatus(err)
	msg := "An internal error occurred"
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	} else {
		h.logger.Error("internal error", slog.String("error", err.Error()))
	}
	writeJSON(w, status, RedirectResponse{
		Success:     false,
		RedirectURL: redirect,
		Error:       code,
		Message:     msg,
	})
}

// formErrorURL appends the error code and offending field to path.
func formErrorURL(path string, err error) string {
	_, code := errorStatus(err)
	v := url.Values{"error": {code}}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Field != "" {
		v.Set("field", appErr.Field)
	}
	return path + "?" + v.Encode()
}
