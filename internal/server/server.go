// Package server is the composition root: it opens the database, builds
// every service and handler, and mounts them on a chi router.
//
// DEPENDENCY INJECTION FLOW:
// main.go loads config.Config and hands it to New, which builds the rest:
//
//	config -> sqldb.DB -> Provisioner -> AuthService / ConversationService
//	                                  -> AuthHandler / ChatHandler -> routes
//
// Each layer receives only what it needs: services get repository
// interfaces, handlers get services.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/chatdesk/internal/auth"
	"github.com/sakif/chatdesk/internal/completion/openai"
	"github.com/sakif/chatdesk/internal/config"
	"github.com/sakif/chatdesk/internal/handler"
	"github.com/sakif/chatdesk/internal/middleware"
	"github.com/sakif/chatdesk/internal/repository/sqldb"
	"github.com/sakif/chatdesk/internal/service"
)

// Server owns the router and the database connection, which is closed on
// shutdown.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger
	db     *sqldb.DB
}

// New wires the application. It migrates the database and provisions any
// missing conversation store before returning.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := sqldb.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// setupRoutes builds the services and configures all routes.
//
// GET    /                      signup page (JSON)
// POST   /                      signup, form or JSON
// GET    /login                 login page (JSON)
// POST   /login                 login, form or JSON
// POST   /logout                clear session
// GET    /auth/google/login     start Google sign-in    [if configured]
// GET    /auth/google/callback  finish Google sign-in   [if configured]
// POST   /navigate_pages        jump to a user's page
// GET    /healthz               database ping
// GET    /metrics               Prometheus
// GET    /{username}            chat page               [auth]
// POST   /{username}            chat turn               [auth]
//
// MIDDLEWARE ORDER MATTERS:
// chi runs middleware in the order it is added, outermost first:
//  1. RequestID assigns the id the logger prints
//  2. RealIP rewrites RemoteAddr before the rate limiter keys on it
//  3. Logger wraps everything below, so it also sees 500s from panics
//  4. Recoverer turns a panic into a 500 instead of killing the process
//
// The rate limiter and RequireAuth are group middleware: /healthz and
// /metrics are never throttled, and only /{username} needs a session.
func (s *Server) setupRoutes(ctx context.Context) error {
	cfg := s.config

	tokens, err := auth.NewTokenService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	provisioner := service.NewProvisioner(s.db, s.db, s.logger)
	if _, err := provisioner.ProvisionAll(ctx); err != nil {
		return fmt.Errorf("provisioning conversation stores: %w", err)
	}

	// Interface values stay nil unless Google is configured; a typed nil
	// pointer would make ExternalEnabled report true.
	var (
		verifier  auth.IdentityVerifier
		exchanger service.CodeExchanger
		oauth     handler.AuthURLer
	)
	if cfg.GoogleEnabled() {
		gv, err := auth.NewGoogleVerifier(ctx, cfg.GoogleClientID, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			return err
		}
		gp := auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleCallbackURL)
		verifier, exchanger, oauth = gv, gp, gp
	} else {
		s.logger.Info("GOOGLE_CLIENT_ID not set, Google sign-in disabled")
	}

	completer, err := openai.New(openai.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Timeout:    cfg.CompletionTimeout,
		MaxRetries: cfg.CompletionMaxRetries,
	}, s.logger)
	if err != nil {
		return err
	}

	convCfg := service.DefaultConversationConfig()
	convCfg.Model = cfg.Model
	convCfg.TrustClientHistory = cfg.TrustClientHistory
	convCfg.MaxContextMessages = cfg.MaxContextMessages

	authSvc := service.NewAuthService(s.db, provisioner, tokens, auth.NewPasswordService(), verifier, exchanger, s.logger)
	convSvc := service.NewConversationService(s.db, s.db, provisioner, completer, convCfg, s.logger)

	authHandler := handler.NewAuthHandler(authSvc, oauth, tokens.TTL(), cfg.SecureCookies, s.logger)
	chatHandler := handler.NewChatHandler(convSvc, s.logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, s.logger)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	// === Operational ===
	s.router.Get("/healthz", handler.HandleHealth(s.db, s.logger))
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// === Application ===
	s.router.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Get("/", authHandler.HandleSignupPage)
		r.Post("/", authHandler.HandleSignup)
		r.Get("/login", authHandler.HandleLoginPage)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/logout", authHandler.HandleLogout)
		r.Post("/navigate_pages", chatHandler.HandleNavigate)

		if oauth != nil {
			r.Get("/auth/google/login", authHandler.HandleGoogleLogin)
			r.Get("/auth/google/callback", authHandler.HandleGoogleCallback)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))
			r.Get("/{username}", chatHandler.HandleChatPage)
			r.Post("/{username}", chatHandler.HandleChat)
		})
	})

	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}

// writeTimeout leaves room for every completion attempt of a chat turn.
func (s *Server) writeTimeout() time.Duration {
	attempts := time.Duration(s.config.CompletionMaxRetries + 1)
	return s.config.CompletionTimeout*attempts + 15*time.Second
}

// Start serves until SIGINT or SIGTERM.
//
// GRACEFUL SHUTDOWN:
//  1. stop accepting connections
//  2. let in-flight requests finish, for up to 30 seconds; a chat turn
//     may be waiting on the completion API
//  3. close the database pool; for SQLite this checkpoints the WAL
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", string(s.db.Dialect())),
			slog.String("model", s.config.Model),
			slog.Bool("googleSignIn", s.config.GoogleEnabled()),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
