// Package httpserver exposes the engine over an OpenAI-style REST surface:
// registration and login, API key management, the metered chat-completions
// proxy, and administrative reads.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ledgergate/ledgergate/internal/account"
	"github.com/ledgergate/ledgergate/internal/backend"
	"github.com/ledgergate/ledgergate/internal/engine"
	"github.com/ledgergate/ledgergate/internal/version"
)

// Server wires HTTP routes to the engine.
type Server struct {
	engine     *engine.Engine
	backend    *backend.Client
	adminToken string
	logger     *log.Logger
	logLevel   string
}

// New creates a Server. backend may be nil; the proxy endpoint then
// reports itself unconfigured.
func New(eng *engine.Engine, client *backend.Client, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[httpserver] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		engine:   eng,
		backend:  client,
		logger:   logger,
		logLevel: "info",
	}
}

// SetAdminToken enables the admin endpoints behind the given bearer token.
func (s *Server) SetAdminToken(token string) {
	s.adminToken = strings.TrimSpace(token)
}

// SetLogger installs the server logger and level.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
	if level != "" {
		s.logLevel = strings.ToLower(level)
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(private chi.Router) {
		private.Use(s.credentialMiddleware)
		private.Get("/auth/profile", s.handleProfile)
		private.Get("/auth/test-key", s.handleTestKey)
		private.Post("/auth/keys", s.handleCreateKey)
		private.Get("/auth/keys", s.handleListKeys)
		private.Put("/auth/keys/activate", s.handleKeyActivate)
		private.Put("/auth/keys/deactivate", s.handleKeyDeactivate)
		private.Get("/usage/summary", s.handleUsageSummary)
		private.Get("/usage/logs", s.handleUsageLogs)
		private.Post("/v1/api/chat/completions", s.handleChatCompletions)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(s.adminMiddleware)
		admin.Get("/admin/stats", s.handleAdminStats)
	})

	return r
}

// bearerCredential pulls the caller's credential from the Authorization
// header, accepting the X-API-Key fallback.
func bearerCredential(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
		return h
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// credentialMiddleware resolves the bearer credential and stores the
// authorized account on the request context.
func (s *Server) credentialMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerCredential(r)
		if credential == "" {
			s.respondError(w, http.StatusUnauthorized, errors.New("missing bearer credential"))
			return
		}
		acct, err := s.engine.Resolve(r.Context(), credential)
		if err != nil {
			s.respondError(w, statusFor(err), err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), acct, credential)))
	})
}

// adminMiddleware gates the administrative routes on the static token.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.respondError(w, http.StatusNotImplemented, errors.New("admin endpoints disabled"))
			return
		}
		if bearerCredential(r) != s.adminToken {
			s.respondError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps engine failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, account.ErrAuthentication):
		return http.StatusUnauthorized
	case account.IsAuthorization(err):
		return http.StatusForbidden
	case errors.Is(err, account.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case account.IsUniqueness(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Info(),
	})
}
