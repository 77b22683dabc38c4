// Package server is the internal HTTP API consumed by the frontend
// service. Every endpoint except user creation requires bearer auth
// with a user token; errors are returned as {"error": "..."} bodies.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/lockbox/internal/config"
	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
	"github.com/dohr-michael/lockbox/internal/tasks"
	"github.com/dohr-michael/lockbox/internal/vault"
)

// Server is the lockbox API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler

	store      *store.Store
	sched      *scheduler.Scheduler
	portal     portal.Client
	vault      *vault.Vault
	engine     *tasks.Engine
	cfg        config.TasksConfig
	schoolCode int

	geometryLimiter *tokenLimiter

	now func() time.Time
}

// New creates the API server. cfg.Server decides the listen address.
func New(st *store.Store, sched *scheduler.Scheduler, portalClient portal.Client, v *vault.Vault, engine *tasks.Engine, cfg config.Config) *Server {
	s := &Server{
		store:           st,
		sched:           sched,
		portal:          portalClient,
		vault:           v,
		engine:          engine,
		cfg:             cfg.Tasks,
		schoolCode:      cfg.SchoolCode,
		geometryLimiter: newTokenLimiter(geometryRate, geometryBurst),
		now:             time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/user", s.handleCreateUser)
	r.Patch("/user", s.withUser(s.handlePatchUser))
	r.Get("/user", s.withUser(s.handleGetUser))
	r.Delete("/user", s.withUser(s.handleDeleteUser))
	r.Delete("/user/error/{id}", s.withUser(s.handleDeleteUserError))
	r.Get("/user/courses", s.withUser(s.handleGetUserCourses))
	r.Post("/user/courses/update", s.withUser(s.handleUpdateUserCourses))
	r.Post("/form_geometry", s.withUser(s.handleFormGeometry))
	r.Post("/update_all_courses", s.withUser(s.handleUpdateAllCourses))
	r.Post("/test_form", s.withUser(s.handleTestForm))

	r.Get("/debug/tasks", s.withUser(s.handleDebugTasks))
	r.Post("/debug/tasks/update", s.withUser(s.handleDebugTasksUpdate))

	s.handler = r
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("lockbox API listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// userHandler is an authenticated handler with the resolved user.
type userHandler func(w http.ResponseWriter, r *http.Request, user *store.User)

// withUser requires bearer auth and resolves the token to its user.
func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "Missing token")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			writeErrorMessage(w, http.StatusUnauthorized, "Bearer auth not used")
			return
		}
		user, err := s.store.UserByToken(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, user)
	}
}

// decodeBody parses a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "Missing body")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Malformed body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response failed", "error", err)
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps classified store errors onto HTTP statuses. Anything
// unclassified is a 500 and logged.
func writeError(w http.ResponseWriter, err error) {
	var se *store.Error
	if errors.As(err, &se) {
		writeErrorMessage(w, statusOf(se.Code), se.Message)
		return
	}
	slog.Error("request failed", "error", err)
	writeErrorMessage(w, http.StatusInternalServerError, "Internal server error")
}

func statusOf(code store.Code) int {
	switch code {
	case store.CodeBadToken:
		return http.StatusUnauthorized
	case store.CodeInvalidField, store.CodeOther:
		return http.StatusBadRequest
	case store.CodeStateConflict:
		return http.StatusConflict
	case store.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
