// Package server is the HTTP facade over the agent runtime.
//
// Identity comes from the auth middleware: every handler reads the user
// id from the validated claims, so one user can never touch another's
// sessions or memories.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aurelian-labs/aurelius/pkg/agent"
	"github.com/aurelian-labs/aurelius/pkg/auth"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/observability"
	"github.com/aurelian-labs/aurelius/pkg/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	// Turns can take minutes when consensus runs.
	writeTimeout    = 5 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// Server serves the chat API.
type Server struct {
	orchestrator *agent.Orchestrator
	store        store.Store
	validator    *auth.Validator
	metrics      *observability.Metrics
	logger       *slog.Logger
	httpServer   *http.Server
}

// New wires the router. validator may be nil (auth disabled) and
// metrics may be nil (no /metrics endpoint).
func New(orchestrator *agent.Orchestrator, st store.Store, validator *auth.Validator, metrics *observability.Metrics, logger *slog.Logger) (*Server, error) {
	if orchestrator == nil || st == nil {
		return nil, fault.New(fault.KindConfig, "server is missing a dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orchestrator: orchestrator,
		store:        st,
		validator:    validator,
		metrics:      metrics,
		logger:       logger,
	}
	return s, nil
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.Middleware(s.metrics))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))

		r.Post("/chat", s.handleChat)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}/messages", s.handleListMessages)
		r.Get("/profile", s.handleProfile)
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/analysis/status", s.handleAnalysisStatus)
		r.Get("/user", s.handleGetUser)
		r.Put("/user/name", s.handleUpdateUserName)
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// background work.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.orchestrator.Wait()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindParse, "invalid request body"))
		return
	}

	start := time.Now()
	result, err := s.orchestrator.Respond(r.Context(), userID, req.SessionID, req.Message)
	if s.metrics != nil {
		s.metrics.RecordTurn(time.Since(start), err)
	}
	if err != nil {
		s.logger.Error("turn failed", "user_id", userID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), s.userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if _, err := s.store.GetOrCreateUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.store.CreateSession(r.Context(), userID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	sessionID := chi.URLParam(r, "id")

	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session.UserID != userID {
		writeError(w, fault.New(fault.KindNotFound, "session %s not found", sessionID))
		return
	}

	messages, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.LatestProfile(r.Context(), s.userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type analyzeRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fault.New(fault.KindParse, "invalid request body"))
			return
		}
	}
	result, err := s.orchestrator.Analyze(r.Context(), s.userID(r), req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orchestrator.Status(r.Context(), s.userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetOrCreateUser(r.Context(), s.userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleUpdateUserName(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	var req updateNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, fault.New(fault.KindParse, "name is required"))
		return
	}
	if _, err := s.store.GetOrCreateUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateUserName(r.Context(), userID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// userID reads the validated subject. The auth middleware guarantees
// claims are present on every route in the authenticated group.
func (s *Server) userID(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the fault taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindParse:
		status = http.StatusBadRequest
	case fault.KindUnauthorized:
		status = http.StatusUnauthorized
	case fault.KindTransient:
		status = http.StatusServiceUnavailable
	case fault.KindCancelled:
		// client went away; 499 is conventional but non-standard
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  fault.KindOf(err).String(),
	})
}
