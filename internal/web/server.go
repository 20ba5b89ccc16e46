// Package web is the operator JSON API over tasks, accounts and venues.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/venue-autobook/internal/accounts"
	"github.com/example/venue-autobook/internal/auth"
	"github.com/example/venue-autobook/internal/internaltypes"
	"github.com/example/venue-autobook/internal/scheduler"
	"github.com/example/venue-autobook/internal/tasks"
	"github.com/example/venue-autobook/internal/venues"
)

type AccountLister interface {
	List(ctx context.Context) ([]accounts.Account, error)
}

type VenueLister interface {
	List(ctx context.Context, serviceID int64, date string) ([]venues.Venue, error)
}

type Server struct {
	Auth     auth.Authenticator
	Sessions *auth.Sessions

	Tasks    tasks.Store
	Creator  tasks.Service
	Accounts AccountLister
	Venues   VenueLister

	// optional
	Metrics   http.Handler
	Scheduler func() scheduler.Stats
	Health    func(ctx context.Context) error
	Logger    *slog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	authed := http.NewServeMux()
	authed.HandleFunc("GET /api/tasks", s.handleTaskList)
	authed.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	authed.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	authed.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskCancel)
	authed.HandleFunc("GET /api/accounts", s.handleAccountList)
	authed.HandleFunc("GET /api/venues", s.handleVenueList)
	authed.HandleFunc("GET /api/scheduler", s.handleSchedulerStats)
	mux.Handle("/api/", s.Sessions.Require(authed))

	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), strings.TrimSpace(in.Username), in.Password)
	if err != nil {
		if auth.IsUnauthorized(err) {
			writeError(w, http.StatusUnauthorized, "invalid username/password")
			return
		}
		s.serverError(w, r, err)
		return
	}
	if err := s.Sessions.Issue(w, r, id); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": id})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	var status tasks.Status
	if q := r.URL.Query().Get("status"); q != "" {
		st, err := tasks.ParseStatus(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	ts, err := s.Tasks.ListByStatus(r.Context(), status)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if ts == nil {
		ts = []tasks.BookingTask{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.Creator.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, internaltypes.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := s.Tasks.Get(r.Context(), id)
	if errors.Is(err, internaltypes.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTaskCancel answers 409 when the task already left pending.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	applied, err := s.Tasks.Cancel(r.Context(), id)
	if errors.Is(err, internaltypes.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	t, err := s.Tasks.Get(r.Context(), id)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !applied {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "task is not pending", "task": t})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	as, err := s.Accounts.List(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if as == nil {
		as = []accounts.Account{}
	}
	writeJSON(w, http.StatusOK, as)
}

func (s *Server) handleVenueList(w http.ResponseWriter, r *http.Request) {
	var serviceID int64
	if q := r.URL.Query().Get("service_id"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "service_id must be an integer")
			return
		}
		serviceID = n
	}
	vs, err := s.Venues.List(r.Context(), serviceID, r.URL.Query().Get("date"))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if vs == nil {
		vs = []venues.Venue{}
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not running in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.Scheduler())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger().Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("component", "web")
	}
	return slog.Default().With("component", "web")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
