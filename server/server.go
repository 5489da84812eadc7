// ABOUTME: HTTP query API over telemetry sessions and checkpoints behind a chi router.
// ABOUTME: Read-only except checkpoint deletion; renders checkpoint reports as HTML.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/prowzi/checkpoint"
	"github.com/2389-research/prowzi/report"
	"github.com/2389-research/prowzi/telemetry"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = "127.0.0.1:2389"

// Index is the optional SQLite mirror used for list queries.
type Index interface {
	ListSessions(limit int) ([]telemetry.SessionSummary, error)
	ListCheckpoints(sessionID string) ([]checkpoint.Metadata, error)
}

// Config holds the server's collaborators.
type Config struct {
	Addr        string
	Telemetry   *telemetry.Collector
	Checkpoints *checkpoint.Manager
	// Index serves list endpoints when set; otherwise the files are scanned.
	Index Index
	// StageOrder orders the stage table in rendered reports.
	StageOrder []string
	Logger     *slog.Logger
}

// Server serves the query API.
type Server struct {
	cfg     Config
	router  chi.Router
	reports *report.Cache
	logger  *slog.Logger
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Telemetry == nil {
		return nil, errors.New("telemetry collector is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{cfg: cfg, reports: report.NewCache(10 * time.Minute), logger: logger}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// HTTPServer returns an http.Server for s with timeouts against slow
// clients. The caller owns its lifecycle.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessionList)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleSession)
			r.Get("/events", s.handleSessionEvents)
			r.Get("/summary", s.handleSessionSummary)
			r.Get("/checkpoints", s.handleSessionCheckpoints)
		})
	})

	r.Route("/checkpoints", func(r chi.Router) {
		r.Get("/", s.handleCheckpointList)
		r.Route("/{checkpointID}", func(r chi.Router) {
			r.Get("/", s.handleCheckpoint)
			r.Get("/report", s.handleCheckpointReport)
			r.Delete("/", s.handleCheckpointDelete)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"checkpoints": s.cfg.Checkpoints != nil,
		"index":       s.cfg.Index != nil,
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var sessions []telemetry.SessionSummary
	if s.cfg.Index != nil {
		sessions, err = s.cfg.Index.ListSessions(limit)
	} else {
		sessions, err = s.cfg.Telemetry.ListSessions(limit)
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []telemetry.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	m, ok := s.cfg.Telemetry.LoadSession(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, ok := s.cfg.Telemetry.Events(chi.URLParam(r, "sessionID"), filter)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if events == nil {
		events = []telemetry.StageEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.cfg.Telemetry.Summarize(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSessionCheckpoints(w http.ResponseWriter, r *http.Request) {
	s.listCheckpoints(w, r, chi.URLParam(r, "sessionID"))
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	s.listCheckpoints(w, r, r.URL.Query().Get("session"))
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !s.requireCheckpoints(w) {
		return
	}
	var (
		list []checkpoint.Metadata
		err  error
	)
	if s.cfg.Index != nil {
		list, err = s.cfg.Index.ListCheckpoints(sessionID)
	} else {
		list, err = s.cfg.Checkpoints.List(sessionID)
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if list == nil {
		list = []checkpoint.Metadata{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadCheckpoint(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata": rec.Metadata,
		"context":  rec.Context.Snapshot(),
	})
}

func (s *Server) handleCheckpointReport(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadCheckpoint(w, r)
	if !ok {
		return
	}
	html, err := s.reports.HTML(report.FromContext(rec.Context, s.cfg.StageOrder))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, html)
}

func (s *Server) handleCheckpointDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireCheckpoints(w) {
		return
	}
	id := chi.URLParam(r, "checkpointID")
	deleted, err := s.cfg.Checkpoints.Delete(id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	s.logger.Info("checkpoint deleted", "checkpoint", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadCheckpoint(w http.ResponseWriter, r *http.Request) (*checkpoint.Record, bool) {
	if !s.requireCheckpoints(w) {
		return nil, false
	}
	rec, err := s.cfg.Checkpoints.Load(chi.URLParam(r, "checkpointID"))
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return nil, false
	case errors.Is(err, checkpoint.ErrCorrupt):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, false
	case err != nil:
		s.internalError(w, r, err)
		return nil, false
	}
	return rec, true
}

func (s *Server) requireCheckpoints(w http.ResponseWriter) bool {
	if s.cfg.Checkpoints == nil {
		writeError(w, http.StatusNotFound, "checkpointing is not configured")
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// parseEventFilter reads status (comma-separated), stage, since, until
// (RFC 3339), limit, and offset.
func parseEventFilter(r *http.Request) (telemetry.EventFilter, error) {
	q := r.URL.Query()
	var f telemetry.EventFilter
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, telemetry.Status(st))
			}
		}
	}
	f.Stage = q.Get("stage")
	for key, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = &t
	}
	var err error
	if f.Limit, err = intQuery(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = intQuery(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
