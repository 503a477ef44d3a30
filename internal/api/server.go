// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/healing"
	"github.com/JakeFAU/sitepulse-crawler/internal/lease"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultStatsDays = 7
	maxStatsDays     = 90
)

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TaskHealer repairs one broken task on demand.
type TaskHealer interface {
	HealTask(ctx context.Context, id int64) (healing.Result, error)
}

// LeaseSyncer reconciles the lease index with the configured sites.
type LeaseSyncer interface {
	SyncFrom(ctx context.Context, sites crawler.SiteStore) (lease.SyncResult, error)
}

// Deps are the collaborators behind the routes. Healer, Leases, Stats, and
// Checks are optional; their routes answer 503 when absent.
type Deps struct {
	Tasks  crawler.TaskStore
	Rules  crawler.RuleStore
	Sites  crawler.SiteStore
	Leases LeaseSyncer
	Healer TaskHealer
	Stats  crawler.SiteStatsStore
	Clock  crawler.Clock
	Checks map[string]Pinger
}

// Config controls middleware behavior.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the stores and the healer.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/retry", s.retryTask)
				r.Post("/heal", s.healTask)
			})
		})
		r.Post("/sites/sync", s.syncSites)
		r.Get("/sites/{site_id}/stats", s.siteStats)
		r.Get("/rules/{rule_id}/history", s.ruleHistory)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failing := map[string]string{}
	for name, check := range s.deps.Checks {
		if err := check.Ping(r.Context()); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := crawler.TaskStatusBroken
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = crawler.TaskStatus(raw)
	}
	if !status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown task status")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	tasks, err := s.deps.Tasks.ListTasksByStatus(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []crawler.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "task_id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.GetTask(r.Context(), id)
	if err != nil {
		s.storeError(w, "get task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "task_id")
	if !ok {
		return
	}
	if err := s.deps.Tasks.RelaunchTask(r.Context(), id, s.deps.Clock.Now()); err != nil {
		s.storeError(w, "relaunch task", err)
		return
	}
	s.logger.Info("task relaunched by operator", zap.Int64("task_id", id))
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": crawler.TaskStatusPending})
}

func (s *Server) healTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Healer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "self-healing is disabled")
		return
	}
	id, ok := s.pathID(w, r, "task_id")
	if !ok {
		return
	}
	res, err := s.deps.Healer.HealTask(r.Context(), id)
	if err != nil {
		s.storeError(w, "heal task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) syncSites(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leases == nil {
		s.writeError(w, http.StatusServiceUnavailable, "lease index is not configured")
		return
	}
	res, err := s.deps.Leases.SyncFrom(r.Context(), s.deps.Sites)
	if err != nil {
		s.internalError(w, "sync sites", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"active": res.Active, "added": res.Added, "removed": res.Removed})
}

func (s *Server) siteStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "site stats are not recorded")
		return
	}
	id, ok := s.pathID(w, r, "site_id")
	if !ok {
		return
	}
	days := defaultStatsDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = min(n, maxStatsDays)
	}
	if _, err := s.deps.Sites.GetSite(r.Context(), id); err != nil {
		s.storeError(w, "get site", err)
		return
	}

	today := s.deps.Clock.Now().UTC().Truncate(24 * time.Hour)
	rows, err := s.deps.Stats.ListSiteStats(r.Context(), id, today.AddDate(0, 0, 1-days))
	if err != nil {
		s.internalError(w, "list site stats", err)
		return
	}
	if rows == nil {
		rows = []crawler.SiteStats{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"site_id": id, "days": rows})
}

func (s *Server) ruleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "rule_id")
	if !ok {
		return
	}
	target := crawler.RuleTarget(r.URL.Query().Get("target"))
	if target == "" {
		target = crawler.RuleTargetField
	}
	if target != crawler.RuleTargetField && target != crawler.RuleTargetLinkScope {
		s.writeError(w, http.StatusBadRequest, "target must be FIELD or LINK_SCOPE")
		return
	}
	changes, err := s.deps.Rules.ListRuleChanges(r.Context(), target, id)
	if err != nil {
		s.internalError(w, "list rule changes", err)
		return
	}
	if changes == nil {
		changes = []crawler.RuleChange{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}

// storeError maps store sentinels onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, crawler.ErrNotRelaunchable), errors.Is(err, healing.ErrNotBroken):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
