// Package server exposes the HTTP surface: webhook ingress, the live event
// stream, and admin operations.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/calldwell/overseer/internal/config"
	"github.com/calldwell/overseer/internal/event"
	"github.com/calldwell/overseer/internal/logging"
	"github.com/calldwell/overseer/internal/store"
	"github.com/calldwell/overseer/internal/webhook"
)

// Server is the daemon's HTTP front end.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	bus     *event.Bus
	ingress *webhook.Ingress
	http    *http.Server
	started time.Time
}

// New assembles the server. enqueue receives jobs accepted by the webhook
// ingress.
func New(cfg *config.Config, st *store.Store, bus *event.Bus, enqueue func(*store.Job) error) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		started: time.Now(),
	}
	s.ingress = webhook.NewIngress(cfg.Sources, cfg.Events.DedupWindow, cfg.Events.DedupMax, enqueue)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.ingress.Routes(r)
	r.Get("/events", s.handleEventStream)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Get("/status", s.handleStatus)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/worktrees/retained", s.handleRetainedWorktrees)
		r.Post("/events/clear", s.handleClearEvents)
		r.Post("/events/synthetic", s.handleSyntheticEvents)
	})

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	logging.Info("http server listening", "addr", s.cfg.Server.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListJobsByStatus(store.JobStatusPending)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	active, err := s.store.ListActiveJobs()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	retained, err := s.store.ListRetainedWorktrees()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":     int(time.Since(s.started).Seconds()),
		"pending_jobs":       len(pending),
		"active_jobs":        len(active),
		"retained_worktrees": len(retained),
	})
}

type jobView struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	EventType  string  `json:"event_type"`
	SubjectRef string  `json:"subject_ref"`
	SkillKind  string  `json:"skill_kind"`
	Workspace  string  `json:"workspace"`
	Status     string  `json:"status"`
	Worktree   *string `json:"worktree,omitempty"`
	Branch     *string `json:"branch,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	CommitRef  string  `json:"commit_ref,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
}

func viewOf(j *store.Job) jobView {
	return jobView{
		ID:         j.ID,
		Source:     j.Source,
		EventType:  j.EventType,
		SubjectRef: j.SubjectRef,
		SkillKind:  j.SkillKind,
		Workspace:  j.Workspace,
		Status:     string(j.Status),
		Worktree:   j.WorktreePath,
		Branch:     j.Branch,
		Summary:    j.Result.Summary,
		CommitRef:  j.Result.CommitRef,
		ErrorKind:  string(j.Result.ErrorKind),
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.URL.Query().Get("workspace"), 200)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

type retainedView struct {
	Path      string `json:"path"`
	Branch    string `json:"branch"`
	JobID     string `json:"job_id"`
	Workspace string `json:"workspace"`
	Reason    string `json:"reason"`
	AgeHours  int    `json:"age_hours"`
	Stale     bool   `json:"stale"`
}

// handleRetainedWorktrees lists worktrees held for manual inspection.
// Entries older than the configured retention age are flagged stale but
// never auto-deleted; removal stays a human decision.
func (s *Server) handleRetainedWorktrees(w http.ResponseWriter, r *http.Request) {
	worktrees, err := s.store.ListRetainedWorktrees()
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	now := time.Now()
	views := make([]retainedView, 0, len(worktrees))
	for _, wt := range worktrees {
		v := retainedView{
			Path:      wt.Path,
			Branch:    wt.Branch,
			JobID:     wt.JobID,
			Workspace: wt.Workspace,
		}
		if wt.RetainedReason != nil {
			v.Reason = *wt.RetainedReason
		}
		if wt.RetainedAt != nil {
			age := now.Sub(*wt.RetainedAt)
			v.AgeHours = int(age.Hours())
			v.Stale = age > s.cfg.Worktrees.RetentionAge
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleClearEvents drops both the live replay buffer and the durable
// event log for one workspace. Aggregate version counters are preserved.
func (s *Server) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	workspace := r.URL.Query().Get("workspace")
	if workspace == "" {
		http.Error(w, "workspace required", http.StatusBadRequest)
		return
	}
	cleared, err := s.store.ClearDomainEvents(workspace)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	s.bus.ClearHistory(workspace)
	logging.Info("event history cleared", "workspace", workspace, "events", cleared)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": cleared})
}

// handleSyntheticEvents emits fabricated lifecycle events so dashboards
// can be exercised without real webhook traffic.
func (s *Server) handleSyntheticEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workspace string `json:"workspace"`
		Count     int    `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Workspace == "" {
		http.Error(w, "workspace required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.Count > 100 {
		req.Count = 100
	}

	types := []event.Type{
		event.TypeJobQueued, event.TypeWorktreeReady, event.TypeJobStarted,
		event.TypeJobProgress, event.TypeJobCompleted,
	}
	aggregate := "synthetic-" + event.NewID()
	for i := 0; i < req.Count; i++ {
		ev := event.New(types[i%len(types)], req.Workspace, aggregate,
			map[string]any{"synthetic": true, "seq": i})
		if err := s.store.AppendDomainEvent(ev); err != nil {
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
		s.bus.Publish(ev)
	}

	logging.Info("synthetic events generated", "workspace", req.Workspace, "count", req.Count)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "generated": req.Count})
}
