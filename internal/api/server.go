package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"swarmengine/internal/domain"
	"swarmengine/internal/scheduler"
	"swarmengine/internal/store"
)

// LockInfo exposes current leadership for introspection.
type LockInfo interface {
	HolderID() string
	Held() bool
}

type Server struct {
	r    *chi.Mux
	st   store.Store
	lock LockInfo
}

// NewServer wires the producer/ops surface: task creation and inspection,
// project pause control, recurring templates, and lock introspection. No
// state transitions happen here; pending rows are picked up by the engine.
func NewServer(st store.Store, lock LockInfo) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, st: st, lock: lock}

	r.Get("/health", s.health)
	r.Get("/api/lock", s.lockStatus)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)

	r.Get("/api/projects/{id}", s.getProject)
	r.Post("/api/projects", s.createProject)
	r.Post("/api/projects/{id}/pause", s.pauseProject)
	r.Post("/api/projects/{id}/resume", s.resumeProject)

	r.Post("/api/recurring", s.createRecurring)
	r.Get("/api/recurring", s.listRecurring)
	r.Get("/api/recurring/{id}", s.getRecurring)
	r.Put("/api/recurring/{id}", s.updateRecurring)
	r.Delete("/api/recurring/{id}", s.deleteRecurring)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) lockStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"holder": s.lock.HolderID(),
		"held":   s.lock.Held(),
	})
}

type createTaskReq struct {
	Addressee string  `json:"addressee"`
	Prompt    string  `json:"prompt"`
	RepoURL   *string `json:"repo_url"`
	Branch    *string `json:"branch"`
	ProjectID *string `json:"project_id"`
	CreatedBy string  `json:"created_by"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Addressee == "" {
		http.Error(w, "addressee is required", 400)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", 400)
		return
	}
	task, err := s.st.CreateTask(r.Context(), domain.CreateTaskInput{
		Addressee: req.Addressee,
		Prompt:    req.Prompt,
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		ProjectID: req.ProjectID,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, taskView(task))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.st.ListTasks(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.st.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, taskView(t))
}

func taskView(t domain.Task) map[string]any {
	v := map[string]any{
		"id":         t.ID,
		"addressee":  t.Addressee,
		"status":     t.Status,
		"created_at": t.CreatedAt.Format(time.RFC3339),
	}
	if t.StartedAt != nil {
		v["started_at"] = t.StartedAt.Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		v["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	if t.WorkerPod != nil {
		v["worker_pod"] = *t.WorkerPod
	}
	if t.ProjectID != nil {
		v["project_id"] = *t.ProjectID
	}
	if t.Result != nil {
		v["result"] = t.Result
	}
	return v
}

type createProjectReq struct {
	Name              string  `json:"name"`
	RepoURL           string  `json:"repo_url"`
	DefaultBranch     string  `json:"default_branch"`
	IntegrationBranch *string `json:"integration_branch"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.RepoURL == "" {
		http.Error(w, "name and repo_url are required", 400)
		return
	}
	id, err := s.st.CreateProject(r.Context(), domain.Project{
		Name:              req.Name,
		RepoURL:           req.RepoURL,
		DefaultBranch:     req.DefaultBranch,
		IntegrationBranch: req.IntegrationBranch,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.st.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"repo_url":        p.RepoURL,
		"status":          p.Status,
		"total_tasks":     p.TotalTasks,
		"completed_tasks": p.CompletedTasks,
		"failed_tasks":    p.FailedTasks,
	})
}

func (s *Server) pauseProject(w http.ResponseWriter, r *http.Request) {
	s.setProjectStatus(w, r, domain.ProjectPaused)
}

func (s *Server) resumeProject(w http.ResponseWriter, r *http.Request) {
	s.setProjectStatus(w, r, domain.ProjectActive)
}

func (s *Server) setProjectStatus(w http.ResponseWriter, r *http.Request, status domain.ProjectStatus) {
	id := chi.URLParam(r, "id")
	err := s.st.SetProjectStatus(r.Context(), id, status)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "status": status})
}

type recurringReq struct {
	Name      string  `json:"name"`
	CronExpr  string  `json:"cron_expr"`
	Addressee string  `json:"addressee"`
	Prompt    string  `json:"prompt"`
	RepoURL   *string `json:"repo_url"`
	Branch    *string `json:"branch"`
	ProjectID *string `json:"project_id"`
	Enabled   *bool   `json:"enabled"`
}

func recurringView(r domain.RecurringTask) map[string]any {
	v := map[string]any{
		"id":         r.ID,
		"name":       r.Name,
		"cron_expr":  r.CronExpr,
		"addressee":  r.Addressee,
		"prompt":     r.Prompt,
		"enabled":    r.Enabled,
		"next_run":   r.NextRun.Format(time.RFC3339),
		"created_at": r.CreatedAt.Format(time.RFC3339),
		"updated_at": r.UpdatedAt.Format(time.RFC3339),
	}
	if r.RepoURL != nil {
		v["repo_url"] = *r.RepoURL
	}
	if r.Branch != nil {
		v["branch"] = *r.Branch
	}
	if r.ProjectID != nil {
		v["project_id"] = *r.ProjectID
	}
	if r.LastRun != nil {
		v["last_run"] = r.LastRun.Format(time.RFC3339)
	}
	return v
}

func (s *Server) createRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.CronExpr == "" || req.Addressee == "" || req.Prompt == "" {
		http.Error(w, "name, cron_expr, addressee and prompt are required", 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := s.st.CreateRecurring(r.Context(), domain.RecurringTask{
		Name:      req.Name,
		CronExpr:  req.CronExpr,
		Addressee: req.Addressee,
		Prompt:    req.Prompt,
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		ProjectID: req.ProjectID,
		Enabled:   enabled,
		NextRun:   nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	recs, err := s.st.ListRecurring(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recurringView(rec))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getRecurring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.st.GetRecurring(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, recurringView(rec))
}

func (s *Server) updateRecurring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.st.GetRecurring(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var req recurringReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		rec.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		rec.CronExpr = req.CronExpr
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
			return
		}
		rec.NextRun = nextRun
	}
	if req.Addressee != "" {
		rec.Addressee = req.Addressee
	}
	if req.Prompt != "" {
		rec.Prompt = req.Prompt
	}
	if req.RepoURL != nil {
		rec.RepoURL = req.RepoURL
	}
	if req.Branch != nil {
		rec.Branch = req.Branch
	}
	if req.ProjectID != nil {
		rec.ProjectID = req.ProjectID
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}

	if err := s.st.UpdateRecurring(r.Context(), rec); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, recurringView(rec))
}

func (s *Server) deleteRecurring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.DeleteRecurring(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
