package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pubflow/internal/domain"
	"pubflow/internal/planner"
	"pubflow/internal/scheduler"
	"pubflow/internal/store"
)

type Server struct {
	r     *chi.Mux
	repo  store.Repository
	sched *scheduler.Service
	now   func() time.Time
}

func NewServer(repo store.Repository, sched *scheduler.Service) http.Handler {
	return NewServerWithDebug(repo, sched, false)
}

func NewServerWithDebug(repo store.Repository, sched *scheduler.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, sched: sched, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/publish", s.schedulePublish)
	r.Get("/api/tasks/pending", s.pendingTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/plans", s.createPlan)
	r.Get("/api/plans", s.listPlans)
	r.Get("/api/plans/{id}", s.getPlan)
	r.Put("/api/plans/{id}", s.updatePlan)
	r.Delete("/api/plans/{id}", s.deletePlan)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pubflow_up 1\n"))
}

type publishReq struct {
	VideoPath   string   `json:"video_path"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Platform    string   `json:"platform"`
	AccountID   *int64   `json:"account_id"`
}

type publishResp struct {
	TaskID        int64  `json:"task_id"`
	ScheduledTime string `json:"scheduled_time"`
	Platform      string `json:"platform"`
	AccountID     *int64 `json:"account_id"`
	Status        string `json:"status"`
	Fallback      bool   `json:"fallback"`
}

func (s *Server) schedulePublish(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	res, err := s.sched.Schedule(r.Context(), domain.PublishRequest{
		VideoPath:   req.VideoPath,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Platform:    req.Platform,
		AccountID:   req.AccountID,
	}, s.now())
	if errors.Is(err, scheduler.ErrInvalidRequest) {
		http.Error(w, err.Error(), 400)
		return
	}
	if errors.Is(err, scheduler.ErrSlotUnavailable) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, publishResp{
		TaskID:        res.TaskID,
		ScheduledTime: res.ScheduledTime.Format(time.RFC3339),
		Platform:      res.Platform,
		AccountID:     res.AccountID,
		Status:        res.Status,
		Fallback:      res.Fallback,
	})
}

type taskResp struct {
	ID            int64    `json:"id"`
	VideoPath     string   `json:"video_path"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags"`
	Platform      string   `json:"platform"`
	AccountID     *int64   `json:"account_id"`
	ScheduledTime string   `json:"scheduled_time"`
	Status        string   `json:"status"`
	LastError     string   `json:"last_error,omitempty"`
}

func taskToResp(t domain.Task) taskResp {
	return taskResp{
		ID:            t.ID,
		VideoPath:     t.VideoPath,
		Title:         t.Title,
		Description:   t.Description,
		Tags:          t.Tags,
		Platform:      t.Platform,
		AccountID:     t.AccountID,
		ScheduledTime: t.ScheduledTime.Format(time.RFC3339),
		Status:        string(t.Status),
		LastError:     t.LastError,
	}
}

func (s *Server) pendingTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.GetPending(r.Context(), r.URL.Query().Get("platform"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToResp(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	t, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, taskToResp(t))
}

type createPlanReq struct {
	Name        string   `json:"name"`
	CronExpr    string   `json:"cron_expr"`
	VideoPath   string   `json:"video_path"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Platform    string   `json:"platform"`
	AccountID   *int64   `json:"account_id"`
	Enabled     bool     `json:"enabled"`
}

type createPlanResp struct {
	ID string `json:"id"`
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.VideoPath == "" || req.Title == "" {
		http.Error(w, "video_path and title are required", 400)
		return
	}

	if err := planner.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := planner.NextRunTime(req.CronExpr, s.now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.repo.CreatePlan(r.Context(), domain.Plan{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		VideoPath:   req.VideoPath,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Platform:    req.Platform,
		AccountID:   req.AccountID,
		Enabled:     req.Enabled,
		NextRun:     nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createPlanResp{ID: id})
}

type planResp struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	CronExpr    string   `json:"cron_expr"`
	VideoPath   string   `json:"video_path"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Platform    string   `json:"platform"`
	AccountID   *int64   `json:"account_id"`
	Enabled     bool     `json:"enabled"`
	LastRun     *string  `json:"last_run"`
	NextRun     string   `json:"next_run"`
}

func planToResp(p domain.Plan) planResp {
	out := planResp{
		ID:          p.ID,
		Name:        p.Name,
		CronExpr:    p.CronExpr,
		VideoPath:   p.VideoPath,
		Title:       p.Title,
		Description: p.Description,
		Tags:        p.Tags,
		Platform:    p.Platform,
		AccountID:   p.AccountID,
		Enabled:     p.Enabled,
		NextRun:     p.NextRun.Format(time.RFC3339),
	}
	if p.LastRun != nil {
		s := p.LastRun.Format(time.RFC3339)
		out.LastRun = &s
	}
	return out
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.repo.ListPlans(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]planResp, 0, len(plans))
	for _, p := range plans {
		out = append(out, planToResp(p))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.repo.GetPlan(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, planToResp(p))
}

type updatePlanReq struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) updatePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.GetPlan(r.Context(), id); err != nil {
		http.Error(w, "not found", 404)
		return
	}
	var req updatePlanReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.repo.SetPlanEnabled(r.Context(), id, req.Enabled); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	p, err := s.repo.GetPlan(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, planToResp(p))
}

func (s *Server) deletePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeletePlan(r.Context(), id); err != nil {
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
