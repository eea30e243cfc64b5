// Package httpapi exposes a Host to operators over HTTP: module lifecycle,
// deployments, rollouts, health, resolver state, Prometheus metrics and the
// /live and /ready probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/pluginhost"
)

// Server serves the operator API of one Host.
type Server struct {
	host   *pluginhost.Host
	logger pluginhost.Logger
	router chi.Router
}

// New builds the router for host.
func New(host *pluginhost.Host) *Server {
	s := &Server{host: host, logger: host.Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	checks := host.Health().Checks()
	r.Get("/live", checks.LiveEndpoint)
	r.Get("/ready", checks.ReadyEndpoint)
	r.Handle("/metrics", host.Metrics().Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/modules", s.listModules)
		r.Route("/modules/{id}", func(r chi.Router) {
			r.Get("/", s.getModule)
			r.Post("/update", s.updateModule)
			r.Post("/rollback", s.rollbackModule)
			r.Post("/restore", s.restoreBackup)
			r.Get("/health", s.getHealth)
			r.Get("/health/history", s.getHealthHistory)
			r.Get("/deployments", s.getDeployments)
			r.Post("/{action}", s.moduleAction)
		})
		r.Route("/rollouts/{id}", func(r chi.Router) {
			r.Post("/", s.startRollout)
			r.Get("/", s.getRollout)
			r.Post("/{action}", s.rolloutAction)
		})
		r.Get("/conflicts", s.getConflicts)
		r.Get("/order", s.getOrder)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("Operator API listening", "address", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) listModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Registry().GetAll())
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.host.Registry().Get(id)
	if !ok {
		s.writeError(w, r, pluginhost.ErrModuleNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) moduleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	coord := s.host.Coordinator()
	ops := map[string]func(context.Context, string) error{
		"load":       coord.Load,
		"initialize": coord.Initialize,
		"start":      coord.Start,
		"stop":       coord.Stop,
		"unload":     coord.Unload,
		"reload":     coord.Reload,
		"activate":   coord.Activate,
		"retire":     coord.Retire,
	}
	action := chi.URLParam(r, "action")
	op, ok := ops[action]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown action " + action})
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, _ := s.host.Registry().Get(id)
	writeJSON(w, http.StatusOK, rec)
}

type versionRequest struct {
	Version string `json:"version"`
}

func (s *Server) updateModule(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.host.Deployer().UpdateToVersion(r.Context(), id, req.Version, pluginhost.DeploymentManualUpdate); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, _ := s.host.Registry().Get(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) rollbackModule(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.host.Rollouts().RollbackToVersion(r.Context(), id, req.Version); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, _ := s.host.Registry().Get(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) restoreBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.host.Deployer().RestoreBackup(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, _ := s.host.Registry().Get(id)
	writeJSON(w, http.StatusOK, rec)
}

// getHealth returns the last snapshot, or runs a check first when ?check=true.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if check, _ := strconv.ParseBool(r.URL.Query().Get("check")); check {
		snap, err := s.host.Health().CheckModule(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	snap, ok := s.host.Health().Snapshot(id)
	if !ok {
		s.writeError(w, r, pluginhost.ErrModuleNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getHealthHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Health().History(chi.URLParam(r, "id")))
}

func (s *Server) getDeployments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	history, err := s.host.Deployer().History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type rolloutRequest struct {
	TargetVersion   string `json:"targetVersion"`
	BatchSize       int    `json:"batchSize"`
	ValidateMinutes int    `json:"validateMinutes"`
}

func (s *Server) startRollout(w http.ResponseWriter, r *http.Request) {
	var req rolloutRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.host.Rollouts().StartGradualRollout(r.Context(), chi.URLParam(r, "id"), req.TargetVersion, req.BatchSize, req.ValidateMinutes)
	if err != nil && st.ModuleID == "" {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// The rollout exists but its first batch failed.
		writeJSON(w, statusFor(err), st)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) getRollout(w http.ResponseWriter, r *http.Request) {
	st, ok := s.host.Rollouts().Status(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, pluginhost.ErrRolloutNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) rolloutAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m := s.host.Rollouts()
	var (
		st  pluginhost.RolloutStatus
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "proceed":
		st, err = m.ProceedToNextBatch(r.Context(), id)
	case "pause":
		st, err = m.PauseRollout(r.Context(), id)
	case "resume":
		st, err = m.ResumeRollout(r.Context(), id)
	case "cancel":
		st, err = m.CancelRollout(r.Context(), id, r.URL.Query().Get("reason"))
	case "confirm":
		st, err = m.ConfirmRelease(r.Context(), id)
	case "reject":
		st, err = m.RejectRelease(r.Context(), id)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown action " + action})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getConflicts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Resolver().DetectConflicts())
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.host.Resolver().TopologicalOrder()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Operator request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pluginhost.ErrModuleBusy), errors.Is(err, pluginhost.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, pluginhost.ErrModuleNotFound), errors.Is(err, pluginhost.ErrRolloutNotFound):
		return http.StatusNotFound
	case errors.Is(err, pluginhost.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
