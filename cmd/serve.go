package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/analysis"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/monitoring"
	"github.com/civicsignal/billcost/internal/schedule"
	"github.com/civicsignal/billcost/internal/store"
	"github.com/civicsignal/billcost/internal/tasks"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, worker pool, and acquisition scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		env.Manager.Start(ctx)

		sched := schedule.New(env.Store, env.Manager, cfg.Schedule)
		if err := sched.Start(ctx); err != nil {
			return err
		}

		collector := monitoring.NewCollector(env.Store)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Alert), cfg.Alert)
		go checker.Run(ctx)

		api := &apiServer{
			store:     env.Store,
			manager:   env.Manager,
			scheduler: sched,
			collector: collector,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		env.Manager.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer holds the handler dependencies.
type apiServer struct {
	store     store.Store
	manager   *tasks.Manager
	scheduler *schedule.Scheduler
	collector *monitoring.Collector
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/scrape", s.handleScrape)
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleCancelTask)
		r.Get("/impacts/{billID}", s.handleImpacts)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/sweep", s.handleSweep)
	})
	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JurisdictionID string `json:"jurisdiction_id"`
		Force          bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JurisdictionID == "" {
		writeError(w, http.StatusBadRequest, "jurisdiction_id is required")
		return
	}

	j, err := s.store.GetJurisdiction(r.Context(), req.JurisdictionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "jurisdiction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if !req.Force {
		inflight, err := s.inflightScrape(r.Context(), j.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "in-flight check failed")
			return
		}
		if inflight != nil {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "scrape already in flight",
				"task_id": inflight.ID,
			})
			return
		}
	}

	task, err := s.manager.Submit(r.Context(), model.AnalysisTask{
		Type:           model.TaskScrape,
		JurisdictionID: j.ID,
	}, analysis.Request{JurisdictionID: j.ID})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (s *apiServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JurisdictionID string `json:"jurisdiction_id"`
		BillID         string `json:"bill_id"`
		Step           string `json:"step"`
		BillText       string `json:"bill_text"`
		ModelOverride  string `json:"model_override"`
		SkipResearch   bool   `json:"skip_research"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BillID == "" {
		writeError(w, http.StatusBadRequest, "bill_id is required")
		return
	}

	step := model.TaskType(req.Step)
	if !step.AnalysisStep() {
		writeError(w, http.StatusBadRequest, "step must be research, generate, or review")
		return
	}
	if step == model.TaskResearch && req.BillText == "" {
		writeError(w, http.StatusBadRequest, "bill_text is required for the research step")
		return
	}
	if req.SkipResearch && step != model.TaskGenerate {
		writeError(w, http.StatusBadRequest, "skip_research only applies to the generate step")
		return
	}
	if req.SkipResearch && req.BillText == "" {
		writeError(w, http.StatusBadRequest, "bill_text is required when skipping research")
		return
	}

	task, err := s.manager.Submit(r.Context(), model.AnalysisTask{
		Type:           step,
		BillID:         req.BillID,
		JurisdictionID: req.JurisdictionID,
	}, analysis.Request{
		BillID:         req.BillID,
		JurisdictionID: req.JurisdictionID,
		BillText:       req.BillText,
		ModelOverride:  req.ModelOverride,
		SkipResearch:   req.SkipResearch,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (s *apiServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *apiServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "task already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
}

func (s *apiServer) handleImpacts(w http.ResponseWriter, r *http.Request) {
	impacts, err := s.store.ListImpacts(r.Context(), chi.URLParam(r, "billID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if impacts == nil {
		impacts = []model.Impact{}
	}
	writeJSON(w, http.StatusOK, impacts)
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), cfg.Alert.LookbackHours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "collect failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *apiServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	submitted, err := s.scheduler.Sweep(r.Context(), req.Force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"submitted": submitted})
}

func (s *apiServer) inflightScrape(ctx context.Context, jurisdictionID string) (*model.AnalysisTask, error) {
	for _, status := range []model.TaskStatus{model.TaskQueued, model.TaskRunning} {
		active, err := s.store.ListTasks(ctx, store.TaskFilter{
			JurisdictionID: jurisdictionID,
			Type:           model.TaskScrape,
			Status:         status,
			Limit:          1,
		})
		if err != nil {
			return nil, err
		}
		if len(active) > 0 {
			return &active[0], nil
		}
	}
	return nil, nil
}

func (s *apiServer) writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, tasks.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, "task queue full")
		return
	}
	writeError(w, http.StatusInternalServerError, "submit failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
