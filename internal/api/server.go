package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"comfytask/internal/domain"
	"comfytask/internal/ports"
	"comfytask/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type generateRequest struct {
	WorkflowName  string               `json:"workflow_name"`
	Modifications domain.Modifications `json:"modifications"`
}

type taskResponse struct {
	TaskID   string         `json:"task_id"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

type taskSummary struct {
	TaskID       string `json:"task_id"`
	WorkflowName string `json:"workflow_name"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type Server struct {
	router *chi.Mux
}

func NewServer(store ports.TaskStore, dispatcher *usecase.Dispatcher, workflows ports.WorkflowCatalog) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/generation", func(r chi.Router) {
		r.Post("/", handleGenerate(dispatcher))
		r.Get("/tasks", handleListTasks(store))
		r.Get("/tasks/{taskID}", handleGetTask(store))
	})

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", handleListWorkflows(workflows))
		r.Get("/{name}/nodes", handleWorkflowNodes(workflows))
	})

	return &Server{router: r}
}

func handleListWorkflows(workflows ports.WorkflowCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"workflows": workflows.Names()})
	}
}

func handleWorkflowNodes(workflows ports.WorkflowCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		nodes, err := workflows.Nodes(name)
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			http.Error(w, fmt.Sprintf("workflow %q not found", name), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "failed to load workflow", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]map[string]domain.WorkflowNode{"nodes": nodes})
	}
}

func handleGenerate(dispatcher *usecase.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.WorkflowName == "" {
			http.Error(w, "workflow_name is required", http.StatusBadRequest)
			return
		}

		task, err := dispatcher.Submit(r.Context(), req.WorkflowName, req.Modifications)
		switch {
		case errors.Is(err, domain.ErrWorkflowNotFound):
			http.Error(w, fmt.Sprintf("workflow %q not found", req.WorkflowName), http.StatusNotFound)
			return
		case errors.Is(err, domain.ErrInvalidModification):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, "failed to queue workflow", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, taskResponse{
			TaskID:   task.ID,
			Status:   string(task.Status),
			Progress: task.Progress,
			Message:  "Workflow queued. Poll /generation/tasks/{task_id} for progress.",
		})
	}
}

func handleGetTask(store ports.TaskStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		task, err := store.Get(r.Context(), taskID)
		if errors.Is(err, domain.ErrTaskNotFound) {
			http.Error(w, fmt.Sprintf("task %s not found", taskID), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "failed to load task", http.StatusInternalServerError)
			return
		}

		resp := taskResponse{
			TaskID:   task.ID,
			Status:   string(task.Status),
			Progress: task.Progress,
		}
		switch task.Status {
		case domain.StatusCompleted:
			resp.Result = task.Result
			resp.Message = "Task completed successfully"
		case domain.StatusFailed:
			if msg, ok := task.Result["error"].(string); ok {
				resp.Message = msg
			}
		case domain.StatusProcessing:
			resp.Message = "Task is currently processing"
		case domain.StatusQueued:
			resp.Message = "Task is queued and waiting to be processed"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListTasks(store ports.TaskStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := store.ListAll(r.Context())
		if err != nil {
			http.Error(w, "failed to list tasks", http.StatusInternalServerError)
			return
		}

		out := make([]taskSummary, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, taskSummary{
				TaskID:       t.ID,
				WorkflowName: t.WorkflowName,
				Status:       string(t.Status),
				Progress:     t.Progress,
				CreatedAt:    t.CreatedAt.Format(time.RFC3339Nano),
				UpdatedAt:    t.UpdatedAt.Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
