package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ignatij/sagaflow/internal/log"
	"github.com/ignatij/sagaflow/internal/service"
	"github.com/ignatij/sagaflow/pkg/models"
	engine "github.com/ignatij/sagaflow/pkg/service"
	"github.com/ignatij/sagaflow/pkg/storage"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
)

type Server struct {
	engine *engine.WorkflowService
	runs   *service.RunService
}

func NewServer(eng *engine.WorkflowService, store storage.Store) *Server {
	return &Server{engine: eng, runs: service.NewRunService(store)}
}

// Handler routes the run API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("GET /workflows", s.listWorkflows)
	mux.HandleFunc("GET /runs", s.listRuns)
	mux.HandleFunc("POST /runs", s.invoke)
	mux.HandleFunc("GET /runs/{id}", s.getRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.cancel)
	mux.HandleFunc("POST /runs/{id}/resume", s.resume)
	return mux
}

// StartServer serves the API on port until ctx is done.
func StartServer(ctx context.Context, port string, s *Server) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting SagaFlow server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "SagaFlow server is running")
}

type workflowResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

type invokeRequest struct {
	Workflow string          `json:"workflow"`
	Input    json.RawMessage `json:"input"`
	Wait     bool            `json:"wait"`
}

type runResponse struct {
	RunID         string           `json:"run_id"`
	Workflow      string           `json:"workflow,omitempty"`
	Status        models.RunStatus `json:"status,omitempty"`
	Output        json.RawMessage  `json:"output,omitempty"`
	FailedStep    string           `json:"failed_step,omitempty"`
	Error         string           `json:"error,omitempty"`
	Uncompensated []string         `json:"uncompensated_steps,omitempty"`
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.Workflows()
	resp := make([]workflowResponse, 0, len(defs))
	for _, def := range defs {
		resp = append(resp, workflowResponse{Name: def.Name(), Description: def.Description(), Steps: def.Steps()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit '%s'", v))
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(r.Context(), q.Get("workflow"), q.Get("status"), limit)
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	if req.Workflow == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing 'workflow'"))
		return
	}
	var input interface{}
	if len(req.Input) > 0 {
		input = req.Input
	}
	runID, err := s.engine.Invoke(r.Context(), req.Workflow, input)
	if err != nil {
		log.GetLogger().Errorf("Failed to invoke workflow %s: %v", req.Workflow, err)
		writeError(w, statusFor(err), err)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, runResponse{RunID: runID, Workflow: req.Workflow, Status: models.IdleRunStatus})
		return
	}

	res, err := s.engine.Await(r.Context(), runID)
	resp := runResponse{RunID: runID, Workflow: req.Workflow, Status: res.Status, Output: res.Output}
	var runErr *engine.RunError
	switch {
	case err == nil:
	case errors.As(err, &runErr):
		resp.FailedStep = runErr.FailedStep
		resp.Error = runErr.Error()
		resp.Uncompensated = runErr.Compensation.Failed
	default:
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		log.GetLogger().Errorf("Failed to cancel run %s: %v", id, err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: id})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Resume(r.Context(), id); err != nil {
		log.GetLogger().Errorf("Failed to resume run %s: %v", id, err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: id})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, engine.ErrWorkflowNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRunActive), errors.Is(err, engine.ErrRunFinished):
		return http.StatusConflict
	case errors.Is(err, engine.ErrServiceClosed):
		return http.StatusServiceUnavailable
	case workflow.CodeOf(err) == workflow.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
