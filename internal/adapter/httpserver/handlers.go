package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/commercewatch/prodscan/internal/domain"
	"github.com/commercewatch/prodscan/internal/usecase"
)

// Server exposes the enqueue API over the job service.
type Server struct {
	jobs     *usecase.JobService
	validate *validator.Validate
}

func NewServer(jobs *usecase.JobService) *Server {
	return &Server{
		jobs:     jobs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type executeRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	// Platform may come top-level or as params.platform; one is required.
	Platform string         `json:"platform"`
	Priority int            `json:"priority" validate:"gte=0,lte=100"`
	Params   map[string]any `json:"params"`
	Metadata map[string]any `json:"metadata"`
}

// platformOf resolves the job platform; the top-level field wins over
// params.platform.
func (req executeRequest) platformOf() string {
	if req.Platform != "" {
		return req.Platform
	}
	if p, ok := req.Params["platform"].(string); ok {
		return p
	}
	return ""
}

type executeResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Platform string `json:"platform"`
}

// ExecuteWorkflow handles POST /workflows/execute.
func (s *Server) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("op=http.execute: %w: malformed body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("op=http.execute: %w: %v", domain.ErrInvalidArgument, err), fieldErrors(err))
		return
	}
	platform := req.platformOf()
	if platform == "" {
		writeError(w, r, fmt.Errorf("op=http.execute: %w: platform required", domain.ErrInvalidArgument), nil)
		return
	}

	job, err := s.jobs.Enqueue(r.Context(), usecase.EnqueueInput{
		WorkflowID: req.WorkflowID,
		Platform:   domain.Platform(platform),
		Priority:   req.Priority,
		Params:     req.Params,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	LoggerFrom(r).Info("workflow execution accepted",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)
	writeJSON(w, http.StatusAccepted, executeResponse{
		JobID:    job.ID,
		Status:   string(job.Status),
		Platform: string(job.Platform),
	})
}

// GetJob handles GET /workflows/jobs/{jobID}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /workflows/jobs/{jobID}.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListRecentJobs handles GET /platforms/{platform}/jobs.
func (s *Server) ListRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	jobs, err := s.jobs.RecentJobs(r.Context(), domain.Platform(chi.URLParam(r, "platform")), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// QueueStats handles GET /queues.
func (s *Server) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

// ListWorkflows handles GET /workflows.
func (s *Server) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := s.jobs.Workflows()
	summaries := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, map[string]any{
			"id":         def.ID,
			"version":    def.Version,
			"start_node": def.StartNode,
			"nodes":      len(def.Nodes),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

func fieldErrors(err error) []map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, map[string]string{"field": fe.Field(), "rule": fe.Tag()})
	}
	return out
}
