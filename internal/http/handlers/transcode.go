package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/observability"
)

// JobSubmitter submits and looks up remux jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, url string) (models.TranscodeJob, error)
	Status(id string) (models.TranscodeJob, error)
}

// SubmitResponse is the reply to /transcode.
type SubmitResponse struct {
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	CachePath string           `json:"cache_path,omitempty"`
}

// notFoundResponse is the reply for an unknown job id.
type notFoundResponse struct {
	Status string `json:"status"`
}

// TranscodeHandler serves /transcode and /status/{job_id}.
type TranscodeHandler struct {
	jobs JobSubmitter
}

// NewTranscodeHandler creates a new transcode handler.
func NewTranscodeHandler(jobs JobSubmitter) *TranscodeHandler {
	return &TranscodeHandler{jobs: jobs}
}

// Register registers the transcode routes with the router.
func (h *TranscodeHandler) Register(r chi.Router) {
	r.Get("/transcode", h.Submit)
	r.Get("/status/{job_id}", h.Status)
}

// Submit handles GET /transcode?url=<url>.
func (h *TranscodeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")

	job, err := h.jobs.Submit(r.Context(), url)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Warn("transcode submission rejected",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		CachePath: job.CachePath,
	})
}

// Status handles GET /status/{job_id}.
func (h *TranscodeHandler) Status(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Status(chi.URLParam(r, "job_id"))
	if errors.Is(err, models.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, notFoundResponse{Status: "not_found"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
