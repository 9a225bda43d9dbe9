package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/service"
)

// JobRegistry lists and inspects remux jobs.
type JobRegistry interface {
	Status(id string) (models.TranscodeJob, error)
	List() []models.TranscodeJob
	Stats() service.JobStats
}

// JobHandler handles job API endpoints.
type JobHandler struct {
	jobs JobRegistry
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs JobRegistry) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns all remux jobs, newest first, optionally filtered by status",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJobStats",
		Method:      "GET",
		Path:        "/api/v1/jobs/stats",
		Summary:     "Get job statistics",
		Description: "Returns job counts per status and queue depth",
		Tags:        []string{"Jobs"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns a job by ID",
		Tags:        []string{"Jobs"},
	}, h.GetByID)
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct {
	Status string `query:"status" enum:"queued,downloading,transcoding,completed,failed" doc:"Only return jobs in this status"`
}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs  []models.TranscodeJob `json:"jobs"`
		Total int                   `json:"total"`
	}
}

// List returns all jobs.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	all := h.jobs.List()

	jobs := all
	if input.Status != "" {
		jobs = make([]models.TranscodeJob, 0, len(all))
		for _, job := range all {
			if string(job.Status) == input.Status {
				jobs = append(jobs, job)
			}
		}
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = jobs
	resp.Body.Total = len(jobs)
	return resp, nil
}

// GetJobInput is the input for getting a job.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// GetJobOutput is the output for getting a job.
type GetJobOutput struct {
	Body models.TranscodeJob
}

// GetByID returns a job by ID.
func (h *JobHandler) GetByID(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	job, err := h.jobs.Status(input.ID)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil, huma.Error404NotFound("job not found")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get job", err)
	}
	return &GetJobOutput{Body: job}, nil
}

// GetJobStatsInput is the input for job statistics.
type GetJobStatsInput struct{}

// GetJobStatsOutput is the output for job statistics.
type GetJobStatsOutput struct {
	Body service.JobStats
}

// GetStats returns job statistics.
func (h *JobHandler) GetStats(ctx context.Context, input *GetJobStatsInput) (*GetJobStatsOutput, error) {
	return &GetJobStatsOutput{Body: h.jobs.Stats()}, nil
}
