package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/vidrelay/internal/scheduler"
)

// MaintenanceRunner lists and triggers maintenance tasks.
type MaintenanceRunner interface {
	Tasks() []scheduler.TaskInfo
	RunNow(ctx context.Context, name string) error
}

// MaintenanceHandler handles maintenance API endpoints.
type MaintenanceHandler struct {
	runner MaintenanceRunner
}

// NewMaintenanceHandler creates a new maintenance handler.
func NewMaintenanceHandler(runner MaintenanceRunner) *MaintenanceHandler {
	return &MaintenanceHandler{runner: runner}
}

// Register registers the maintenance routes with the API.
func (h *MaintenanceHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listMaintenanceTasks",
		Method:      "GET",
		Path:        "/api/v1/maintenance/tasks",
		Summary:     "List maintenance tasks",
		Description: "Returns every scheduled maintenance task with its next and previous run",
		Tags:        []string{"Maintenance"},
	}, h.ListTasks)

	huma.Register(api, huma.Operation{
		OperationID: "runMaintenanceTask",
		Method:      "POST",
		Path:        "/api/v1/maintenance/tasks/{name}/run",
		Summary:     "Run maintenance task",
		Description: "Runs a maintenance task immediately and waits for it to finish",
		Tags:        []string{"Maintenance"},
	}, h.RunTask)
}

// ListTasksInput is the input for listing tasks.
type ListTasksInput struct{}

// ListTasksOutput is the output for listing tasks.
type ListTasksOutput struct {
	Body struct {
		Tasks []scheduler.TaskInfo `json:"tasks"`
	}
}

// ListTasks returns the registered tasks.
func (h *MaintenanceHandler) ListTasks(ctx context.Context, input *ListTasksInput) (*ListTasksOutput, error) {
	resp := &ListTasksOutput{}
	resp.Body.Tasks = h.runner.Tasks()
	return resp, nil
}

// RunTaskInput is the input for running a task.
type RunTaskInput struct {
	Name string `path:"name" doc:"Task name" example:"cache_eviction"`
}

// RunTaskOutput is the output for running a task.
type RunTaskOutput struct {
	Body struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
}

// RunTask runs one task synchronously.
func (h *MaintenanceHandler) RunTask(ctx context.Context, input *RunTaskInput) (*RunTaskOutput, error) {
	if err := h.runner.RunNow(ctx, input.Name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			return nil, huma.Error404NotFound("task not found")
		}
		return nil, huma.Error500InternalServerError("maintenance task failed", err)
	}

	resp := &RunTaskOutput{}
	resp.Body.Name = input.Name
	resp.Body.Status = "success"
	return resp, nil
}
