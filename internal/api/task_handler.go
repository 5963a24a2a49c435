package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/phrazzld/genqueue/internal/api/shared"
	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/queue"
)

// TaskQueue is the part of the task engine the HTTP layer needs.
type TaskQueue interface {
	Submit(ctx context.Context, p queue.Payload, opts ...queue.SubmitOption) (queue.Receipt, error)
	Status(ctx context.Context, externalID string) (*queue.Snapshot, error)
}

// TaskHandler handles task submission and status polling.
type TaskHandler struct {
	tasks  TaskQueue
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(tasks TaskQueue, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With("component", "task_handler"),
	}
}

// SubmitTask handles POST /api/tasks requests.
// The task runs asynchronously, so a successful submission answers 202 with
// the ids the caller polls by.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	payload, err := queue.DecodePayload(queue.JobType(req.Type), req.Payload)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	receipt, err := h.tasks.Submit(r.Context(), payload, req.SubmitOptions()...)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	log.Info("task submitted",
		"job_id", receipt.JobID,
		"external_id", receipt.ExternalID,
		"job_type", req.Type)

	shared.RespondWithJSON(w, r, http.StatusAccepted, receipt)
}

// GetTask handles GET /api/tasks/{externalId} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	externalID, ok := getPathParam(r, "externalId")
	if !ok {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Task id is required")
		return
	}

	snapshot, err := h.tasks.Status(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		HandleAPIError(w, r, err, "Failed to get task status")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, snapshot)
}
