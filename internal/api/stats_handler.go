package api

import (
	"context"
	"net/http"

	"github.com/phrazzld/genqueue/internal/api/shared"
	"github.com/phrazzld/genqueue/internal/queue"
)

// StatsSource reports point-in-time job counts for one queue.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// StatsHandler serves queue introspection for operators.
type StatsHandler struct {
	tasks         StatsSource
	notifications StatsSource
}

// NewStatsHandler creates a new StatsHandler
func NewStatsHandler(tasks, notifications StatsSource) *StatsHandler {
	return &StatsHandler{tasks: tasks, notifications: notifications}
}

// GetQueueStats handles GET /api/admin/queues/stats requests.
func (h *StatsHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read queue statistics")
		return
	}
	notifications, err := h.notifications.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to read queue statistics")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, QueueStatsResponse{
		Tasks:         tasks,
		Notifications: notifications,
	})
}
