package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/genqueue/internal/queue"
)

type staticStats struct {
	stats queue.Stats
	err   error
}

func (s staticStats) Stats(context.Context) (queue.Stats, error) { return s.stats, s.err }

func statsRouter(h *StatsHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/admin/queues/stats", h.GetQueueStats)
	return r
}

func TestGetQueueStats(t *testing.T) {
	engine, _ := newTaskEngine(t)
	for i := 0; i < 3; i++ {
		_, err := engine.Submit(context.Background(), queue.TextGeneration{Requester: queue.Requester{UserID: "u1"}, Prompt: "x"})
		require.NoError(t, err)
	}
	notifications := staticStats{stats: queue.Stats{Completed: 4, Failed: 1}}

	rec := doRequest(t, statsRouter(NewStatsHandler(engine, notifications)), http.MethodGet, "/api/admin/queues/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body QueueStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, queue.Stats{Waiting: 3}, body.Tasks)
	assert.Equal(t, notifications.stats, body.Notifications)
}

func TestGetQueueStatsFailure(t *testing.T) {
	tests := []struct {
		name          string
		tasks         StatsSource
		notifications StatsSource
	}{
		{name: "tasks", tasks: staticStats{err: errors.New("down")}, notifications: staticStats{}},
		{name: "notifications", tasks: staticStats{}, notifications: staticStats{err: errors.New("down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, statsRouter(NewStatsHandler(tt.tasks, tt.notifications)),
				http.MethodGet, "/api/admin/queues/stats", "")

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Contains(t, rec.Body.String(), "Failed to read queue statistics")
		})
	}
}
