package api

import (
	"encoding/json"

	"github.com/phrazzld/genqueue/internal/queue"
)

// SubmitTaskRequest defines the payload for the task submission endpoint.
type SubmitTaskRequest struct {
	// Type selects the handler, e.g. "text-gen" or "image-gen".
	Type string `json:"type" validate:"required"`

	// Payload is decoded and validated against Type.
	Payload json.RawMessage `json:"payload" validate:"required"`

	Priority    *int   `json:"priority,omitempty"    validate:"omitempty,gte=0"`
	MaxAttempts *int   `json:"maxAttempts,omitempty" validate:"omitempty,gte=1,lte=100"`
	ExternalID  string `json:"externalId,omitempty"  validate:"omitempty,max=128"`
}

// SubmitOptions converts the optional request fields to queue options.
func (r SubmitTaskRequest) SubmitOptions() []queue.SubmitOption {
	var opts []queue.SubmitOption
	if r.Priority != nil {
		opts = append(opts, queue.WithPriority(*r.Priority))
	}
	if r.MaxAttempts != nil {
		opts = append(opts, queue.WithMaxAttempts(*r.MaxAttempts))
	}
	if r.ExternalID != "" {
		opts = append(opts, queue.WithExternalID(r.ExternalID))
	}
	return opts
}

// QueueStatsResponse defines the response of the queue statistics endpoint.
type QueueStatsResponse struct {
	Tasks         queue.Stats `json:"tasks"`
	Notifications queue.Stats `json:"notifications"`
}
