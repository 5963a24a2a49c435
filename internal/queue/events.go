package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Event is published whenever a job reaches a terminal state.
type Event struct {
	Queue         string          `json:"queue"`
	JobID         string          `json:"jobId"`
	ExternalID    string          `json:"externalId"`
	Type          JobType         `json:"type"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	FinishedAt    time.Time       `json:"finishedAt"`
}

// TerminalTopic is the topic terminal events of queue are published on.
func TerminalTopic(queue string) string {
	return queue + ".terminal"
}

// NewEvent builds the terminal event for job.
func NewEvent(job *Job) Event {
	return Event{
		Queue:         job.Queue,
		JobID:         job.ID,
		ExternalID:    job.ExternalID,
		Type:          job.Type,
		State:         job.State,
		Attempts:      job.Attempts,
		Payload:       job.Payload,
		Result:        job.Result,
		FailureReason: job.FailureReason,
		FinishedAt:    job.FinishedAt,
	}
}

// Message encodes the event as a watermill message.
func (e Event) Message() (*message.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("job_id", e.JobID)
	msg.Metadata.Set("job_type", string(e.Type))
	msg.Metadata.Set("state", string(e.State))
	return msg, nil
}

// DecodeEvent decodes a terminal event from a watermill message.
func DecodeEvent(msg *message.Message) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return e, nil
}

// DecodePayload decodes the payload of the job the event describes.
func (e Event) DecodePayload() (Payload, error) {
	return DecodePayload(e.Type, e.Payload)
}
