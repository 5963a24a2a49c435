package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/phrazzld/genqueue/internal/handlers"
	"github.com/phrazzld/genqueue/internal/queue"
)

// handlerName identifies the dispatcher's router handler in watermill logs.
const handlerName = "task_notifications"

// fallbackSummary is used when a completed task's result cannot be summarised.
const fallbackSummary = "Your task has finished."

// Submitter accepts notification jobs. *queue.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, p queue.Payload, opts ...queue.SubmitOption) (queue.Receipt, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Topic is the terminal topic of the task queue.
	Topic string

	// NotifyOnFailure also sends a task-failed notification for failed tasks.
	NotifyOnFailure bool
}

// Dispatcher consumes terminal task events and submits notification jobs.
type Dispatcher struct {
	router          *message.Router
	sink            Submitter
	notifyOnFailure bool
	logger          *slog.Logger
}

// NewDispatcher creates a Dispatcher reading from sub and submitting to sink.
func NewDispatcher(sub message.Subscriber, sink Submitter, cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.Topic == "" {
		return nil, errors.New("dispatcher topic is required")
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	d := &Dispatcher{
		router:          router,
		sink:            sink,
		notifyOnFailure: cfg.NotifyOnFailure,
		logger:          logger.With("component", "notify_dispatcher"),
	}
	router.AddConsumerHandler(handlerName, cfg.Topic, sub, d.Handle)
	return d, nil
}

// Run consumes events until ctx is cancelled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.router.Run(ctx)
}

// Running is closed once the dispatcher is subscribed and consuming.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

// Close stops the dispatcher and waits for in-flight events.
func (d *Dispatcher) Close() error {
	return d.router.Close()
}

// Handle processes one terminal event. Every outcome acknowledges the
// message: a notification that could not be submitted is logged and never
// affects the task it describes.
func (d *Dispatcher) Handle(msg *message.Message) error {
	ev, err := queue.DecodeEvent(msg)
	if err != nil {
		d.logger.Error("dropping undecodable terminal event", "message_uuid", msg.UUID, "error", err)
		return nil
	}

	log := d.logger.With(
		"job_id", ev.JobID,
		"external_id", ev.ExternalID,
		"job_type", ev.Type,
		"state", ev.State,
	)

	notification, ok := d.notificationFor(ev, log)
	if !ok {
		return nil
	}

	receipt, err := d.sink.Submit(msg.Context(), notification,
		queue.WithExternalID(NotificationID(notification.JobType(), ev.ExternalID)))
	switch {
	case err == nil:
		log.Info("notification submitted",
			"notification_type", notification.JobType(),
			"notification_id", receipt.JobID)
	case errors.Is(err, queue.ErrDuplicateJob):
		log.Debug("notification already submitted", "notification_type", notification.JobType())
	default:
		log.Error("failed to submit notification",
			"notification_type", notification.JobType(),
			"error", err)
	}
	return nil
}

// notificationFor builds the notification payload for ev, or reports false
// when no notification is due.
func (d *Dispatcher) notificationFor(ev queue.Event, log *slog.Logger) (queue.Payload, bool) {
	if ev.State == queue.StateFailed && !d.notifyOnFailure {
		log.Debug("skipping failed task notification")
		return nil, false
	}

	payload, err := ev.DecodePayload()
	if err != nil {
		log.Error("failed to decode task payload", "error", err)
		return nil, false
	}
	task, ok := payload.(queue.TaskPayload)
	if !ok {
		// notification jobs are not themselves notified about
		log.Debug("ignoring non-task event")
		return nil, false
	}
	email := task.Owner().Email
	if email == "" {
		log.Debug("requester has no email, skipping notification")
		return nil, false
	}

	switch ev.State {
	case queue.StateCompleted:
		summary, err := handlers.Summarize(ev.Type, ev.Result)
		if err != nil {
			log.Warn("failed to summarise task result", "error", err)
			summary = fallbackSummary
		}
		return queue.TaskCompleted{
			Email:    email,
			TaskID:   ev.ExternalID,
			TaskType: ev.Type,
			Summary:  summary,
		}, true
	case queue.StateFailed:
		return queue.TaskFailed{
			Email:    email,
			TaskID:   ev.ExternalID,
			TaskType: ev.Type,
			Reason:   ev.FailureReason,
		}, true
	default:
		log.Warn("ignoring event for non-terminal state")
		return nil, false
	}
}

// NotificationID is the external id of the notification of type t about the
// task with the given external id. Redelivered events map to the same id, so
// each task is notified at most once per type.
func NotificationID(t queue.JobType, taskExternalID string) string {
	return string(t) + ":" + taskExternalID
}
