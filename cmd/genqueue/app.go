package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/handlers"
	"github.com/phrazzld/genqueue/internal/notify"
	"github.com/phrazzld/genqueue/internal/platform/gemini"
	"github.com/phrazzld/genqueue/internal/platform/objectstore"
	"github.com/phrazzld/genqueue/internal/queue"
)

// collaborators are the outside services the queue handlers call.
type collaborators struct {
	ai        handlers.AI
	artifacts handlers.ArtifactStore
	mailer    notify.Mailer
}

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	store   queue.Store
	closers []func() error

	// bus carries terminal task events to the dispatcher
	bus *gochannel.GoChannel

	tasks         *queue.Engine
	notifications *queue.Engine
	dispatcher    *notify.Dispatcher
}

// newApplication connects the job store and the outside services selected by
// cfg and assembles the engines.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	deps, err := newCollaborators(ctx, cfg, logger)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	app, err := assemble(cfg, logger, store, deps)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	app.closers = append(app.closers, closeStore)
	return app, nil
}

// newCollaborators creates the AI client, the artifact store and the mailer.
func newCollaborators(ctx context.Context, cfg *config.Config, logger *slog.Logger) (collaborators, error) {
	ai, err := gemini.New(ctx, gemini.Config{
		APIKey:       cfg.LLM.GeminiAPIKey,
		TextModel:    cfg.LLM.TextModel,
		ImageModel:   cfg.LLM.ImageModel,
		Timeout:      cfg.LLM.Timeout,
		MaxFileBytes: cfg.LLM.MaxFileBytes,

		AllowPrivateFileHosts: cfg.LLM.AllowPrivateFileHosts,
	}, logger.With("component", "llm"))
	if err != nil {
		return collaborators{}, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	var artifacts handlers.ArtifactStore = handlers.InlineArtifacts{}
	if cfg.Artifacts.Driver == config.ArtifactsMinIO {
		store, err := objectstore.New(cfg.Artifacts.MinIO, logger)
		if err != nil {
			return collaborators{}, fmt.Errorf("failed to initialize artifact store: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return collaborators{}, fmt.Errorf("failed to prepare artifact bucket: %w", err)
		}
		artifacts = store
	}

	var mailer notify.Mailer = notify.NewLogMailer(logger)
	if cfg.Mail.Driver == config.MailSMTP {
		m, err := notify.NewSMTPMailer(cfg.Mail.SMTP)
		if err != nil {
			return collaborators{}, fmt.Errorf("failed to initialize mailer: %w", err)
		}
		mailer = m
	}

	return collaborators{ai: ai, artifacts: artifacts, mailer: mailer}, nil
}

// assemble builds both engines on store and connects the task engine's
// terminal events to the notification engine through the dispatcher.
func assemble(cfg *config.Config, logger *slog.Logger, store queue.Store, deps collaborators) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		store:  store,
		// Publish blocks until the dispatcher has acked the event, so a task
		// engine that stopped cleanly has handed over all of its events.
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NewSlogLogger(logger.With("component", "event_bus"))),
	}

	taskRegistry := queue.NewRegistry()
	handlers.NewTasks(deps.ai, deps.artifacts, cfg.Artifacts.KeyPrefix).Register(taskRegistry)
	if err := taskRegistry.Require(queue.TaskTypes...); err != nil {
		return nil, err
	}

	notificationRegistry := queue.NewRegistry()
	notify.NewHandlers(deps.mailer, cfg.Notifications.Product).Register(notificationRegistry)
	if err := notificationRegistry.Require(queue.NotificationTypes...); err != nil {
		return nil, err
	}

	var err error
	app.tasks, err = queue.NewEngine(store, taskRegistry, cfg.TaskEngine(), logger,
		engineOptions(cfg.Tasks, queue.WithPublisher(app.bus))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create task engine: %w", err)
	}

	app.notifications, err = queue.NewEngine(store, notificationRegistry, cfg.NotificationEngine(), logger,
		engineOptions(cfg.Notifications.QueueConfig)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification engine: %w", err)
	}

	app.dispatcher, err = notify.NewDispatcher(app.bus, app.notifications, notify.DispatcherConfig{
		Topic:           queue.TerminalTopic(cfg.Tasks.Name),
		NotifyOnFailure: cfg.Notifications.NotifyOnFailure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification dispatcher: %w", err)
	}

	logger.Info("application initialized",
		"task_queue", cfg.Tasks.Name,
		"notification_queue", cfg.Notifications.Name)
	return app, nil
}

func engineOptions(q config.QueueConfig, opts ...queue.Option) []queue.Option {
	if q.RetryTransient {
		opts = append(opts, queue.WithRetryPredicate(queue.RetryTransient))
	}
	return opts
}

// startWorkers runs the dispatcher and both engines until ctx is cancelled or
// cleanup is called. The dispatcher subscribes before the task engine starts
// so that no terminal event is published without a consumer.
func (app *application) startWorkers(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() {
		runErr <- app.dispatcher.Run(ctx)
	}()

	select {
	case <-app.dispatcher.Running():
	case err := <-runErr:
		if err == nil {
			err = errors.New("dispatcher stopped before it started")
		}
		return fmt.Errorf("failed to start notification dispatcher: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := app.notifications.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification engine: %w", err)
	}
	if err := app.tasks.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task engine: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources. The task
// engine stops first so its last events still reach the notification queue.
func (app *application) cleanup() {
	if app.tasks != nil {
		app.tasks.Stop()
	}
	if app.dispatcher != nil {
		if err := app.dispatcher.Close(); err != nil {
			app.logger.Error("error closing notification dispatcher", "error", err)
		}
	}
	if app.notifications != nil {
		app.notifications.Stop()
	}
	if app.bus != nil {
		if err := app.bus.Close(); err != nil {
			app.logger.Error("error closing event bus", "error", err)
		}
	}

	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Error("error closing store", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
