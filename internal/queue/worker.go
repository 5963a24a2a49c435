package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/redact"
)

// worker claims and processes jobs until ctx is cancelled
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	log := e.logger.With("worker_id", id)
	log.Debug("starting worker")

	for {
		if ctx.Err() != nil {
			log.Debug("stopping worker")
			return
		}

		job, err := e.store.Claim(ctx, e.cfg.Queue, uuid.NewString(), e.now())
		switch {
		case err == nil:
			e.process(ctx, job, log)
			continue
		case errors.Is(err, ErrNoJob):
		case ctx.Err() != nil:
			log.Debug("stopping worker")
			return
		default:
			// The job, if any, stays waiting; nothing to undo.
			log.Error("failed to claim job", "error", err)
		}

		e.idle(ctx)
	}
}

// idle blocks until a local submission, the poll interval, or shutdown.
func (e *Engine) idle(ctx context.Context) {
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-e.wake:
	case <-timer.C:
	}
}

// process runs one claimed job to its next state. Shutdown does not
// interrupt a running handler; the worker records its outcome first.
func (e *Engine) process(ctx context.Context, job *Job, log *slog.Logger) {
	log = log.With(
		"job_id", job.ID,
		"external_id", job.ExternalID,
		"job_type", job.Type,
		"attempt", job.Attempts,
	)
	runCtx := context.WithoutCancel(ctx)

	started := e.now()
	queueWait.WithLabelValues(job.Queue, string(job.Type)).Observe(started.Sub(job.RunAt).Seconds())
	log.Info("processing job")

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		e.heartbeat(hbCtx, job, log)
	}()

	result, err := e.invoke(logger.WithContext(runCtx, log), job, log)

	stopHeartbeat()
	<-hbDone
	jobDuration.WithLabelValues(job.Queue, string(job.Type)).Observe(e.now().Sub(started).Seconds())

	if err == nil {
		e.complete(runCtx, job, result, log)
		return
	}
	e.fail(runCtx, job, err, log)
}

// heartbeat refreshes the job's liveness until ctx is cancelled or the lock
// is lost.
func (e *Engine) heartbeat(ctx context.Context, job *Job, log *slog.Logger) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.store.Heartbeat(ctx, job.ID, job.LockToken, e.now())
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				log.Warn("job lock lost while running; outcome will be discarded")
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("failed to refresh heartbeat", "error", err)
			}
		}
	}
}

// invoke runs the handler, converting a panic into an error
func (e *Engine) invoke(ctx context.Context, job *Job, log *slog.Logger) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return e.registry.dispatch(ctx, job)
}

func (e *Engine) complete(ctx context.Context, job *Job, result json.RawMessage, log *slog.Logger) {
	done, ok := e.record(ctx, job, Transition{
		From:   StateActive,
		To:     StateCompleted,
		Token:  job.LockToken,
		Result: result,
		At:     e.now(),
	}, log)
	if !ok {
		return
	}

	jobsProcessed.WithLabelValues(job.Queue, string(job.Type), outcomeCompleted).Inc()
	log.Info("job completed")
	e.publish(done, log)
}

func (e *Engine) fail(ctx context.Context, job *Job, cause error, log *slog.Logger) {
	now := e.now()
	reason := redact.FailureReason(cause)

	if job.Attempts < job.MaxAttempts && e.retryable(cause) {
		delay := Backoff(e.cfg.BaseDelay, job.Attempts)
		if _, ok := e.record(ctx, job, Transition{
			From:          StateActive,
			To:            StateWaiting,
			Token:         job.LockToken,
			FailureReason: reason,
			RunAt:         now.Add(delay),
			At:            now,
		}, log); !ok {
			return
		}
		jobsProcessed.WithLabelValues(job.Queue, string(job.Type), outcomeRetried).Inc()
		log.Warn("job attempt failed, retrying",
			"error", cause,
			"max_attempts", job.MaxAttempts,
			"retry_in", delay)
		return
	}

	failed, ok := e.record(ctx, job, Transition{
		From:          StateActive,
		To:            StateFailed,
		Token:         job.LockToken,
		FailureReason: reason,
		At:            now,
	}, log)
	if !ok {
		return
	}
	jobsProcessed.WithLabelValues(job.Queue, string(job.Type), outcomeFailed).Inc()
	log.Error("job failed",
		"error", cause,
		"max_attempts", job.MaxAttempts,
		"permanent", IsPermanent(cause))
	e.publish(failed, log)
}

// record applies a transition out of active. A lost lock means another
// worker owns the job now, so the outcome is dropped. Any other error is an
// operational alert: the job stays active and stall recovery picks it up.
func (e *Engine) record(ctx context.Context, job *Job, t Transition, log *slog.Logger) (*Job, bool) {
	updated, err := e.transition(ctx, job.ID, t)
	if err == nil {
		return updated, true
	}

	if errors.Is(err, ErrLockLost) {
		jobsProcessed.WithLabelValues(job.Queue, string(job.Type), outcomeDiscarded).Inc()
		log.Warn("job reclaimed by another worker, discarding outcome", "to", t.To)
		return nil, false
	}
	log.Error("failed to record job outcome, leaving job for stall recovery",
		"to", t.To,
		"error", err)
	return nil, false
}
