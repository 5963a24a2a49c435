package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Failure reasons recorded by the stall detector.
const (
	reasonStalled          = "job stalled: worker stopped responding"
	reasonStalledExhausted = "job stalled more than allowable limit"
)

// stallMonitor periodically recovers jobs abandoned by crashed workers
func (e *Engine) stallMonitor(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("failed to check for stalled jobs", "error", err)
			}
		}
	}
}

// RecoverStalled moves every active job whose heartbeat is older than the
// stall timeout to stalled, then requeues it or, when its attempts are
// exhausted, fails it. It returns the number of jobs recovered.
//
// The first step is a compare-and-set on the job's lock token and stale
// heartbeat, so a worker that heartbeats in between keeps its job, and
// concurrent detectors in other processes recover each job once.
func (e *Engine) RecoverStalled(ctx context.Context) (int, error) {
	now := e.now()
	deadline := now.Add(-e.cfg.StallTimeout)

	jobs, err := e.store.ListStalled(ctx, e.cfg.Queue, deadline)
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		log := e.logger.With(
			"job_id", job.ID,
			"external_id", job.ExternalID,
			"job_type", job.Type,
			"attempt", job.Attempts,
		)

		if job.State == StateActive {
			stalled, err := e.store.Transition(ctx, job.ID, Transition{
				From:        StateActive,
				To:          StateStalled,
				Token:       job.LockToken,
				StaleBefore: deadline,
				At:          now,
			})
			if err != nil {
				if isStoreConflict(err) {
					log.Debug("stalled job already recovered or resumed", "error", err)
				} else {
					log.Error("failed to mark job stalled", "error", err)
				}
				continue
			}
			stalledJobs.WithLabelValues(e.cfg.Queue).Inc()
			log.Warn("job stalled",
				"last_heartbeat", job.HeartbeatAt,
				"stall_timeout", e.cfg.StallTimeout)
			job = stalled
		}

		if e.releaseStalled(ctx, job, now, log) {
			recovered++
		}
	}

	return recovered, nil
}

func (e *Engine) releaseStalled(ctx context.Context, job *Job, now time.Time, log *slog.Logger) bool {
	if job.Attempts < job.MaxAttempts {
		if _, err := e.transition(ctx, job.ID, Transition{
			From:          StateStalled,
			To:            StateWaiting,
			FailureReason: reasonStalled,
			At:            now,
		}); err != nil {
			log.Error("failed to requeue stalled job", "error", err)
			return false
		}
		log.Warn("stalled job requeued", "max_attempts", job.MaxAttempts)
		select {
		case e.wake <- struct{}{}:
		default:
		}
		return true
	}

	failed, err := e.transition(ctx, job.ID, Transition{
		From:          StateStalled,
		To:            StateFailed,
		FailureReason: reasonStalledExhausted,
		At:            now,
	})
	if err != nil {
		log.Error("failed to fail stalled job", "error", err)
		return false
	}
	jobsProcessed.WithLabelValues(job.Queue, string(job.Type), outcomeFailed).Inc()
	log.Warn("stalled job failed, attempts exhausted", "max_attempts", job.MaxAttempts)
	e.publish(failed, log)
	return true
}

// PurgeExpired deletes terminal jobs outside the retention window and returns
// how many were removed. Active jobs are never touched.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	now := e.now()
	r := e.cfg.Retention

	var rules []PurgeRule
	if r.CompletedMaxAge > 0 || r.CompletedKeep > 0 {
		rule := PurgeRule{State: StateCompleted, KeepLatest: r.CompletedKeep}
		if r.CompletedMaxAge > 0 {
			rule.Before = now.Add(-r.CompletedMaxAge)
		}
		rules = append(rules, rule)
	}
	if r.FailedMaxAge > 0 {
		rules = append(rules, PurgeRule{State: StateFailed, Before: now.Add(-r.FailedMaxAge)})
	}

	total := 0
	for _, rule := range rules {
		n, err := e.store.Purge(ctx, e.cfg.Queue, rule)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s jobs: %w", rule.State, err)
		}
		if n > 0 {
			purgedJobs.WithLabelValues(e.cfg.Queue, string(rule.State)).Add(float64(n))
			e.logger.Info("purged expired jobs", "state", rule.State, "count", n)
		}
		total += n
	}
	return total, nil
}

// collectMetrics refreshes the per-state gauges
func (e *Engine) collectMetrics(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := e.store.CountByState(ctx, e.cfg.Queue)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("failed to collect queue metrics", "error", err)
				}
				continue
			}
			for _, s := range States {
				jobsByState.WithLabelValues(e.cfg.Queue, string(s)).Set(float64(stats.Count(s)))
			}
		}
	}
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
