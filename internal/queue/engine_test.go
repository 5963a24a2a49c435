package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/queue"
)

// testConfig returns an engine config with intervals short enough for tests.
func testConfig(queueName string) queue.Config {
	cfg := queue.DefaultConfig(queueName)
	cfg.Concurrency = 2
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StallTimeout = time.Second
	cfg.StallCheckInterval = time.Hour
	cfg.MetricsInterval = 0
	cfg.Retention.Schedule = ""
	return cfg
}

type harness struct {
	store  *queue.MemoryStore
	engine *queue.Engine
	logs   *logger.TestLogBuffer
}

func newHarness(t *testing.T, cfg queue.Config, register func(r *queue.Registry), opts ...queue.Option) *harness {
	t.Helper()

	log, logs := logger.NewTestLogger(t)
	store := queue.NewMemoryStore()
	registry := queue.NewRegistry()
	register(registry)

	engine, err := queue.NewEngine(store, registry, cfg, log, opts...)
	require.NoError(t, err)
	return &harness{store: store, engine: engine, logs: logs}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(h.engine.Stop)
}

// waitForState polls until the job reaches state.
func (h *harness) waitForState(t *testing.T, externalID string, state queue.State) *queue.Snapshot {
	t.Helper()

	var snap *queue.Snapshot
	require.Eventually(t, func() bool {
		s, err := h.engine.Status(context.Background(), externalID)
		if err != nil {
			return false
		}
		snap = s
		return s.State == state
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", externalID, state)
	return snap
}

func prompt(text string) queue.TextGeneration {
	return queue.TextGeneration{Requester: queue.Requester{UserID: "u1"}, Prompt: text}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	t.Parallel()

	log, _ := logger.NewTestLogger(t)
	store := queue.NewMemoryStore()

	tests := []struct {
		name   string
		mutate func(c *queue.Config)
	}{
		{"missing queue", func(c *queue.Config) { c.Queue = "" }},
		{"no workers", func(c *queue.Config) { c.Concurrency = 0 }},
		{"no attempts", func(c *queue.Config) { c.DefaultMaxAttempts = 0 }},
		{"node id out of range", func(c *queue.Config) { c.NodeID = 1024 }},
		{"heartbeat slower than stall timeout", func(c *queue.Config) { c.HeartbeatInterval = c.StallTimeout }},
		{"bad retention schedule", func(c *queue.Config) { c.Retention.Schedule = "every tuesday" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := queue.DefaultConfig("tasks")
			tc.mutate(&cfg)
			_, err := queue.NewEngine(store, queue.NewRegistry(), cfg, log)
			assert.Error(t, err)
		})
	}

	_, err := queue.NewEngine(store, queue.NewRegistry(), queue.DefaultConfig("tasks"), log)
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, nil)
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)

	_, err = h.engine.Submit(ctx, queue.Welcome{Email: "a@example.com"})
	assert.ErrorIs(t, err, queue.ErrUnknownJobType, "welcome has no handler on this queue")

	_, err = h.engine.Submit(ctx, queue.TextGeneration{Prompt: "no requester"})
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)

	_, err = h.engine.Submit(ctx, prompt("hi"), queue.WithPriority(-1))
	assert.ErrorIs(t, err, queue.ErrInvalidOption)

	_, err = h.engine.Submit(ctx, prompt("hi"), queue.WithPriority(queue.MaxPriority+1))
	assert.ErrorIs(t, err, queue.ErrInvalidOption)

	_, err = h.engine.Submit(ctx, prompt("hi"), queue.WithMaxAttempts(0))
	assert.ErrorIs(t, err, queue.ErrInvalidOption)

	_, err = h.engine.Submit(ctx, prompt("hi"), queue.WithDelay(-time.Second))
	assert.ErrorIs(t, err, queue.ErrInvalidOption)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total(), "rejected submissions store nothing")
}

func TestSubmitStoresWaitingJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	})
	ctx := context.Background()

	receipt, err := h.engine.Submit(ctx, prompt("hi"))
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.JobID)
	assert.NotEmpty(t, receipt.ExternalID, "an external id is generated when none is given")

	job, err := h.store.Get(ctx, receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, queue.DefaultPriority(queue.TypeTextGeneration), job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)

	_, err = h.engine.Submit(ctx, prompt("again"), queue.WithExternalID(receipt.ExternalID))
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)

	_, err = h.engine.Status(ctx, "unknown")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestJobCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			logger.FromContext(ctx).Info("handler ran")
			return map[string]string{"text": "echo: " + p.Prompt}, nil
		})
	})
	h.start(t)

	receipt, err := h.engine.Submit(context.Background(), prompt("hello"), queue.WithExternalID("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", receipt.ExternalID)

	snap := h.waitForState(t, "req-1", queue.StateCompleted)
	assert.Equal(t, receipt.JobID, snap.JobID)
	assert.Equal(t, 1, snap.Attempts)
	assert.JSONEq(t, `{"text":"echo: hello"}`, string(snap.Result))
	assert.Empty(t, snap.FailureReason)
	require.NotNil(t, snap.ProcessedAt)
	require.NotNil(t, snap.FinishedAt)
	assert.False(t, snap.FinishedAt.Before(*snap.ProcessedAt))

	// polling a finished job is idempotent
	again, err := h.engine.Status(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, snap, again)

	entries := h.logs.EntriesWithMessage("handler ran")
	require.Len(t, entries, 1)
	assert.Equal(t, receipt.JobID, entries[0]["job_id"], "handlers log with job context")
}

func TestJobRetriesThenCompletes(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("upstream unavailable")
			}
			return "done", nil
		})
	})
	h.start(t)

	_, err := h.engine.Submit(context.Background(), prompt("retry me"), queue.WithExternalID("req-2"))
	require.NoError(t, err)

	snap := h.waitForState(t, "req-2", queue.StateCompleted)
	assert.Equal(t, 3, snap.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.JSONEq(t, `"done"`, string(snap.Result))
	assert.Len(t, h.logs.EntriesWithMessage("job attempt failed, retrying"), 2)
}

func TestJobFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	log, _ := logger.NewTestLogger(t)
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NewSlogLogger(log))
	t.Cleanup(func() { _ = pubsub.Close() })

	events, err := pubsub.Subscribe(context.Background(), queue.TerminalTopic("tasks"))
	require.NoError(t, err)

	var calls atomic.Int32
	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			calls.Add(1)
			return nil, errors.New("dial tcp 10.0.0.7:5432: connection refused")
		})
	}, queue.WithPublisher(pubsub))
	h.start(t)

	_, err = h.engine.Submit(context.Background(), prompt("doomed"),
		queue.WithExternalID("req-3"), queue.WithMaxAttempts(2))
	require.NoError(t, err)

	snap := h.waitForState(t, "req-3", queue.StateFailed)
	assert.Equal(t, 2, snap.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.NotContains(t, snap.FailureReason, "10.0.0.7", "failure reasons are redacted")
	assert.Contains(t, snap.FailureReason, "connection refused")
	assert.Nil(t, snap.Result)

	select {
	case msg := <-events:
		msg.Ack()
		ev, err := queue.DecodeEvent(msg)
		require.NoError(t, err)
		assert.Equal(t, queue.StateFailed, ev.State)
		assert.Equal(t, "req-3", ev.ExternalID)
		assert.Equal(t, snap.FailureReason, ev.FailureReason)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event published")
	}
}

func TestPermanentErrorsFailFastWithRetryTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			calls.Add(1)
			return nil, queue.Permanentf("prompt rejected by safety filter")
		})
	}, queue.WithRetryPredicate(queue.RetryTransient))
	h.start(t)

	_, err := h.engine.Submit(context.Background(), prompt("nope"), queue.WithExternalID("req-4"))
	require.NoError(t, err)

	snap := h.waitForState(t, "req-4", queue.StateFailed)
	assert.Equal(t, 1, snap.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "prompt rejected by safety filter", snap.FailureReason)
}

func TestPermanentErrorsRetryByDefault(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			calls.Add(1)
			return nil, queue.Permanentf("prompt rejected by safety filter")
		})
	})
	h.start(t)

	_, err := h.engine.Submit(context.Background(), prompt("nope"), queue.WithExternalID("req-5"))
	require.NoError(t, err)

	snap := h.waitForState(t, "req-5", queue.StateFailed)
	assert.Equal(t, 3, snap.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			panic("nil map write")
		})
	})
	h.start(t)

	_, err := h.engine.Submit(context.Background(), prompt("boom"),
		queue.WithExternalID("req-6"), queue.WithMaxAttempts(1))
	require.NoError(t, err)

	snap := h.waitForState(t, "req-6", queue.StateFailed)
	assert.Contains(t, snap.FailureReason, "handler panic: nil map write")

	entries := h.logs.EntriesWithMessage("handler panicked")
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0]["stack"])
}

func TestPriorityOrder(t *testing.T) {
	t.Parallel()

	cfg := testConfig("tasks")
	cfg.Concurrency = 1

	var (
		mu    sync.Mutex
		order []string
	)
	h := newHarness(t, cfg, func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			mu.Lock()
			order = append(order, p.Prompt)
			mu.Unlock()
			return nil, nil
		})
	})
	ctx := context.Background()

	// submitted before the engine starts so all are waiting at once
	for _, s := range []struct {
		name     string
		priority int
	}{
		{"bulk-1", 5},
		{"urgent-1", 0},
		{"bulk-2", 5},
		{"normal", 1},
		{"urgent-2", 0},
	} {
		_, err := h.engine.Submit(ctx, prompt(s.name), queue.WithPriority(s.priority), queue.WithExternalID(s.name))
		require.NoError(t, err)
	}

	h.start(t)
	h.waitForState(t, "bulk-2", queue.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent-1", "urgent-2", "normal", "bulk-1", "bulk-2"}, order)
}

func TestDelayedJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	})
	h.start(t)

	submitted := time.Now()
	_, err := h.engine.Submit(context.Background(), prompt("later"),
		queue.WithExternalID("req-7"), queue.WithDelay(150*time.Millisecond))
	require.NoError(t, err)

	snap := h.waitForState(t, "req-7", queue.StateCompleted)
	require.NotNil(t, snap.ProcessedAt)
	assert.GreaterOrEqual(t, snap.ProcessedAt.Sub(submitted), 150*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {})
	h.start(t)

	assert.ErrorIs(t, h.engine.Start(context.Background()), queue.ErrEngineStarted)

	h.engine.Stop()
	h.engine.Stop() // stopping twice is harmless
}

func TestStopWaitsForRunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			close(started)
			<-release
			return "finished", nil
		})
	})
	require.NoError(t, h.engine.Start(context.Background()))

	_, err := h.engine.Submit(context.Background(), prompt("slow"), queue.WithExternalID("req-8"))
	require.NoError(t, err)
	<-started

	stopped := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	snap, err := h.engine.Status(context.Background(), "req-8")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, snap.State)
}

// abandon claims a job the way a worker would, heartbeats once at lastSeen
// and then never reports back.
func abandon(t *testing.T, store queue.Store, queueName string, lastSeen time.Time) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := store.Claim(ctx, queueName, "dead-worker", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Heartbeat(ctx, job.ID, job.LockToken, lastSeen))
	job.HeartbeatAt = lastSeen
	return job
}

func TestRecoverStalledRequeues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return "ok", nil })
	})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, prompt("orphan"), queue.WithExternalID("req-9"))
	require.NoError(t, err)
	abandon(t, h.store, "tasks", time.Now().Add(-time.Minute))

	n, err := h.engine.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := h.engine.Status(ctx, "req-9")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, snap.State)
	assert.Len(t, h.logs.EntriesWithMessage("job stalled"), 1)

	// a second pass finds nothing
	n, err = h.engine.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.start(t)
	snap = h.waitForState(t, "req-9", queue.StateCompleted)
	assert.Equal(t, 2, snap.Attempts)
}

func TestCrashedWorkerJobIsReclaimed(t *testing.T) {
	t.Parallel()

	cfg := testConfig("tasks")
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.StallTimeout = 50 * time.Millisecond
	cfg.StallCheckInterval = 10 * time.Millisecond

	var calls atomic.Int32
	h := newHarness(t, cfg, func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			calls.Add(1)
			return "recovered", nil
		})
	})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, prompt("orphan"), queue.WithExternalID("req-16"))
	require.NoError(t, err)
	// the previous owner died right after claiming
	abandon(t, h.store, "tasks", time.Now())

	h.start(t)
	snap := h.waitForState(t, "req-16", queue.StateCompleted)
	assert.Equal(t, 2, snap.Attempts, "the dead worker's claim still counts")
	assert.JSONEq(t, `"recovered"`, string(snap.Result))
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, h.logs.EntriesWithMessage("stalled job requeued"), 1)
}

func TestRecoverStalledFailsExhaustedJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, prompt("orphan"), queue.WithExternalID("req-10"), queue.WithMaxAttempts(1))
	require.NoError(t, err)
	abandon(t, h.store, "tasks", time.Now().Add(-time.Minute))

	n, err := h.engine.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := h.engine.Status(ctx, "req-10")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, snap.State)
	assert.Equal(t, "job stalled more than allowable limit", snap.FailureReason)
}

func TestRecoverStalledResumesInterruptedRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, prompt("orphan"), queue.WithExternalID("req-11"))
	require.NoError(t, err)
	job := abandon(t, h.store, "tasks", time.Now().Add(-time.Minute))

	// a detector that crashed after the first step
	_, err = h.store.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateStalled, Token: job.LockToken, At: time.Now(),
	})
	require.NoError(t, err)

	n, err := h.engine.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := h.engine.Status(ctx, "req-11")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, snap.State)
}

func TestRecoverStalledSparesLiveJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	})
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, prompt("alive"), queue.WithExternalID("req-12"))
	require.NoError(t, err)
	abandon(t, h.store, "tasks", time.Now())

	n, err := h.engine.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	snap, err := h.engine.Status(ctx, "req-12")
	require.NoError(t, err)
	assert.Equal(t, queue.StateActive, snap.State)
}

func TestReclaimedJobOutcomeIsDiscarded(t *testing.T) {
	t.Parallel()

	// heartbeats are rare enough that the detector below sees a stale one
	cfg := testConfig("tasks")
	cfg.HeartbeatInterval = 2 * time.Second
	cfg.StallTimeout = 4 * time.Second

	var (
		calls   atomic.Int32
		started = make(chan struct{}, 2)
		release = make(chan struct{})
	)
	h := newHarness(t, cfg, func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			n := calls.Add(1)
			started <- struct{}{}
			if n == 1 {
				<-release
			}
			return fmt.Sprintf("attempt %d", n), nil
		})
	})
	h.start(t)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, prompt("slow"), queue.WithExternalID("req-13"))
	require.NoError(t, err)
	<-started

	// another process with a much shorter stall timeout
	detectorCfg := testConfig("tasks")
	detectorCfg.HeartbeatInterval = time.Millisecond
	detectorCfg.StallTimeout = 20 * time.Millisecond
	log, _ := logger.NewTestLogger(t)
	detector, err := queue.NewEngine(h.store, queue.NewRegistry(), detectorCfg, log)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	n, err := detector.RecoverStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the requeued job runs again on the free worker and completes
	<-started
	snap := h.waitForState(t, "req-13", queue.StateCompleted)
	assert.JSONEq(t, `"attempt 2"`, string(snap.Result))

	// the first worker finishes late and must not overwrite the outcome
	close(release)
	require.Eventually(t, func() bool {
		return len(h.logs.EntriesWithMessage("job reclaimed by another worker, discarding outcome")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	snap, err = h.engine.Status(ctx, "req-13")
	require.NoError(t, err)
	assert.JSONEq(t, `"attempt 2"`, string(snap.Result))
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()

	cfg := testConfig("tasks")
	cfg.Retention = queue.RetentionConfig{
		CompletedMaxAge: time.Hour,
		CompletedKeep:   2,
		FailedMaxAge:    time.Hour,
	}

	now := time.Now()
	h := newHarness(t, cfg, func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	}, queue.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	finish := func(to queue.State, at time.Time) {
		_, err := h.engine.Submit(ctx, prompt("x"))
		require.NoError(t, err)
		job, err := h.store.Claim(ctx, "tasks", "tok", now)
		require.NoError(t, err)
		_, err = h.store.Transition(ctx, job.ID, queue.Transition{
			From: queue.StateActive, To: to, Token: "tok", At: at,
		})
		require.NoError(t, err)
	}

	finish(queue.StateCompleted, now.Add(-2*time.Hour)) // too old
	finish(queue.StateCompleted, now.Add(-3*time.Minute))
	finish(queue.StateCompleted, now.Add(-2*time.Minute))
	finish(queue.StateCompleted, now.Add(-time.Minute))
	finish(queue.StateFailed, now.Add(-2*time.Hour)) // too old
	finish(queue.StateFailed, now.Add(-time.Minute))

	_, err := h.engine.Submit(ctx, prompt("pending"))
	require.NoError(t, err)

	n, err := h.engine.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "one too old plus one over the keep count, and one old failure")

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Waiting: 1, Completed: 2, Failed: 1}, stats)
}

func TestRetentionSchedule(t *testing.T) {
	t.Parallel()

	cfg := testConfig("tasks")
	cfg.Retention = queue.RetentionConfig{Schedule: "@every 1s", FailedMaxAge: time.Millisecond}

	h := newHarness(t, cfg, func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			return nil, errors.New("always")
		})
	})
	h.start(t)

	_, err := h.engine.Submit(context.Background(), prompt("x"), queue.WithExternalID("req-14"), queue.WithMaxAttempts(1))
	require.NoError(t, err)
	h.waitForState(t, "req-14", queue.StateFailed)

	require.Eventually(t, func() bool {
		_, err := h.engine.Status(context.Background(), "req-14")
		return errors.Is(err, queue.ErrJobNotFound)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEnginesShareStore(t *testing.T) {
	t.Parallel()

	const jobs = 60

	log, _ := logger.NewTestLogger(t)
	store := queue.NewMemoryStore()

	var (
		mu   sync.Mutex
		runs = make(map[string]int)
	)
	registry := queue.NewRegistry()
	queue.Register(registry, func(ctx context.Context, p queue.TextGeneration) (any, error) {
		mu.Lock()
		runs[p.Prompt]++
		mu.Unlock()
		return nil, nil
	})

	var engines []*queue.Engine
	for node := int64(0); node < 3; node++ {
		cfg := testConfig("tasks")
		cfg.NodeID = node
		cfg.Concurrency = 4
		e, err := queue.NewEngine(store, registry, cfg, log)
		require.NoError(t, err)
		require.NoError(t, e.Start(context.Background()))
		t.Cleanup(e.Stop)
		engines = append(engines, e)
	}

	for i := 0; i < jobs; i++ {
		_, err := engines[i%len(engines)].Submit(context.Background(), prompt(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := engines[0].Stats(context.Background())
		return err == nil && stats.Completed == jobs
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, jobs)
	for name, n := range runs {
		assert.Equal(t, 1, n, "%s ran more than once", name)
	}
}

func TestUndecodablePayloadFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })
	}, queue.WithRetryPredicate(queue.RetryTransient))
	ctx := context.Background()

	// written by an older release with a different schema
	require.NoError(t, h.store.Insert(ctx, &queue.Job{
		ID:          "legacy-1",
		Queue:       "tasks",
		ExternalID:  "req-15",
		Type:        queue.TypeTextGeneration,
		Payload:     json.RawMessage(`{"text":"missing prompt field"}`),
		State:       queue.StateWaiting,
		MaxAttempts: 3,
		RunAt:       time.Now(),
		CreatedAt:   time.Now(),
	}))

	h.start(t)
	snap := h.waitForState(t, "req-15", queue.StateFailed)
	assert.Equal(t, 1, snap.Attempts)
	assert.Contains(t, snap.FailureReason, "invalid job payload")
}

// flakyStore fails the first failures transitions with a connection error.
type flakyStore struct {
	*queue.MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) Transition(ctx context.Context, id string, t queue.Transition) (*queue.Job, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemoryStore.Transition(ctx, id, t)
}

func TestStoreErrorsOnTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int32
		retries  uint64
		want     queue.State
	}{
		{name: "recovers within the retry budget", failures: 2, retries: 5, want: queue.StateCompleted},
		{name: "outage outlasts the retries", failures: 1000, retries: 2, want: queue.StateActive},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			log, logs := logger.NewTestLogger(t)
			store := &flakyStore{MemoryStore: queue.NewMemoryStore()}
			store.failures.Store(tc.failures)

			var calls atomic.Int32
			registry := queue.NewRegistry()
			queue.Register(registry, func(ctx context.Context, p queue.TextGeneration) (any, error) {
				calls.Add(1)
				return "ok", nil
			})

			engine, err := queue.NewEngine(store, registry, testConfig("tasks"), log,
				queue.WithStoreBackoff(func() retry.Backoff {
					return retry.WithMaxRetries(tc.retries, retry.NewConstant(time.Millisecond))
				}))
			require.NoError(t, err)
			require.NoError(t, engine.Start(context.Background()))
			t.Cleanup(engine.Stop)

			_, err = engine.Submit(context.Background(), prompt("hi"), queue.WithExternalID("req-flaky"))
			require.NoError(t, err)

			if tc.want == queue.StateActive {
				require.Eventually(t, func() bool {
					return len(logs.EntriesWithMessage("failed to record job outcome, leaving job for stall recovery")) > 0
				}, 5*time.Second, 5*time.Millisecond)
			}
			require.Eventually(t, func() bool {
				snap, err := engine.Status(context.Background(), "req-flaky")
				return err == nil && snap.State == tc.want
			}, 5*time.Second, 5*time.Millisecond)

			assert.Equal(t, int32(1), calls.Load(), "a store error never reruns the handler")
		})
	}
}

func TestRetryWaitsForBackoff(t *testing.T) {
	t.Parallel()

	cfg := testConfig("tasks")
	cfg.BaseDelay = 100 * time.Millisecond

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	h := newHarness(t, cfg, func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			mu.Lock()
			calls = append(calls, time.Now())
			n := len(calls)
			mu.Unlock()
			if n == 1 {
				return nil, errors.New("rate limited")
			}
			return "done", nil
		})
	})
	h.start(t)

	_, err := h.engine.Submit(context.Background(), prompt("slow down"),
		queue.WithExternalID("req-17"), queue.WithMaxAttempts(2))
	require.NoError(t, err)

	snap := h.waitForState(t, "req-17", queue.StateCompleted)
	assert.Equal(t, 2, snap.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), cfg.BaseDelay,
		"the second attempt must not start before the backoff delay")
}

func TestStatsAccountForEveryJobInFlight(t *testing.T) {
	t.Parallel()

	const jobs = 10

	release := make(chan struct{})
	h := newHarness(t, testConfig("tasks"), func(r *queue.Registry) {
		queue.Register(r, func(ctx context.Context, p queue.TextGeneration) (any, error) {
			<-release
			return "ok", nil
		})
	})
	ctx := context.Background()

	for i := 0; i < jobs; i++ {
		_, err := h.engine.Submit(ctx, prompt(fmt.Sprintf("job %d", i)), queue.WithExternalID(fmt.Sprintf("req-e-%d", i)))
		require.NoError(t, err)
	}
	h.start(t)

	require.Eventually(t, func() bool {
		stats, err := h.engine.Stats(ctx)
		return err == nil && stats.Active == 2
	}, 5*time.Second, 5*time.Millisecond, "both workers should be busy")

	// read the counts while jobs move from waiting through active to completed
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 25; k++ {
				stats, err := h.engine.Stats(ctx)
				if assert.NoError(t, err) {
					assert.Equal(t, int64(jobs), stats.Total())
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	close(release)
	wg.Wait()

	require.Eventually(t, func() bool {
		stats, err := h.engine.Stats(ctx)
		return err == nil && stats.Completed == jobs
	}, 5*time.Second, 5*time.Millisecond)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(jobs), stats.Total())
}

// clashingStore reports the first clashes inserts as id conflicts.
type clashingStore struct {
	*queue.MemoryStore
	clashes atomic.Int32
	ids     []string
}

func (s *clashingStore) Insert(ctx context.Context, job *queue.Job) error {
	s.ids = append(s.ids, job.ID)
	if s.clashes.Add(-1) >= 0 {
		return fmt.Errorf("%w: %s", queue.ErrJobIDConflict, job.ID)
	}
	return s.MemoryStore.Insert(ctx, job)
}

func TestSubmitDrawsNewIDOnConflict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		clashes int32
		wantErr bool
	}{
		{name: "one clash", clashes: 1},
		{name: "persistent clashes", clashes: 100, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			log, logs := logger.NewTestLogger(t)
			store := &clashingStore{MemoryStore: queue.NewMemoryStore()}
			store.clashes.Store(tc.clashes)
			registry := queue.NewRegistry()
			queue.Register(registry, func(ctx context.Context, p queue.TextGeneration) (any, error) { return nil, nil })

			engine, err := queue.NewEngine(store, registry, testConfig("tasks"), log)
			require.NoError(t, err)

			receipt, err := engine.Submit(context.Background(), prompt("hi"), queue.WithExternalID("req-id"))
			if tc.wantErr {
				assert.ErrorIs(t, err, queue.ErrJobIDConflict)
				assert.NotErrorIs(t, err, queue.ErrDuplicateJob)
				assert.Len(t, store.ids, 3)
				return
			}

			require.NoError(t, err)
			require.Len(t, store.ids, 2)
			assert.NotEqual(t, store.ids[0], store.ids[1])
			assert.Equal(t, store.ids[1], receipt.JobID)
			assert.Len(t, logs.EntriesWithMessage("generated job id already in use, is node_id unique per process?"), 1)
		})
	}
}
