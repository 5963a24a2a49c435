// Package queuetest holds the behavioural contract every queue.Store must
// satisfy, as a reusable test suite.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/genqueue/internal/queue"
)

// NewStoreFunc returns an empty store. It is called once per subtest.
type NewStoreFunc func(t *testing.T) queue.Store

// RunStoreSuite runs the store contract against stores built by newStore.
func RunStoreSuite(t *testing.T, newStore NewStoreFunc) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s queue.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"DuplicateExternalID", testDuplicateExternalID},
		{"DuplicateID", testDuplicateID},
		{"NotFound", testNotFound},
		{"ClaimOrder", testClaimOrder},
		{"ClaimRespectsRunAt", testClaimRespectsRunAt},
		{"ClaimStampsProcessedOnce", testClaimStampsProcessedOnce},
		{"Heartbeat", testHeartbeat},
		{"TransitionCompareAndSet", testTransitionCompareAndSet},
		{"TransitionTargets", testTransitionTargets},
		{"StallTransitionNeedsStaleHeartbeat", testStallTransitionNeedsStaleHeartbeat},
		{"ListStalled", testListStalled},
		{"CountByState", testCountByState},
		{"Purge", testPurge},
		{"ConcurrentClaims", testConcurrentClaims},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// baseTime is millisecond aligned so stores with coarser clocks round-trip it.
var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a waiting job ready for Insert.
func NewJob(queueName string, priority int) *queue.Job {
	id := uuid.NewString()
	return &queue.Job{
		ID:          id,
		Queue:       queueName,
		ExternalID:  "ext-" + id,
		Type:        queue.TypeTextGeneration,
		Payload:     json.RawMessage(`{"userId":"u1","prompt":"hello"}`),
		Priority:    priority,
		State:       queue.StateWaiting,
		MaxAttempts: 3,
		RunAt:       baseTime,
		CreatedAt:   baseTime,
	}
}

func insert(t *testing.T, s queue.Store, job *queue.Job) *queue.Job {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), job))
	return job
}

func claim(t *testing.T, s queue.Store, queueName, token string) *queue.Job {
	t.Helper()
	job, err := s.Claim(context.Background(), queueName, token, baseTime)
	require.NoError(t, err)
	return job
}

func testInsertAndGet(t *testing.T, s queue.Store) {
	ctx := context.Background()
	job := insert(t, s, NewJob("tasks", 3))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Queue, got.Queue)
	assert.Equal(t, job.ExternalID, got.ExternalID)
	assert.Equal(t, job.Type, got.Type)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Nil(t, got.Result)
	assert.True(t, got.CreatedAt.Equal(baseTime), "created at %v", got.CreatedAt)
	assert.True(t, got.ProcessedAt.IsZero())
	assert.True(t, got.FinishedAt.IsZero())

	byExt, err := s.GetByExternalID(ctx, "tasks", job.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, byExt.ID)
}

func testDuplicateExternalID(t *testing.T, s queue.Store) {
	ctx := context.Background()
	first := insert(t, s, NewJob("tasks", 1))

	dup := NewJob("tasks", 1)
	dup.ExternalID = first.ExternalID
	assert.ErrorIs(t, s.Insert(ctx, dup), queue.ErrDuplicateJob)

	other := NewJob("notifications", 1)
	other.ExternalID = first.ExternalID
	assert.NoError(t, s.Insert(ctx, other), "external ids are scoped per queue")
}

func testDuplicateID(t *testing.T, s queue.Store) {
	ctx := context.Background()
	first := insert(t, s, NewJob("tasks", 1))

	clash := NewJob("tasks", 1)
	clash.ID = first.ID
	err := s.Insert(ctx, clash)
	assert.ErrorIs(t, err, queue.ErrJobIDConflict)
	assert.NotErrorIs(t, err, queue.ErrDuplicateJob, "an id clash is not a duplicate submission")

	_, err = s.GetByExternalID(ctx, "tasks", clash.ExternalID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound, "nothing is stored for the clashing job")
}

func testNotFound(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	_, err = s.GetByExternalID(ctx, "tasks", "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	_, err = s.Transition(ctx, "missing", queue.Transition{
		From: queue.StateStalled, To: queue.StateWaiting, At: baseTime,
	})
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func testClaimOrder(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := s.Claim(ctx, "tasks", "t0", baseTime)
	assert.ErrorIs(t, err, queue.ErrNoJob)

	low1 := insert(t, s, NewJob("tasks", 5))
	high1 := insert(t, s, NewJob("tasks", 1))
	low2 := insert(t, s, NewJob("tasks", 5))
	high2 := insert(t, s, NewJob("tasks", 1))
	insert(t, s, NewJob("other", 0))

	var order []string
	for i := 0; i < 4; i++ {
		job := claim(t, s, "tasks", fmt.Sprintf("t%d", i))
		assert.Equal(t, queue.StateActive, job.State)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, fmt.Sprintf("t%d", i), job.LockToken)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high1.ID, high2.ID, low1.ID, low2.ID}, order)

	_, err = s.Claim(ctx, "tasks", "t9", baseTime)
	assert.ErrorIs(t, err, queue.ErrNoJob, "jobs of other queues are never claimed")
}

func testClaimRespectsRunAt(t *testing.T, s queue.Store) {
	ctx := context.Background()

	later := NewJob("tasks", 0)
	later.RunAt = baseTime.Add(time.Minute)
	insert(t, s, later)

	_, err := s.Claim(ctx, "tasks", "t1", baseTime)
	assert.ErrorIs(t, err, queue.ErrNoJob)

	job, err := s.Claim(ctx, "tasks", "t1", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, later.ID, job.ID)
}

func testClaimStampsProcessedOnce(t *testing.T, s queue.Store) {
	ctx := context.Background()
	job := insert(t, s, NewJob("tasks", 0))

	first := claim(t, s, "tasks", "t1")
	assert.True(t, first.ProcessedAt.Equal(baseTime))
	assert.True(t, first.HeartbeatAt.Equal(baseTime))

	_, err := s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateWaiting, Token: "t1",
		FailureReason: "boom", At: baseTime,
	})
	require.NoError(t, err)

	second, err := s.Claim(ctx, "tasks", "t2", baseTime.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, job.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.True(t, second.ProcessedAt.Equal(baseTime), "processed at is kept across attempts")
	assert.True(t, second.HeartbeatAt.Equal(baseTime.Add(time.Second)))
}

func testHeartbeat(t *testing.T, s queue.Store) {
	ctx := context.Background()
	job := insert(t, s, NewJob("tasks", 0))
	claim(t, s, "tasks", "owner")

	at := baseTime.Add(10 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, job.ID, "owner", at))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.HeartbeatAt.Equal(at))

	assert.ErrorIs(t, s.Heartbeat(ctx, job.ID, "intruder", at), queue.ErrLockLost)
}

func testTransitionCompareAndSet(t *testing.T, s queue.Store) {
	ctx := context.Background()
	job := insert(t, s, NewJob("tasks", 0))

	_, err := s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateWaiting, To: queue.StateCompleted, At: baseTime,
	})
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	claim(t, s, "tasks", "owner")

	_, err = s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateCompleted, Token: "stale", At: baseTime,
	})
	assert.ErrorIs(t, err, queue.ErrLockLost)

	_, err = s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateStalled, To: queue.StateWaiting, At: baseTime,
	})
	assert.ErrorIs(t, err, queue.ErrStateConflict)

	done, err := s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateCompleted, Token: "owner",
		Result: json.RawMessage(`{"text":"hi"}`), At: baseTime.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, done.State)

	// a terminal job never moves again
	_, err = s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateFailed, Token: "owner", At: baseTime,
	})
	assert.ErrorIs(t, err, queue.ErrLockLost)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, got.State)
}

func testTransitionTargets(t *testing.T, s queue.Store) {
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		job := insert(t, s, NewJob("targets-completed", 0))
		claim(t, s, "targets-completed", "tok")

		got, err := s.Transition(ctx, job.ID, queue.Transition{
			From: queue.StateActive, To: queue.StateCompleted, Token: "tok",
			Result: json.RawMessage(`{"text":"hi"}`), At: baseTime.Add(time.Second),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"hi"}`, string(got.Result))
		assert.Empty(t, got.LockToken)
		assert.Empty(t, got.FailureReason)
		assert.True(t, got.FinishedAt.Equal(baseTime.Add(time.Second)))
	})

	t.Run("retry", func(t *testing.T) {
		job := insert(t, s, NewJob("targets-retry", 0))
		claim(t, s, "targets-retry", "tok")

		runAt := baseTime.Add(4 * time.Second)
		got, err := s.Transition(ctx, job.ID, queue.Transition{
			From: queue.StateActive, To: queue.StateWaiting, Token: "tok",
			FailureReason: "rate limited", RunAt: runAt, At: baseTime,
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaiting, got.State)
		assert.Equal(t, "rate limited", got.FailureReason)
		assert.True(t, got.RunAt.Equal(runAt))
		assert.True(t, got.FinishedAt.IsZero())
	})

	t.Run("failed", func(t *testing.T) {
		job := insert(t, s, NewJob("targets-failed", 0))
		claim(t, s, "targets-failed", "tok")

		got, err := s.Transition(ctx, job.ID, queue.Transition{
			From: queue.StateActive, To: queue.StateFailed, Token: "tok",
			FailureReason: "gave up", At: baseTime.Add(time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateFailed, got.State)
		assert.Equal(t, "gave up", got.FailureReason)
		assert.True(t, got.FinishedAt.Equal(baseTime.Add(time.Second)))
	})

	t.Run("stalled then requeued", func(t *testing.T) {
		job := insert(t, s, NewJob("targets-stalled", 0))
		claim(t, s, "targets-stalled", "tok")

		got, err := s.Transition(ctx, job.ID, queue.Transition{
			From: queue.StateActive, To: queue.StateStalled, Token: "tok", At: baseTime,
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateStalled, got.State)
		assert.Empty(t, got.LockToken)

		got, err = s.Transition(ctx, job.ID, queue.Transition{
			From: queue.StateStalled, To: queue.StateWaiting, At: baseTime.Add(time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StateWaiting, got.State)
		assert.True(t, got.RunAt.Equal(baseTime.Add(time.Second)), "zero RunAt means immediately")
	})
}

func testStallTransitionNeedsStaleHeartbeat(t *testing.T, s queue.Store) {
	ctx := context.Background()
	job := insert(t, s, NewJob("tasks", 0))
	claim(t, s, "tasks", "tok")

	// heartbeat at baseTime is not older than baseTime
	_, err := s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateStalled, Token: "tok",
		StaleBefore: baseTime, At: baseTime,
	})
	assert.ErrorIs(t, err, queue.ErrStateConflict)

	got, err := s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateStalled, Token: "tok",
		StaleBefore: baseTime.Add(time.Second), At: baseTime.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StateStalled, got.State)
}

func testListStalled(t *testing.T, s queue.Store) {
	ctx := context.Background()

	stale := insert(t, s, NewJob("tasks", 0))
	claim(t, s, "tasks", "a")

	fresh := insert(t, s, NewJob("tasks", 0))
	claim(t, s, "tasks", "b")
	require.NoError(t, s.Heartbeat(ctx, fresh.ID, "b", baseTime.Add(time.Minute)))

	interrupted := insert(t, s, NewJob("tasks", 0))
	claim(t, s, "tasks", "c")
	_, err := s.Transition(ctx, interrupted.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateStalled, Token: "c", At: baseTime,
	})
	require.NoError(t, err)

	insert(t, s, NewJob("tasks", 0)) // waiting jobs are never stalled

	jobs, err := s.ListStalled(ctx, "tasks", baseTime.Add(30*time.Second))
	require.NoError(t, err)

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{stale.ID, interrupted.ID}, ids)

	other, err := s.ListStalled(ctx, "other", baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testCountByState(t *testing.T, s queue.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		insert(t, s, NewJob("tasks", 0))
	}
	insert(t, s, NewJob("other", 0))

	job := claim(t, s, "tasks", "tok")
	_, err := s.Transition(ctx, job.ID, queue.Transition{
		From: queue.StateActive, To: queue.StateCompleted, Token: "tok", At: baseTime,
	})
	require.NoError(t, err)
	claim(t, s, "tasks", "tok2")

	stats, err := s.CountByState(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Waiting: 1, Active: 1, Completed: 1}, stats)
	assert.Equal(t, int64(3), stats.Total())
}

// finish claims and completes or fails every waiting job in queueName, one
// second apart starting at start.
func finish(t *testing.T, s queue.Store, queueName string, to queue.State, n int, start time.Time) []*queue.Job {
	t.Helper()
	ctx := context.Background()

	var jobs []*queue.Job
	for i := 0; i < n; i++ {
		insert(t, s, NewJob(queueName, 0))
		token := uuid.NewString()
		job := claim(t, s, queueName, token)
		done, err := s.Transition(ctx, job.ID, queue.Transition{
			From: queue.StateActive, To: to, Token: token,
			FailureReason: "x", At: start.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		jobs = append(jobs, done)
	}
	return jobs
}

func testPurge(t *testing.T, s queue.Store) {
	ctx := context.Background()

	_, err := s.Purge(ctx, "tasks", queue.PurgeRule{State: queue.StateWaiting, KeepLatest: 1})
	assert.Error(t, err, "non-terminal states cannot be purged")

	completed := finish(t, s, "tasks", queue.StateCompleted, 5, baseTime)
	failed := finish(t, s, "tasks", queue.StateFailed, 2, baseTime)
	pending := insert(t, s, NewJob("tasks", 0))

	// keep the three most recent completed jobs
	n, err := s.Purge(ctx, "tasks", queue.PurgeRule{State: queue.StateCompleted, KeepLatest: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, j := range completed[:2] {
		_, err := s.Get(ctx, j.ID)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	}

	// age bound removes failed jobs finished before baseTime+1s
	n, err = s.Purge(ctx, "tasks", queue.PurgeRule{State: queue.StateFailed, Before: baseTime.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, failed[1].ID)
	assert.NoError(t, err)

	// an empty rule removes nothing
	n, err = s.Purge(ctx, "tasks", queue.PurgeRule{State: queue.StateCompleted})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Get(ctx, pending.ID)
	assert.NoError(t, err, "waiting jobs are untouched")

	// a purged external id may be submitted again
	reuse := NewJob("tasks", 0)
	reuse.ExternalID = completed[0].ExternalID
	assert.NoError(t, s.Insert(ctx, reuse))
}

func testConcurrentClaims(t *testing.T, s queue.Store) {
	const (
		jobs    = 40
		workers = 8
	)
	ctx := context.Background()
	for i := 0; i < jobs; i++ {
		insert(t, s, NewJob("tasks", i%3))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, err := s.Claim(ctx, "tasks", fmt.Sprintf("w%d", w), baseTime)
				if err != nil {
					assert.ErrorIs(t, err, queue.ErrNoJob)
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}
