// Package redisstore implements queue.Store on Redis.
//
// Each job is a hash under <prefix>:job:<id>. Per-queue sorted sets index
// the jobs by state: delayed (scored by run time), waiting (scored by
// rank), active and stalled (scored by heartbeat), completed and failed
// (scored by finish time). A per-queue hash maps external ids to job ids.
//
// A job's rank is its priority in the high bits and its submission
// sequence number in the low 32 bits, so the lowest waiting score is the
// next job to run. Every multi-key change runs in a Lua script and is
// atomic.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/genqueue/internal/queue"
)

// DefaultPrefix namespaces keys when Config.Prefix is empty.
const DefaultPrefix = "genqueue"

// Store implements queue.Store on a Redis client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ queue.Store = (*Store)(nil)

// New creates a Store on rdb with keys under prefix.
func New(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With("component", "redisstore", "prefix", prefix),
	}
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) jobKey(id string) string {
	return s.prefix + ":job:" + id
}

func (s *Store) extKey(queueName string) string {
	return s.prefix + ":ext:" + queueName
}

func (s *Store) setKey(name, queueName string) string {
	return s.prefix + ":" + name + ":" + queueName
}

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// rank orders waiting jobs by priority, then by submission.
func rank(priority int, seq int64) string {
	return strconv.FormatUint(uint64(priority)<<32|uint64(seq)&0xFFFFFFFF, 10)
}

func decodeJob(h map[string]string) (*queue.Job, error) {
	if h["id"] == "" {
		return nil, queue.ErrJobNotFound
	}
	atoi := func(field string) (int, error) {
		n, err := strconv.Atoi(h[field])
		if err != nil {
			return 0, fmt.Errorf("corrupt job %s: field %s: %w", h["id"], field, err)
		}
		return n, nil
	}

	job := &queue.Job{
		ID:            h["id"],
		Queue:         h["queue"],
		ExternalID:    h["external_id"],
		Type:          queue.JobType(h["type"]),
		Payload:       []byte(h["payload"]),
		State:         queue.State(h["state"]),
		FailureReason: h["failure_reason"],
		LockToken:     h["lock_token"],
		RunAt:         parseMillis(h["run_at"]),
		HeartbeatAt:   parseMillis(h["heartbeat_at"]),
		CreatedAt:     parseMillis(h["created_at"]),
		ProcessedAt:   parseMillis(h["processed_at"]),
		FinishedAt:    parseMillis(h["finished_at"]),
	}
	if r := h["result"]; r != "" {
		job.Result = []byte(r)
	}

	var err error
	if job.Priority, err = atoi("priority"); err != nil {
		return nil, err
	}
	if job.Attempts, err = atoi("attempts"); err != nil {
		return nil, err
	}
	if job.MaxAttempts, err = atoi("max_attempts"); err != nil {
		return nil, err
	}
	return job, nil
}

// pairsToMap turns a flat HGETALL style reply into a map.
func pairsToMap(vals []any) map[string]string {
	h := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		k, _ := vals[i].(string)
		v, _ := vals[i+1].(string)
		h[k] = v
	}
	return h
}

// Insert implements queue.Store.
func (s *Store) Insert(ctx context.Context, job *queue.Job) error {
	seq, err := s.rdb.Incr(ctx, s.prefix+":seq").Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	args := []any{
		s.prefix, job.ID, job.Queue, job.ExternalID, millis(job.RunAt),
		"id", job.ID,
		"queue", job.Queue,
		"external_id", job.ExternalID,
		"type", string(job.Type),
		"payload", string(job.Payload),
		"priority", strconv.Itoa(job.Priority),
		"state", string(job.State),
		"attempts", strconv.Itoa(job.Attempts),
		"max_attempts", strconv.Itoa(job.MaxAttempts),
		"result", string(job.Result),
		"failure_reason", job.FailureReason,
		"run_at", millis(job.RunAt),
		"heartbeat_at", millis(job.HeartbeatAt),
		"lock_token", job.LockToken,
		"created_at", millis(job.CreatedAt),
		"processed_at", millis(job.ProcessedAt),
		"finished_at", millis(job.FinishedAt),
		"rank", rank(job.Priority, seq),
	}

	ok, err := insertScript.Run(ctx, s.rdb, nil, args...).Int()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to insert job",
			"job_id", job.ID,
			"job_type", job.Type,
			"error", err)
		return fmt.Errorf("failed to insert job: %w", err)
	}
	switch ok {
	case 0:
		return fmt.Errorf("%w: external id %q in queue %q", queue.ErrDuplicateJob, job.ExternalID, job.Queue)
	case -1:
		return fmt.Errorf("%w: %s", queue.ErrJobIDConflict, job.ID)
	}
	return nil
}

// Get implements queue.Store.
func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	h, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job, err := decodeJob(h)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return job, err
}

// GetByExternalID implements queue.Store.
func (s *Store) GetByExternalID(ctx context.Context, queueName, externalID string) (*queue.Job, error) {
	id, err := s.rdb.HGet(ctx, s.extKey(queueName), externalID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: external id %s", queue.ErrJobNotFound, externalID)
		}
		return nil, fmt.Errorf("failed to resolve external id: %w", err)
	}
	return s.Get(ctx, id)
}

// Claim implements queue.Store.
func (s *Store) Claim(ctx context.Context, queueName, token string, now time.Time) (*queue.Job, error) {
	vals, err := claimScript.Run(ctx, s.rdb, nil, s.prefix, queueName, token, millis(now)).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrNoJob
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return decodeJob(pairsToMap(vals))
}

// Heartbeat implements queue.Store.
func (s *Store) Heartbeat(ctx context.Context, id, token string, at time.Time) error {
	ok, err := heartbeatScript.Run(ctx, s.rdb, nil, s.prefix, id, token, millis(at)).Int()
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: job %s", queue.ErrLockLost, id)
	}
	return nil
}

// Transition implements queue.Store.
func (s *Store) Transition(ctx context.Context, id string, t queue.Transition) (*queue.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	runAt := t.RunAt
	if runAt.IsZero() {
		runAt = t.At
	}

	vals, err := transitionScript.Run(ctx, s.rdb, nil,
		s.prefix, id, string(t.From), string(t.To), t.Token, millis(t.StaleBefore),
		string(t.Result), t.FailureReason, millis(runAt), millis(t.At),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("failed to transition job: empty reply")
	}

	status, _ := vals[0].(string)
	switch status {
	case "ok":
		return decodeJob(pairsToMap(vals[1:]))
	case "notfound":
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	case "lock":
		return nil, fmt.Errorf("%w: job %s", queue.ErrLockLost, id)
	case "conflict":
		current, err := decodeJob(pairsToMap(vals[1:]))
		if err != nil {
			return nil, err
		}
		if current.State != t.From {
			return nil, fmt.Errorf("%w: job %s is %s, expected %s", queue.ErrStateConflict, id, current.State, t.From)
		}
		return nil, fmt.Errorf("%w: job %s heartbeat is recent", queue.ErrStateConflict, id)
	}
	return nil, fmt.Errorf("failed to transition job: unexpected status %q", status)
}

// getMany loads jobs by id in one round trip, skipping ids whose hash is gone.
func (s *Store) getMany(ctx context.Context, ids []string) ([]*queue.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(ids))
	for _, cmd := range cmds {
		job, err := decodeJob(cmd.Val())
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListStalled implements queue.Store.
func (s *Store) ListStalled(ctx context.Context, queueName string, deadline time.Time) ([]*queue.Job, error) {
	var active, stalled *redis.StringSliceCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		active = pipe.ZRangeByScore(ctx, s.setKey("active", queueName), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + millis(deadline),
		})
		stalled = pipe.ZRange(ctx, s.setKey("stalled", queueName), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}

	jobs, err := s.getMany(ctx, append(active.Val(), stalled.Val()...))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].HeartbeatAt.Before(jobs[k].HeartbeatAt) })
	return jobs, nil
}

// CountByState implements queue.Store.
func (s *Store) CountByState(ctx context.Context, queueName string) (queue.Stats, error) {
	sets := map[string]queue.State{
		"delayed":   queue.StateWaiting,
		"waiting":   queue.StateWaiting,
		"active":    queue.StateActive,
		"stalled":   queue.StateStalled,
		"completed": queue.StateCompleted,
		"failed":    queue.StateFailed,
	}

	cmds := make(map[string]*redis.IntCmd, len(sets))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for name := range sets {
			cmds[name] = pipe.ZCard(ctx, s.setKey(name, queueName))
		}
		return nil
	})
	if err != nil {
		return queue.Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	var stats queue.Stats
	for name, state := range sets {
		stats.Add(state, cmds[name].Val())
	}
	return stats, nil
}

// Purge implements queue.Store.
func (s *Store) Purge(ctx context.Context, queueName string, rule queue.PurgeRule) (int, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	if rule.Before.IsZero() && rule.KeepLatest == 0 {
		return 0, nil
	}

	n, err := purgeScript.Run(ctx, s.rdb, nil,
		s.prefix, queueName, string(rule.State), millis(rule.Before), strconv.Itoa(rule.KeepLatest),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return n, nil
}
