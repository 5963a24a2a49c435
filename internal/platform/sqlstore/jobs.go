package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/genqueue/internal/queue"
)

const jobColumns = `id, queue, external_id, type, payload, priority, state, attempts,
	max_attempts, result, failure_reason, run_at, heartbeat_at, lock_token,
	created_at, processed_at, finished_at`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var (
		job                                        queue.Job
		payload, result                            []byte
		state, jobType                             string
		runAt, heartbeatAt, createdAt, processedAt int64
		finishedAt                                 int64
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.ExternalID, &jobType, &payload, &job.Priority,
		&state, &job.Attempts, &job.MaxAttempts, &result, &job.FailureReason,
		&runAt, &heartbeatAt, &job.LockToken, &createdAt, &processedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = queue.JobType(jobType)
	job.State = queue.State(state)
	job.Payload = payload
	if len(result) > 0 {
		job.Result = result
	}
	job.RunAt = fromMillis(runAt)
	job.HeartbeatAt = fromMillis(heartbeatAt)
	job.CreatedAt = fromMillis(createdAt)
	job.ProcessedAt = fromMillis(processedAt)
	job.FinishedAt = fromMillis(finishedAt)
	return &job, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Insert implements queue.Store.
func (s *Store) Insert(ctx context.Context, job *queue.Job) error {
	query := s.rebind(`
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Queue, job.ExternalID, string(job.Type), string(job.Payload), job.Priority,
		string(job.State), job.Attempts, job.MaxAttempts, nullJSON(job.Result), job.FailureReason,
		toMillis(job.RunAt), toMillis(job.HeartbeatAt), job.LockToken,
		toMillis(job.CreatedAt), toMillis(job.ProcessedAt), toMillis(job.FinishedAt),
	)
	if err != nil {
		if isIDConflict(err) {
			return fmt.Errorf("%w: %s", queue.ErrJobIDConflict, job.ID)
		}
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: external id %q in queue %q", queue.ErrDuplicateJob, job.ExternalID, job.Queue)
		}
		s.logger.ErrorContext(ctx, "failed to insert job",
			"job_id", job.ID,
			"job_type", job.Type,
			"error", err)
		return fmt.Errorf("failed to insert job: %w", MapError(err))
	}
	return nil
}

// Get implements queue.Store.
func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetByExternalID implements queue.Store.
func (s *Store) GetByExternalID(ctx context.Context, queueName, externalID string) (*queue.Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE queue = ? AND external_id = ?`)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, queueName, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: external id %s", queue.ErrJobNotFound, externalID)
		}
		return nil, fmt.Errorf("failed to get job by external id: %w", err)
	}
	return job, nil
}

// Claim implements queue.Store.
func (s *Store) Claim(ctx context.Context, queueName, token string, now time.Time) (*queue.Job, error) {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := s.rebind(`
		UPDATE jobs
		SET state = 'active',
			attempts = attempts + 1,
			lock_token = ?,
			heartbeat_at = ?,
			processed_at = CASE WHEN processed_at = 0 THEN ? ELSE processed_at END
		WHERE seq = (
			SELECT seq FROM jobs
			WHERE queue = ? AND state = 'waiting' AND run_at <= ?
			ORDER BY priority, seq
			LIMIT 1` + lock + `
		) AND state = 'waiting'
		RETURNING ` + jobColumns)

	at := toMillis(now)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, token, at, at, queueName, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJob
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Heartbeat implements queue.Store.
func (s *Store) Heartbeat(ctx context.Context, id, token string, at time.Time) error {
	query := s.rebind(`
		UPDATE jobs SET heartbeat_at = ?
		WHERE id = ? AND state = 'active' AND lock_token = ?`)

	res, err := s.db.ExecContext(ctx, query, toMillis(at), id, token)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", queue.ErrLockLost, id)
	}
	return nil
}

// Transition implements queue.Store. The conditions of t become the WHERE
// clause of a single UPDATE; when it matches nothing the current row is
// read back to report why.
func (s *Store) Transition(ctx context.Context, id string, t queue.Transition) (*queue.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	set := []string{"state = ?", "lock_token = ''"}
	setArgs := []any{string(t.To)}

	switch t.To {
	case queue.StateCompleted:
		set = append(set, "result = ?", "failure_reason = ''", "finished_at = ?")
		setArgs = append(setArgs, nullJSON(t.Result), toMillis(t.At))
	case queue.StateFailed:
		set = append(set, "failure_reason = ?", "finished_at = ?")
		setArgs = append(setArgs, t.FailureReason, toMillis(t.At))
	case queue.StateWaiting:
		runAt := t.RunAt
		if runAt.IsZero() {
			runAt = t.At
		}
		set = append(set, "run_at = ?")
		setArgs = append(setArgs, toMillis(runAt))
		if t.FailureReason != "" {
			set = append(set, "failure_reason = ?")
			setArgs = append(setArgs, t.FailureReason)
		}
	}

	where := []string{"id = ?", "state = ?"}
	whereArgs := []any{id, string(t.From)}
	if t.From == queue.StateActive {
		where = append(where, "lock_token = ?")
		whereArgs = append(whereArgs, t.Token)
	}
	if !t.StaleBefore.IsZero() {
		where = append(where, "heartbeat_at < ?")
		whereArgs = append(whereArgs, toMillis(t.StaleBefore))
	}

	query := s.rebind(`UPDATE jobs SET ` + strings.Join(set, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + jobColumns)

	job, err := scanJob(s.db.QueryRowContext(ctx, query, append(setArgs, whereArgs...)...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Apply(current); err != nil {
		return nil, err
	}
	// the row changed back between the update and the read
	return nil, fmt.Errorf("%w: job %s", queue.ErrStateConflict, id)
}

// ListStalled implements queue.Store.
func (s *Store) ListStalled(ctx context.Context, queueName string, deadline time.Time) ([]*queue.Job, error) {
	query := s.rebind(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE queue = ? AND (state = 'stalled' OR (state = 'active' AND heartbeat_at < ?))
		ORDER BY heartbeat_at, seq`)

	rows, err := s.db.QueryContext(ctx, query, queueName, toMillis(deadline))
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stalled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stalled jobs: %w", err)
	}
	return jobs, nil
}

// CountByState implements queue.Store.
func (s *Store) CountByState(ctx context.Context, queueName string) (queue.Stats, error) {
	query := s.rebind(`SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`)

	rows, err := s.db.QueryContext(ctx, query, queueName)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats queue.Stats
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return queue.Stats{}, fmt.Errorf("failed to scan job count: %w", err)
		}
		stats.Add(queue.State(state), n)
	}
	if err := rows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("failed to iterate job counts: %w", err)
	}
	return stats, nil
}

// Purge implements queue.Store.
func (s *Store) Purge(ctx context.Context, queueName string, rule queue.PurgeRule) (int, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}

	var (
		bounds []string
		args   = []any{queueName, string(rule.State)}
	)
	if !rule.Before.IsZero() {
		bounds = append(bounds, "finished_at < ?")
		args = append(args, toMillis(rule.Before))
	}
	if rule.KeepLatest > 0 {
		bounds = append(bounds, `seq NOT IN (
			SELECT seq FROM jobs WHERE queue = ? AND state = ?
			ORDER BY finished_at DESC, seq DESC
			LIMIT ?)`)
		args = append(args, queueName, string(rule.State), rule.KeepLatest)
	}
	if len(bounds) == 0 {
		return 0, nil
	}

	query := s.rebind(`DELETE FROM jobs WHERE queue = ? AND state = ? AND (` +
		strings.Join(bounds, " OR ") + `)`)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
