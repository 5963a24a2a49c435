package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A single mutex serialises every
// operation, which makes claims and transitions trivially atomic. It is used
// by tests and by the memory store driver for single-process deployments.
type MemoryStore struct {
	mu   sync.Mutex
	seq  int64
	jobs map[string]*memoryJob
	ext  map[string]string // queue + "\x00" + externalID -> id
}

type memoryJob struct {
	job *Job
	seq int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryJob),
		ext:  make(map[string]string),
	}
}

func extKey(queue, externalID string) string {
	return queue + "\x00" + externalID
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := extKey(job.Queue, job.ExternalID)
	if _, ok := s.ext[key]; ok {
		return fmt.Errorf("%w: external id %s", ErrDuplicateJob, job.ExternalID)
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobIDConflict, job.ID)
	}

	s.seq++
	s.jobs[job.ID] = &memoryJob{job: job.Clone(), seq: s.seq}
	s.ext[key] = job.ID
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return mj.job.Clone(), nil
}

// GetByExternalID implements Store.
func (s *MemoryStore) GetByExternalID(_ context.Context, queue, externalID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.ext[extKey(queue, externalID)]
	if !ok {
		return nil, ErrJobNotFound
	}
	return s.jobs[id].job.Clone(), nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, queue, token string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *memoryJob
	for _, mj := range s.jobs {
		j := mj.job
		if j.Queue != queue || j.State != StateWaiting || j.RunAt.After(now) {
			continue
		}
		if best == nil ||
			j.Priority < best.job.Priority ||
			(j.Priority == best.job.Priority && mj.seq < best.seq) {
			best = mj
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}

	j := best.job
	j.State = StateActive
	j.Attempts++
	j.LockToken = token
	j.HeartbeatAt = now
	if j.ProcessedAt.IsZero() {
		j.ProcessedAt = now
	}
	return j.Clone(), nil
}

// Heartbeat implements Store.
func (s *MemoryStore) Heartbeat(_ context.Context, id, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok || mj.job.State != StateActive || mj.job.LockToken != token {
		return fmt.Errorf("%w: job %s", ErrLockLost, id)
	}
	mj.job.HeartbeatAt = at
	return nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, id string, t Transition) (*Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := t.Apply(mj.job); err != nil {
		return nil, err
	}
	return mj.job.Clone(), nil
}

// ListStalled implements Store.
func (s *MemoryStore) ListStalled(_ context.Context, queue string, deadline time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, mj := range s.jobs {
		j := mj.job
		if j.Queue != queue {
			continue
		}
		if j.State == StateStalled || (j.State == StateActive && j.HeartbeatAt.Before(deadline)) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].HeartbeatAt.Before(out[k].HeartbeatAt) })
	return out, nil
}

// CountByState implements Store.
func (s *MemoryStore) CountByState(_ context.Context, queue string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, mj := range s.jobs {
		if mj.job.Queue == queue {
			stats.Add(mj.job.State, 1)
		}
	}
	return stats, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, queue string, rule PurgeRule) (int, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*memoryJob
	for _, mj := range s.jobs {
		if mj.job.Queue == queue && mj.job.State == rule.State {
			candidates = append(candidates, mj)
		}
	}
	// newest first
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if !a.job.FinishedAt.Equal(b.job.FinishedAt) {
			return a.job.FinishedAt.After(b.job.FinishedAt)
		}
		return a.seq > b.seq
	})

	removed := 0
	for i, mj := range candidates {
		tooOld := !rule.Before.IsZero() && mj.job.FinishedAt.Before(rule.Before)
		overCap := rule.KeepLatest > 0 && i >= rule.KeepLatest
		if !tooOld && !overCap {
			continue
		}
		delete(s.jobs, mj.job.ID)
		delete(s.ext, extKey(mj.job.Queue, mj.job.ExternalID))
		removed++
	}
	return removed, nil
}
