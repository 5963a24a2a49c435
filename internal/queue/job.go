package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// State represents the lifecycle state of a job
type State string

// Possible job states
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

// States lists every job state in lifecycle order.
var States = []State{StateWaiting, StateActive, StateCompleted, StateFailed, StateStalled}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions is the job state machine. Terminal states have no entry.
var transitions = map[State][]State{
	StateWaiting: {StateActive},
	StateActive:  {StateCompleted, StateWaiting, StateFailed, StateStalled},
	StateStalled: {StateWaiting, StateFailed},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a unit of asynchronous work as persisted by a Store.
type Job struct {
	ID            string
	Queue         string
	ExternalID    string
	Type          JobType
	Payload       json.RawMessage
	Priority      int
	State         State
	Attempts      int
	MaxAttempts   int
	Result        json.RawMessage
	FailureReason string

	// RunAt is the earliest instant a waiting job may be claimed.
	RunAt time.Time
	// HeartbeatAt is the last liveness signal from the worker holding the job.
	HeartbeatAt time.Time
	// LockToken identifies the claim that owns an active job.
	LockToken string

	CreatedAt   time.Time
	ProcessedAt time.Time
	FinishedAt  time.Time
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}

// Snapshot is the read-only view of a job returned to status pollers.
type Snapshot struct {
	JobID         string          `json:"jobId"`
	ExternalID    string          `json:"externalId"`
	Type          JobType         `json:"type"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

// Snapshot builds the status view of the job. Interim failure reasons of
// jobs that are still being retried are not exposed.
func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		JobID:       j.ID,
		ExternalID:  j.ExternalID,
		Type:        j.Type,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		ProcessedAt: timePtr(j.ProcessedAt),
		FinishedAt:  timePtr(j.FinishedAt),
	}
	switch j.State {
	case StateCompleted:
		s.Result = j.Result
	case StateFailed:
		s.FailureReason = j.FailureReason
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Transition describes a compare-and-set state change. A Store applies it
// only if the job is currently in From and, when From is StateActive, the
// job's lock token equals Token.
type Transition struct {
	From State
	To   State

	// Token must match the job's lock token when leaving StateActive.
	Token string

	// StaleBefore, when set, additionally requires the job's heartbeat to be
	// older than this instant. The stall detector uses it so that a worker
	// that heartbeats between the scan and the transition keeps its job.
	StaleBefore time.Time

	// Result is stored on transitions to StateCompleted.
	Result json.RawMessage

	// FailureReason is stored on transitions to StateFailed and, as the
	// interim reason, on retries back to StateWaiting.
	FailureReason string

	// RunAt is the earliest reclaim instant on transitions to StateWaiting.
	// Zero means immediately (At).
	RunAt time.Time

	// At is the instant of the transition; it becomes FinishedAt for
	// terminal states.
	At time.Time
}

// Validate checks the transition against the state machine.
func (t Transition) Validate() error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if t.From == StateActive && t.Token == "" {
		return fmt.Errorf("%w: lock token required to leave %s", ErrInvalidTransition, StateActive)
	}
	return nil
}

// Apply checks the compare-and-set conditions against j and, if they hold,
// mutates j into the target state. Stores without native conditional
// updates call it while holding their own lock.
func (t Transition) Apply(j *Job) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.From == StateActive && (j.State != StateActive || j.LockToken != t.Token) {
		return fmt.Errorf("%w: job %s", ErrLockLost, j.ID)
	}
	if j.State != t.From {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStateConflict, j.ID, j.State, t.From)
	}
	if !t.StaleBefore.IsZero() && !j.HeartbeatAt.Before(t.StaleBefore) {
		return fmt.Errorf("%w: job %s heartbeat is recent", ErrStateConflict, j.ID)
	}

	j.State = t.To
	j.LockToken = ""
	switch t.To {
	case StateCompleted:
		j.Result = t.Result
		j.FailureReason = ""
		j.FinishedAt = t.At
	case StateFailed:
		j.FailureReason = t.FailureReason
		j.FinishedAt = t.At
	case StateWaiting:
		j.RunAt = t.RunAt
		if j.RunAt.IsZero() {
			j.RunAt = t.At
		}
		if t.FailureReason != "" {
			j.FailureReason = t.FailureReason
		}
	}
	return nil
}

// Stats holds point-in-time job counts per state for one queue.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Stalled   int64 `json:"stalled"`
}

// Total returns the sum of all counts.
func (s Stats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Stalled
}

// Add increments the counter for state by n.
func (s *Stats) Add(state State, n int64) {
	switch state {
	case StateWaiting:
		s.Waiting += n
	case StateActive:
		s.Active += n
	case StateCompleted:
		s.Completed += n
	case StateFailed:
		s.Failed += n
	case StateStalled:
		s.Stalled += n
	}
}

// Count returns the counter for state.
func (s Stats) Count(state State) int64 {
	switch state {
	case StateWaiting:
		return s.Waiting
	case StateActive:
		return s.Active
	case StateCompleted:
		return s.Completed
	case StateFailed:
		return s.Failed
	case StateStalled:
		return s.Stalled
	}
	return 0
}

// PurgeRule selects terminal jobs for deletion.
type PurgeRule struct {
	// State must be a terminal state.
	State State
	// Before deletes jobs that finished before this instant. Zero disables the age bound.
	Before time.Time
	// KeepLatest deletes all but the most recently finished KeepLatest jobs.
	// Zero disables the count bound.
	KeepLatest int
}

// Validate rejects rules that could touch non-terminal jobs.
func (r PurgeRule) Validate() error {
	if !r.State.Terminal() {
		return fmt.Errorf("cannot purge jobs in non-terminal state %q", r.State)
	}
	if r.KeepLatest < 0 {
		return fmt.Errorf("invalid keep count %d", r.KeepLatest)
	}
	return nil
}
