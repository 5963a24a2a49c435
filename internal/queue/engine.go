package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
)

// Config holds the settings of one Engine.
type Config struct {
	// Queue names the namespace this engine submits to and claims from.
	Queue string `validate:"required"`

	// NodeID seeds job id generation and must be unique per running engine
	// sharing a store.
	NodeID int64 `validate:"gte=0,lte=1023"`

	// Concurrency is the number of worker goroutines.
	Concurrency int `validate:"gte=1"`

	// DefaultMaxAttempts applies when a submission does not set one.
	DefaultMaxAttempts int `validate:"gte=1"`

	// BaseDelay is the backoff before the first retry; it doubles per attempt.
	BaseDelay time.Duration `validate:"gte=0"`

	// PollInterval bounds how long an idle worker sleeps before claiming again.
	PollInterval time.Duration `validate:"gt=0"`

	// HeartbeatInterval is how often a worker refreshes its active job.
	HeartbeatInterval time.Duration `validate:"gt=0"`

	// StallTimeout is how long an active job may go without a heartbeat
	// before it is presumed abandoned.
	StallTimeout time.Duration `validate:"gt=0"`

	// StallCheckInterval is how often the stall detector runs.
	StallCheckInterval time.Duration `validate:"gt=0"`

	// MetricsInterval is how often the per-state gauges are refreshed.
	// Zero disables the collector.
	MetricsInterval time.Duration `validate:"gte=0"`

	Retention RetentionConfig
}

// RetentionConfig bounds how long terminal jobs are kept. Zero values disable
// the corresponding bound.
type RetentionConfig struct {
	// Schedule is a cron spec for the purge run, e.g. "@every 1m".
	// Empty disables retention.
	Schedule        string
	CompletedMaxAge time.Duration `validate:"gte=0"`
	CompletedKeep   int           `validate:"gte=0"`
	FailedMaxAge    time.Duration `validate:"gte=0"`
}

// DefaultConfig returns a Config with reasonable defaults for queue.
func DefaultConfig(queue string) Config {
	return Config{
		Queue:              queue,
		Concurrency:        2,
		DefaultMaxAttempts: 3,
		BaseDelay:          2 * time.Second,
		PollInterval:       time.Second,
		HeartbeatInterval:  20 * time.Second,
		StallTimeout:       60 * time.Second,
		StallCheckInterval: 15 * time.Second,
		MetricsInterval:    15 * time.Second,
		Retention: RetentionConfig{
			Schedule:        "@every 1m",
			CompletedMaxAge: 24 * time.Hour,
			CompletedKeep:   1000,
			FailedMaxAge:    7 * 24 * time.Hour,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if c.HeartbeatInterval >= c.StallTimeout {
		return fmt.Errorf("invalid engine config: heartbeat interval %s must be shorter than stall timeout %s",
			c.HeartbeatInterval, c.StallTimeout)
	}
	if c.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("invalid engine config: retention schedule: %w", err)
		}
	}
	return nil
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher sets the publisher terminal events are sent to. Without one,
// no events are emitted.
func WithPublisher(p message.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRetryPredicate replaces the default AlwaysRetry classification.
func WithRetryPredicate(p RetryPredicate) Option {
	return func(e *Engine) { e.retryable = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStoreBackoff sets the backoff used to retry failed store transitions.
// The function is called once per operation since backoffs are stateful.
func WithStoreBackoff(fn func() retry.Backoff) Option {
	return func(e *Engine) { e.storeBackoff = fn }
}

func defaultStoreBackoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.NewExponential(100*time.Millisecond))
}

// Engine owns the worker pool of one queue. All state it relies on for
// correctness lives in the Store, so any number of engines for the same
// queue may run against one store.
type Engine struct {
	cfg          Config
	store        Store
	registry     *Registry
	logger       *slog.Logger
	publisher    message.Publisher
	retryable    RetryPredicate
	now          func() time.Time
	storeBackoff func() retry.Backoff
	ids          *snowflake.Node

	wake chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewEngine creates an Engine. The registry must be fully populated; it is
// not modified afterwards.
func NewEngine(store Store, registry *Registry, cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		logger:       logger.With("component", "queue", "queue", cfg.Queue),
		retryable:    AlwaysRetry,
		now:          time.Now,
		storeBackoff: defaultStoreBackoff,
		ids:          ids,
		wake:         make(chan struct{}, cfg.Concurrency),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Queue returns the name of the engine's queue.
func (e *Engine) Queue() string {
	return e.cfg.Queue
}

// Receipt identifies a submitted job.
type Receipt struct {
	JobID      string `json:"jobId"`
	ExternalID string `json:"externalId"`
}

type submitOptions struct {
	priority    *int
	maxAttempts int
	externalID  string
	delay       time.Duration
}

// SubmitOption customises a single submission.
type SubmitOption func(*submitOptions)

// WithPriority overrides the job type's default priority. Lower runs first.
func WithPriority(p int) SubmitOption {
	return func(o *submitOptions) { o.priority = &p }
}

// WithMaxAttempts overrides the engine's default attempt ceiling.
func WithMaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) { o.maxAttempts = n }
}

// WithExternalID sets the correlation key the job can be polled by. It must
// be unique within the queue.
func WithExternalID(id string) SubmitOption {
	return func(o *submitOptions) { o.externalID = id }
}

// WithDelay keeps the job from being claimed until d has elapsed.
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

// Submit validates p and persists it as a waiting job. The job is durable
// once Submit returns without error.
func (e *Engine) Submit(ctx context.Context, p Payload, opts ...SubmitOption) (Receipt, error) {
	if p == nil {
		return Receipt{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	jobType := p.JobType()
	if !e.registry.Has(jobType) {
		return Receipt{}, fmt.Errorf("%w: %s is not handled by queue %s", ErrUnknownJobType, jobType, e.cfg.Queue)
	}
	if err := ValidatePayload(p); err != nil {
		return Receipt{}, err
	}

	o := submitOptions{maxAttempts: e.cfg.DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	priority := DefaultPriority(jobType)
	if o.priority != nil {
		priority = *o.priority
	}
	if priority < 0 || priority > MaxPriority {
		return Receipt{}, fmt.Errorf("%w: priority %d outside [0, %d]", ErrInvalidOption, priority, MaxPriority)
	}
	if o.maxAttempts < 1 {
		return Receipt{}, fmt.Errorf("%w: max attempts %d", ErrInvalidOption, o.maxAttempts)
	}
	if o.delay < 0 {
		return Receipt{}, fmt.Errorf("%w: negative delay %s", ErrInvalidOption, o.delay)
	}
	if o.externalID == "" {
		o.externalID = uuid.NewString()
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := e.now()
	job := &Job{
		Queue:       e.cfg.Queue,
		ExternalID:  o.externalID,
		Type:        jobType,
		Payload:     raw,
		Priority:    priority,
		State:       StateWaiting,
		MaxAttempts: o.maxAttempts,
		RunAt:       now.Add(o.delay),
		CreatedAt:   now,
	}
	if err := e.insert(ctx, job); err != nil {
		return Receipt{}, fmt.Errorf("failed to store job: %w", err)
	}

	e.logger.Debug("job submitted",
		"job_id", job.ID,
		"external_id", job.ExternalID,
		"job_type", job.Type,
		"priority", job.Priority)

	if o.delay == 0 {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}

	return Receipt{JobID: job.ID, ExternalID: job.ExternalID}, nil
}

// maxIDConflicts bounds how many fresh ids Submit draws for one job.
const maxIDConflicts = 3

// insert stores job under a fresh id, drawing another one when the id is
// taken by a process that shares this engine's node id.
func (e *Engine) insert(ctx context.Context, job *Job) error {
	var err error
	for i := 0; i < maxIDConflicts; i++ {
		job.ID = e.ids.Generate().String()
		err = e.store.Insert(ctx, job)
		if !errors.Is(err, ErrJobIDConflict) {
			return err
		}
		e.logger.Warn("generated job id already in use, is node_id unique per process?",
			"job_id", job.ID,
			"node_id", e.cfg.NodeID)
	}
	return err
}

// Status returns the current snapshot of the job with the given external id.
func (e *Engine) Status(ctx context.Context, externalID string) (*Snapshot, error) {
	job, err := e.store.GetByExternalID(ctx, e.cfg.Queue, externalID)
	if err != nil {
		return nil, err
	}
	s := job.Snapshot()
	return &s, nil
}

// Stats returns point-in-time job counts per state. Counts may race
// concurrent transitions.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	stats, err := e.store.CountByState(ctx, e.cfg.Queue)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return stats, nil
}

// Start launches the workers, the stall detector, the retention schedule and
// the metrics collector. They run until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrEngineStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	if e.cfg.Retention.Schedule != "" {
		cl := cronLogger{logger: e.logger}
		c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
		if _, err := c.AddFunc(e.cfg.Retention.Schedule, func() {
			if _, err := e.PurgeExpired(ctx); err != nil {
				e.logger.Error("failed to purge expired jobs", "error", err)
			}
		}); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule retention: %w", err)
		}
		c.Start()
		e.cron = c
	}

	for i := 0; i < e.cfg.Concurrency; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	e.wg.Add(1)
	go e.stallMonitor(ctx)

	if e.cfg.MetricsInterval > 0 {
		e.wg.Add(1)
		go e.collectMetrics(ctx)
	}

	e.running = true
	e.cancel = cancel

	e.logger.Info("engine started",
		"concurrency", e.cfg.Concurrency,
		"stall_timeout", e.cfg.StallTimeout)
	return nil
}

// Stop signals all goroutines to exit and waits for in-flight jobs to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.cancel()
	if e.cron != nil {
		<-e.cron.Stop().Done()
		e.cron = nil
	}
	e.wg.Wait()
	e.running = false

	e.logger.Info("engine stopped")
}

// transition applies t, retrying store errors with backoff. Conflicts are
// definitive and returned immediately.
func (e *Engine) transition(ctx context.Context, id string, t Transition) (*Job, error) {
	var updated *Job
	err := retry.Do(ctx, e.storeBackoff(), func(ctx context.Context) error {
		j, err := e.store.Transition(ctx, id, t)
		if err != nil {
			if isStoreConflict(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		updated = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) publish(job *Job, logger *slog.Logger) {
	if e.publisher == nil {
		return
	}
	msg, err := NewEvent(job).Message()
	if err == nil {
		err = e.publisher.Publish(TerminalTopic(job.Queue), msg)
	}
	if err != nil {
		logger.Error("failed to publish terminal event", "error", err)
	}
}
