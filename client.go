package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/events"
	"github.com/UniQw/uniqw-jobs/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client provides APIs to submit and inspect jobs in Redis.
type Client struct {
	rdb     redis.UniversalClient
	store   *store.Store
	bus     *events.Bus
	encoder Encoder
	reg     *Registry
	queues  map[string]QueueConfig
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRegistry makes Submit reject job types that have no handler in reg.
func WithRegistry(reg *Registry) ClientOption {
	return func(c *Client) { c.reg = reg }
}

// WithQueueConfig sets the policy Submit uses for queue, notably MaxAttempts.
func WithQueueConfig(queue string, cfg QueueConfig) ClientOption {
	return func(c *Client) { c.queues[queue] = cfg.withDefaults() }
}

// WithEncoder replaces the JSON encoder used for payloads.
func WithEncoder(enc Encoder) ClientOption {
	return func(c *Client) {
		if enc != nil {
			c.encoder = enc
		}
	}
}

// NewClient creates a new jobs client.
func NewClient(rdb redis.UniversalClient, opts ...ClientOption) *Client {
	c := &Client{
		rdb:     rdb,
		store:   store.New(rdb),
		bus:     events.New(rdb),
		encoder: &JSONEncoder{},
		queues:  make(map[string]QueueConfig),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit persists a new pending job and returns its id.
// []byte and json.RawMessage payloads are stored as-is; other values are encoded.
// It returns ErrDuplicateJob if the id (explicit or generated) already exists
// and ErrUnregisteredJobType when a registry is attached and has no handler.
func (c *Client) Submit(ctx context.Context, queue, jobType string, payload any, opts ...Option) (string, error) {
	if queue == "" {
		return "", &ValidationError{Field: "queue", Reason: "must be non-empty"}
	}
	if jobType == "" {
		return "", &ValidationError{Field: "type", Reason: "must be non-empty"}
	}
	if c.reg != nil && !c.reg.Has(queue, jobType) {
		return "", fmt.Errorf("%w: queue=%s type=%s", ErrUnregisteredJobType, queue, jobType)
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.maxAttempts == 0 {
		cfg.maxAttempts = c.queueConfig(queue).MaxAttempts
	}
	if cfg.maxAttempts < 1 {
		return "", &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	if cfg.delay < 0 {
		return "", &ValidationError{Field: "delay", Reason: "must not be negative"}
	}

	data, err := encodeValue(c.encoder, payload)
	if err != nil {
		return "", &ValidationError{Field: "payload", Reason: err.Error()}
	}

	id := cfg.id
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		id = u.String()
	}

	rec := &store.Record{
		ID:          id,
		Queue:       queue,
		Type:        jobType,
		Payload:     data,
		MaxAttempts: cfg.maxAttempts,
	}
	if cfg.delay > 0 {
		rec.NextEligibleAt = time.Now().Add(cfg.delay).UnixMilli()
	}
	if err := c.store.Enqueue(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// GetJob returns the current snapshot of a job, or ErrJobNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return jobFromRecord(rec), nil
}

// ListByState returns up to limit jobs of queue in state. Pending and active
// jobs come in eligibility order, completed and failed jobs most recent first.
// A non-positive limit returns all.
func (c *Client) ListByState(ctx context.Context, queue string, state State, limit int) ([]*Job, error) {
	recs, err := c.store.List(ctx, queue, string(state), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(recs))
	for _, r := range recs {
		out = append(out, jobFromRecord(r))
	}
	return out, nil
}

// JobFilter is a function used to filter jobs during ListJobs.
type JobFilter func(*Job) bool

// ListJobs returns every job of queue in state that matches filter.
// A nil filter matches everything.
func (c *Client) ListJobs(ctx context.Context, queue string, state State, filter JobFilter) ([]*Job, error) {
	all, err := c.ListByState(ctx, queue, state, 0)
	if err != nil || filter == nil {
		return all, err
	}
	out := all[:0]
	for _, j := range all {
		if filter(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

// DeleteJob removes a job in any state but active.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.store.Delete(ctx, id)
}

// RetryFailed moves a failed job back to pending with its attempts reset.
// MaxAttempts and Delay options apply; JobID is ignored.
func (c *Client) RetryFailed(ctx context.Context, id string, opts ...Option) error {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.maxAttempts < 0 {
		return &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	if cfg.delay < 0 {
		cfg.delay = 0
	}
	return c.store.Requeue(ctx, id, cfg.maxAttempts, cfg.delay)
}

// Subscribe delivers lifecycle events published by servers until ctx is done.
// It blocks; run it in its own goroutine.
func (c *Client) Subscribe(ctx context.Context, fn func(Event)) error {
	return c.bus.Subscribe(ctx, nil, fn)
}

// SubscribeReady is Subscribe with a callback that runs once the subscription is live.
func (c *Client) SubscribeReady(ctx context.Context, ready func(), fn func(Event)) error {
	return c.bus.Subscribe(ctx, ready, fn)
}

func (c *Client) queueConfig(queue string) QueueConfig {
	if qc, ok := c.queues[queue]; ok {
		return qc
	}
	return DefaultQueueConfig()
}
