package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/events"
	"github.com/UniQw/uniqw-jobs/internal/hctx"
	"github.com/UniQw/uniqw-jobs/internal/store"
	"github.com/redis/go-redis/v9"
)

// Failure kinds recorded in terminal results.
const (
	KindHandler       = "handler"
	KindConfiguration = "configuration"
	KindPermanent     = "permanent"
	KindPanic         = "panic"
	KindLeaseExpired  = "lease_expired"
)

const (
	defaultIdleMin         = 250 * time.Millisecond
	defaultIdleMax         = 2 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	storeRetryMin          = 100 * time.Millisecond
	storeRetryMax          = 5 * time.Second
	reclaimBatch           = 256
	finalizeTimeout        = 5 * time.Second
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Reporter is handed to the executor for one attempt.
// It mirrors the public Reporter in the root package.
type Reporter interface {
	Progress(percent int) error
	Log(message string) error
}

// Result is what an executor produced for one attempt.
type Result struct {
	// Data is the encoded handler return value (success only).
	Data []byte
	Err  error
	// Retryable reports whether a failed attempt may be retried.
	Retryable bool
	// Kind classifies a failure; empty means KindHandler.
	Kind string
}

// Executor runs one claimed attempt.
type Executor func(ctx context.Context, rec *store.Record, rep Reporter) Result

// QueueConfig is the resolved per-queue policy.
type QueueConfig struct {
	Workers      int
	Backoff      func(attempt int) time.Duration
	CompletedCap int
	FailedCap    int
	LogCap       int
	// LeaseTTL <= 0 disables heartbeats and lease reclaiming.
	LeaseTTL time.Duration
	IdleMin  time.Duration
	IdleMax  time.Duration
}

type Config struct {
	Queues map[string]QueueConfig
	Logger Logger
	// Events, when set, receives lifecycle events.
	Events *events.Bus
	// ShutdownTimeout bounds how long Stop waits for running handlers
	// before cancelling their contexts.
	ShutdownTimeout time.Duration
}

type Runtime struct {
	store   *store.Store
	cfg     Config
	exec    Executor
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	// ctx stops the polling loops; jobCtx is handed to handlers and only
	// cancelled when a graceful stop runs out of time.
	ctx       context.Context
	cancel    context.CancelFunc
	jobCtx    context.Context
	jobCancel context.CancelFunc
	log       Logger
}

// terminalResult is the JSON document stored as a job's result.
type terminalResult struct {
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Duration    time.Duration   `json:"duration"`
	CompletedAt time.Time       `json:"completed_at"`
}

// New creates a new background runtime that manages workers and lease reclaimers.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	qs := make(map[string]QueueConfig, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		if qc.IdleMin <= 0 {
			qc.IdleMin = defaultIdleMin
		}
		if qc.IdleMax < qc.IdleMin {
			qc.IdleMax = max(defaultIdleMax, qc.IdleMin)
		}
		qs[name] = qc
	}
	cfg.Queues = qs
	return &Runtime{
		store:     store.New(rdb),
		cfg:       cfg,
		exec:      exec,
		ctx:       ctx,
		cancel:    cancel,
		jobCtx:    jobCtx,
		jobCancel: jobCancel,
		log:       lg,
	}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: queues=%d workers=%d", len(rt.cfg.Queues), rt.CfgWorkers())

	for name, qc := range rt.cfg.Queues {
		for i := 0; i < qc.Workers; i++ {
			rt.wg.Add(1)
			go func(queue string, qc QueueConfig, n int) {
				defer rt.wg.Done()
				rt.workerLoop(queue, qc, n)
			}(name, qc, i)
		}

		// Lease reclaimer: fail attempts whose worker stopped heartbeating.
		if qc.LeaseTTL > 0 {
			rt.wg.Add(1)
			go func(queue string, qc QueueConfig) {
				defer rt.wg.Done()
				rt.reclaimLoop(queue, qc)
			}(name, qc)
		}
	}
}

// Stop cancels the polling loops and waits for running handlers to return.
// Handlers still running after ShutdownTimeout get their context cancelled.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(rt.cfg.ShutdownTimeout):
		rt.log.Warnf("shutdown timed out after %s; cancelling running handlers", rt.cfg.ShutdownTimeout)
		rt.jobCancel()
		<-done
	}
	rt.jobCancel()
}

func (rt *Runtime) workerLoop(queue string, qc QueueConfig, n int) {
	idle := qc.IdleMin
	retry := storeRetryMin
	for {
		if rt.ctx.Err() != nil {
			return
		}

		rec, err := rt.store.Claim(rt.ctx, queue, qc.LeaseTTL)
		if err != nil {
			if rt.ctx.Err() != nil {
				return
			}
			rt.log.Errorf("claim failed: queue=%s worker=%d retry_in=%s err=%v", queue, n, retry, err)
			if !rt.sleep(retry) {
				return
			}
			retry = min(retry*2, storeRetryMax)
			continue
		}
		retry = storeRetryMin

		if rec == nil {
			if !rt.sleep(idle) {
				return
			}
			idle = min(idle*2, qc.IdleMax)
			continue
		}
		idle = qc.IdleMin

		rt.process(queue, qc, rec)
	}
}

// process runs one claimed attempt to completion and finalizes it.
func (rt *Runtime) process(queue string, qc QueueConfig, rec *store.Record) {
	rt.publish(events.Event{Kind: events.Claimed, JobID: rec.ID, Queue: queue, Type: rec.Type, Attempt: rec.Attempts})

	rep := newReporter(rt, queue, rec, qc.LogCap)
	ctx := hctx.WithState(rt.jobCtx, &hctx.State{
		JobID: rec.ID, Queue: queue, Type: rec.Type, Attempt: rec.Attempts, Reporter: rep,
	})

	stopHeartbeat := rt.heartbeat(queue, qc, rec)
	start := time.Now()
	res := rt.run(ctx, rec, rep)
	elapsed := time.Since(start)
	rep.close()
	stopHeartbeat()

	doc := terminalResult{
		Success:     res.Err == nil,
		Duration:    elapsed,
		CompletedAt: time.Now().UTC(),
	}
	out := store.Outcome{Success: res.Err == nil}
	if res.Err == nil {
		doc.Data = res.Data
	} else {
		kind := res.Kind
		if kind == "" {
			kind = KindHandler
		}
		doc.Error = res.Err.Error()
		doc.ErrorKind = kind
		out.Error = doc.Error
		out.Retryable = res.Retryable
	}
	out.Result = encodeJSON(doc)

	fin, ok := rt.finalize(queue, qc, rec, out)
	if !ok {
		return
	}
	rt.reportFinal(queue, rec, fin, res.Err, elapsed)
}

// run invokes the executor; a panicking handler becomes a retryable failure.
func (rt *Runtime) run(ctx context.Context, rec *store.Record, rep Reporter) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			rt.log.Errorf("handler panic: id=%s type=%s queue=%s attempt=%d panic=%v\n%s",
				rec.ID, rec.Type, rec.Queue, rec.Attempts, p, debug.Stack())
			res = Result{Err: fmt.Errorf("panic: %v", p), Retryable: true, Kind: KindPanic}
		}
	}()
	return rt.exec(ctx, rec, rep)
}

// finalize persists the outcome. Store failures are retried until the write
// lands, the attempt is no longer owned, or handler contexts are cancelled.
func (rt *Runtime) finalize(queue string, qc QueueConfig, rec *store.Record, out store.Outcome) (*store.Final, bool) {
	pol := store.Policy{Backoff: qc.Backoff, CompletedCap: qc.CompletedCap, FailedCap: qc.FailedCap}
	retry := storeRetryMin
	for {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		fin, err := rt.store.Finalize(ctx, queue, rec.ID, rec.Attempts, out, pol)
		cancel()
		if err == nil {
			return fin, true
		}
		if errors.Is(err, store.ErrNotActive) {
			rt.log.Warnf("finalize skipped, attempt no longer owned: id=%s queue=%s attempt=%d", rec.ID, queue, rec.Attempts)
			return nil, false
		}
		if rt.jobCtx.Err() != nil {
			rt.log.Errorf("finalize abandoned on shutdown: id=%s queue=%s err=%v", rec.ID, queue, err)
			return nil, false
		}
		if fin != nil {
			// transition applied; only index cleanup failed
			rt.log.Warnf("retention index cleanup failed: queue=%s err=%v", queue, err)
			return fin, true
		}
		rt.log.Errorf("finalize failed: id=%s queue=%s retry_in=%s err=%v", rec.ID, queue, retry, err)
		select {
		case <-rt.jobCtx.Done():
		case <-time.After(retry):
		}
		retry = min(retry*2, storeRetryMax)
	}
}

func (rt *Runtime) reportFinal(queue string, rec *store.Record, fin *store.Final, herr error, elapsed time.Duration) {
	ev := events.Event{JobID: rec.ID, Queue: queue, Type: rec.Type, Attempt: rec.Attempts}
	switch fin.State {
	case store.StateCompleted:
		ev.Kind = events.Completed
		rt.log.Debugf("processed: id=%s type=%s queue=%s attempt=%d dur=%s", rec.ID, rec.Type, queue, rec.Attempts, elapsed)
	case store.StatePending:
		ev.Kind = events.Retrying
		ev.Error = herr.Error()
		ev.NextEligibleAt = fin.NextEligibleAt
		rt.log.Warnf("handler error, retrying: id=%s type=%s queue=%s attempt=%d/%d err=%v",
			rec.ID, rec.Type, queue, rec.Attempts, rec.MaxAttempts, herr)
	default:
		ev.Kind = events.Failed
		if herr != nil {
			ev.Error = herr.Error()
		}
		rt.log.Warnf("job failed: id=%s type=%s queue=%s attempt=%d/%d err=%v",
			rec.ID, rec.Type, queue, rec.Attempts, rec.MaxAttempts, herr)
	}
	if len(fin.Evicted) > 0 {
		rt.log.Debugf("retention evicted: queue=%s count=%d", queue, len(fin.Evicted))
	}
	rt.publish(ev)
}

// heartbeat keeps the lease of rec alive until the returned func is called.
func (rt *Runtime) heartbeat(queue string, qc QueueConfig, rec *store.Record) func() {
	if qc.LeaseTTL <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(qc.LeaseTTL/3, 10*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := rt.store.Heartbeat(rt.jobCtx, queue, rec.ID, rec.Attempts, qc.LeaseTTL)
				if errors.Is(err, store.ErrNotActive) {
					rt.log.Warnf("lease lost: id=%s queue=%s attempt=%d", rec.ID, queue, rec.Attempts)
					return
				}
				if err != nil {
					rt.log.Warnf("heartbeat failed: id=%s queue=%s err=%v", rec.ID, queue, err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (rt *Runtime) reclaimLoop(queue string, qc QueueConfig) {
	interval := min(max(qc.LeaseTTL/2, 100*time.Millisecond), 5*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pol := store.Policy{Backoff: qc.Backoff, CompletedCap: qc.CompletedCap, FailedCap: qc.FailedCap}
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			leases, err := rt.store.ExpiredLeases(rt.ctx, queue, reclaimBatch)
			if err != nil {
				if rt.ctx.Err() == nil {
					rt.log.Warnf("reclaimer: scan failed queue=%s err=%v", queue, err)
				}
				continue
			}
			for _, l := range leases {
				rt.reclaim(queue, l, pol)
			}
		}
	}
}

// reclaim finalizes an attempt whose lease expired as a retryable failure.
func (rt *Runtime) reclaim(queue string, l store.Lease, pol store.Policy) {
	const msg = "lease expired"
	doc := terminalResult{Error: msg, ErrorKind: KindLeaseExpired, CompletedAt: time.Now().UTC()}
	out := store.Outcome{
		Retryable:     true,
		Error:         msg,
		Result:        encodeJSON(doc),
		LeaseDeadline: time.Now().UnixMilli(),
	}
	fin, err := rt.store.Finalize(rt.ctx, queue, l.ID, l.Attempt, out, pol)
	if errors.Is(err, store.ErrNotActive) {
		return
	}
	if err != nil && fin == nil {
		rt.log.Warnf("reclaimer: finalize failed id=%s queue=%s err=%v", l.ID, queue, err)
		return
	}
	rt.log.Warnf("reclaimed expired lease: id=%s queue=%s attempt=%d state=%s", l.ID, queue, l.Attempt, fin.State)
	kind := events.Retrying
	if fin.State == store.StateFailed {
		kind = events.Failed
	}
	rt.publish(events.Event{Kind: kind, JobID: l.ID, Queue: queue, Attempt: l.Attempt, Error: msg, NextEligibleAt: fin.NextEligibleAt})
}

func (rt *Runtime) publish(ev events.Event) {
	if rt.cfg.Events == nil {
		return
	}
	ev.At = time.Now().UnixMilli()
	if err := rt.cfg.Events.Publish(rt.jobCtx, ev); err != nil {
		rt.log.Debugf("publish event failed: kind=%s id=%s err=%v", ev.Kind, ev.JobID, err)
	}
}

func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// sleep waits for d or until the runtime stops; it reports whether to continue.
func (rt *Runtime) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rt.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// CfgWorkers exposes the total number of configured workers.
func (rt *Runtime) CfgWorkers() int {
	n := 0
	for _, qc := range rt.cfg.Queues {
		n += qc.Workers
	}
	return n
}

// CfgQueues exposes the configured queue names.
func (rt *Runtime) CfgQueues() []string {
	out := make([]string, 0, len(rt.cfg.Queues))
	for q := range rt.cfg.Queues {
		out = append(out, q)
	}
	return out
}
