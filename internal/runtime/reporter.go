package runtime

import (
	"errors"
	"sync"

	"github.com/UniQw/uniqw-jobs/internal/events"
	"github.com/UniQw/uniqw-jobs/internal/store"
)

// reporter writes progress and log lines for a single attempt.
// It is bound to the attempt number and refuses writes once the handler returned.
type reporter struct {
	rt     *Runtime
	queue  string
	rec    *store.Record
	logCap int

	mu       sync.Mutex
	last     int
	logs     int
	closed   bool
	fullOnce sync.Once
}

func newReporter(rt *Runtime, queue string, rec *store.Record, logCap int) *reporter {
	return &reporter{rt: rt, queue: queue, rec: rec, logCap: logCap}
}

func (r *reporter) Progress(percent int) error {
	if percent < 0 || percent > 100 {
		return store.ErrInvalidProgress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return store.ErrNotActive
	}
	if percent < r.last {
		return store.ErrInvalidProgress
	}
	if err := r.rt.store.ReportProgress(r.rt.jobCtx, r.queue, r.rec.ID, r.rec.Attempts, percent); err != nil {
		return err
	}
	r.last = percent
	r.rt.publish(events.Event{
		Kind: events.Progress, JobID: r.rec.ID, Queue: r.queue, Type: r.rec.Type,
		Attempt: r.rec.Attempts, Progress: percent,
	})
	return nil
}

func (r *reporter) Log(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return store.ErrNotActive
	}
	if r.logCap > 0 && r.logs >= r.logCap {
		r.warnFull()
		return store.ErrLogFull
	}
	err := r.rt.store.AppendLog(r.rt.jobCtx, r.queue, r.rec.ID, r.rec.Attempts, message, r.logCap)
	if errors.Is(err, store.ErrLogFull) {
		r.warnFull()
	}
	if err != nil {
		return err
	}
	r.logs++
	return nil
}

func (r *reporter) warnFull() {
	r.fullOnce.Do(func() {
		r.rt.log.Warnf("log cap reached, dropping new entries: id=%s queue=%s cap=%d", r.rec.ID, r.queue, r.logCap)
	})
}

func (r *reporter) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
