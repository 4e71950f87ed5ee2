package jobs

import (
	"context"

	"github.com/UniQw/uniqw-jobs/internal/hctx"
)

// Reporter lets a handler publish progress and log lines for its attempt.
// It is bound to one job and one attempt; once the handler returned, or the
// attempt was reclaimed, every call fails with ErrNotActive.
type Reporter interface {
	// Progress sets the progress percentage. It returns ErrInvalidProgress for
	// values outside [0,100] or lower than the last reported value.
	Progress(percent int) error
	// Log appends a timestamped line. It returns ErrLogFull once the queue's
	// LogCap is reached; the line is dropped and the job keeps running.
	Log(message string) error
}

// JobInfo identifies the attempt a handler is running.
type JobInfo struct {
	ID      string
	Queue   string
	Type    string
	Attempt int
}

// ReporterFrom returns the Reporter of the attempt running under ctx.
func ReporterFrom(ctx context.Context) (Reporter, bool) {
	st, ok := hctx.From(ctx)
	if !ok {
		return nil, false
	}
	r, ok := st.Reporter.(Reporter)
	return r, ok
}

// JobInfoFrom returns the identity of the attempt running under ctx.
func JobInfoFrom(ctx context.Context) (JobInfo, bool) {
	st, ok := hctx.From(ctx)
	if !ok {
		return JobInfo{}, false
	}
	return JobInfo{ID: st.JobID, Queue: st.Queue, Type: st.Type, Attempt: st.Attempt}, true
}
